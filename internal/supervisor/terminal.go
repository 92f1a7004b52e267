package supervisor

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Terminal captures the controlling terminal's mode so it can be put back
// after an interactive child exits, even if the child died mid-redraw.
type Terminal interface {
	// Save records the current state and returns a function restoring it.
	Save() (restore func())
}

type fdTerminal struct {
	fd int
}

// StdinTerminal returns a Terminal for standard input.
func StdinTerminal() Terminal {
	return fdTerminal{fd: int(os.Stdin.Fd())}
}

// IsInteractive reports whether standard input is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (t fdTerminal) Save() func() {
	if !term.IsTerminal(t.fd) {
		return func() {}
	}
	state, err := term.GetState(t.fd)
	if err != nil {
		log.Debug().Err(err).Msg("reading terminal state failed")
		return func() {}
	}
	return func() {
		if err := term.Restore(t.fd, state); err != nil {
			log.Debug().Err(err).Msg("restoring terminal state failed")
		}
	}
}

// NopTerminal is a Terminal that does nothing.
type NopTerminal struct{}

func (NopTerminal) Save() func() { return func() {} }
