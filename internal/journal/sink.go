// Package journal forwards relayed output to the systemd journal.
package journal

import (
	"strconv"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog/log"
)

// Field names attached to every forwarded line.
const (
	FieldIdentifier = "SYSLOG_IDENTIFIER"
	FieldRole       = "TWINSBT_ROLE"
	FieldPID        = "TWINSBT_PID"
)

// Identifier is the syslog identifier used for forwarded lines.
const Identifier = "twinsbt"

type sendFunc func(message string, priority journal.Priority, vars map[string]string) error

// Sink forwards relayed output lines to journald.
type Sink struct {
	send   sendFunc
	fields map[string]string

	mu     sync.Mutex
	failed bool
}

// Enabled reports whether the journald socket is reachable.
func Enabled() bool {
	return journal.Enabled()
}

// NewSink returns a sink tagging lines with role and pid, or nil when
// journald is not available.
func NewSink(role string, pid int) *Sink {
	if !Enabled() {
		log.Warn().Msg("journald is not available; background output will not be forwarded")
		return nil
	}
	return newSink(journal.Send, role, pid)
}

func newSink(send sendFunc, role string, pid int) *Sink {
	return &Sink{
		send: send,
		fields: map[string]string{
			FieldIdentifier: Identifier,
			FieldRole:       role,
			FieldPID:        strconv.Itoa(pid),
		},
	}
}

// Line sends one line at info priority. After the first failure the
// sink goes quiet so a dead socket does not flood the console.
func (s *Sink) Line(text string) {
	if s == nil || text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	if err := s.send(text, journal.PriInfo, s.fields); err != nil {
		s.failed = true
		log.Warn().Err(err).Msg("forwarding to journald failed; giving up")
	}
}
