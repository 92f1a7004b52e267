// Package relay copies a child's output to the console on a worker goroutine,
// cleaning and coloring each line and watching for a readiness marker.
package relay

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mbrock/twinsbt/internal/ansi"
)

// Sink receives every cleaned line, without its line ending.
type Sink interface {
	Line(text string)
}

// Options configures a Relay.
type Options struct {
	// Marker fires the readiness signal the first time a cleaned line contains it.
	Marker string
	// Color is applied to each line written to Out.
	Color ansi.Color
	// Out receives the cleaned, colored lines. Nil discards them.
	Out io.Writer
	// Sink, if set, also receives each line.
	Sink Sink
}

// Relay is a running output relay.
type Relay struct {
	opts Options

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	lines atomic.Int64
	err   error
}

// Start begins relaying r. The relay stops at EOF or on a read error.
func Start(r io.Reader, opts Options) *Relay {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	rl := &Relay{
		opts:  opts,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go rl.run(r)
	return rl
}

// Ready is closed the first time the marker appears.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Done is closed once the stream is exhausted.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Err returns the read error that ended the relay, if any. It is only
// meaningful after Done is closed. A stream closed underneath the relay
// is not reported as an error.
func (r *Relay) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Lines returns the number of lines relayed so far.
func (r *Relay) Lines() int64 { return r.lines.Load() }

func (r *Relay) run(src io.Reader) {
	defer close(r.done)

	br := bufio.NewReader(src)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			r.handle(line)
		}
		if err != nil {
			if !isClosed(err) {
				r.err = err
				log.Debug().Err(err).Msg("relay read failed")
			}
			return
		}
	}
}

func (r *Relay) handle(line string) {
	clean := ansi.Strip(line)
	r.lines.Add(1)

	if _, err := io.WriteString(r.opts.Out, ansi.Colorize(clean, r.opts.Color)); err != nil {
		log.Debug().Err(err).Msg("relay write failed")
	}
	if r.opts.Sink != nil {
		r.opts.Sink.Line(strings.TrimRight(clean, "\r\n"))
	}
	if r.opts.Marker != "" && strings.Contains(clean, r.opts.Marker) {
		r.readyOnce.Do(func() {
			log.Debug().Str("marker", r.opts.Marker).Msg("readiness marker seen")
			close(r.ready)
		})
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
