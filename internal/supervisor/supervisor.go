// Package supervisor runs the warm-up sequence: a hidden background server,
// a readiness wait on its output, an interactive foreground session and
// the teardown of the background instance.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mbrock/twinsbt/internal/config"
	"github.com/mbrock/twinsbt/internal/executor"
	"github.com/mbrock/twinsbt/internal/relay"
)

var (
	ErrNotReady     = errors.New("exited before becoming ready")
	ErrReadyTimeout = errors.New("timed out waiting for readiness")
	ErrInterrupted  = errors.New("interrupted")
)

// drainTimeout bounds how long teardown waits for the relay to hit EOF
// once the background process is gone.
const drainTimeout = time.Second

// Deps are the collaborators Run needs. Zero values fall back to the real thing.
type Deps struct {
	Exec executor.Executor
	// Console receives relayed output and status lines.
	Console io.Writer
	// Errors receives failure messages.
	Errors io.Writer
	// Terminal is saved before and restored after the foreground session.
	Terminal Terminal
	// Signals delivers signals sent to twinsbt itself. Before the foreground
	// starts any signal aborts the run. While it runs, SIGINT and SIGQUIT
	// are left to the foreground (it shares our terminal) and other
	// signals are forwarded to it.
	Signals <-chan os.Signal
	// Sink, if set, builds a relay sink for the background process.
	Sink func(pid int) relay.Sink
}

// Result describes a completed session.
type Result struct {
	BackgroundPID    int
	ForegroundPID    int
	ExitCode         int
	BackgroundKilled bool
}

// Run executes the whole sequence described by cfg.
func Run(ctx context.Context, cfg config.Config, deps Deps) (Result, error) {
	s := newSession(cfg, deps)
	return s.run(ctx)
}

type session struct {
	cfg  config.Config
	deps Deps
	name string
}

func newSession(cfg config.Config, deps Deps) *session {
	if deps.Exec == nil {
		deps.Exec = executor.Default()
	}
	if deps.Console == nil {
		deps.Console = os.Stdout
	}
	if deps.Errors == nil {
		deps.Errors = os.Stderr
	}
	if deps.Terminal == nil {
		deps.Terminal = StdinTerminal()
	}
	return &session{cfg: cfg, deps: deps, name: cfg.Name()}
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.deps.Console, format+"\n", args...)
}

func (s *session) errorf(format string, args ...any) {
	fmt.Fprintf(s.deps.Errors, format+"\n", args...)
}

func (s *session) run(ctx context.Context) (res Result, err error) {
	bg, out, err := s.startBackground()
	if err != nil {
		s.errorf("Failed to start %s: %v", s.name, err)
		return res, fmt.Errorf("start background %s: %w", s.name, err)
	}
	res.BackgroundPID = bg.PID()
	bgExited := make(chan struct{})
	go func() {
		bg.Wait()
		close(bgExited)
	}()
	s.printf("background %s started with PID: %d", s.name, res.BackgroundPID)
	log.Debug().Int("pid", res.BackgroundPID).Strs("command", s.cfg.Command).Bool("pty", s.cfg.PTY).Msg("background started")

	opts := relay.Options{
		Marker: s.cfg.Marker,
		Color:  s.cfg.EffectiveColor(),
		Out:    s.deps.Console,
	}
	if s.deps.Sink != nil {
		opts.Sink = s.deps.Sink(res.BackgroundPID)
	}
	rl := relay.Start(out, opts)

	// Whatever happens from here on, the background instance goes away.
	defer func() {
		killed, stopErr := s.stopBackground(bg, bgExited, rl.Done())
		res.BackgroundKilled = killed
		s.drain(rl, out)
		if stopErr != nil {
			s.errorf("Failed to kill background %s: %v", s.name, stopErr)
			if err == nil {
				err = fmt.Errorf("stop background %s: %w", s.name, stopErr)
			}
			return
		}
		if killed {
			s.printf("background %s with PID %d killed", s.name, res.BackgroundPID)
		}
	}()

	if err := s.waitReady(ctx, rl); err != nil {
		s.errorf("Failed to receive notification from %s output: %v", s.name, err)
		return res, err
	}
	log.Debug().Int("pid", res.BackgroundPID).Int64("lines", rl.Lines()).Msg("background ready")

	code, fgPID, err := s.runForeground(ctx)
	res.ForegroundPID = fgPID
	res.ExitCode = code
	return res, err
}

func (s *session) startBackground() (executor.Process, io.ReadCloser, error) {
	spec := executor.Spec{
		Command: s.cfg.Command,
		Dir:     s.cfg.Dir,
		Env:     s.cfg.Env,
		Stderr:  s.deps.Errors,
	}
	if s.cfg.PTY {
		return s.deps.Exec.StartPTY(spec)
	}
	return s.deps.Exec.StartPiped(spec)
}

// waitReady blocks until the relay reports the marker.
func (s *session) waitReady(ctx context.Context, rl *relay.Relay) error {
	var timeout <-chan time.Time
	if s.cfg.ReadyTimeout > 0 {
		timer := time.NewTimer(s.cfg.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-rl.Ready():
			return nil
		case <-rl.Done():
			// The marker may have been on the last line.
			select {
			case <-rl.Ready():
				return nil
			default:
			}
			if err := rl.Err(); err != nil {
				return fmt.Errorf("background %s %w: %w", s.name, ErrNotReady, err)
			}
			return fmt.Errorf("background %s %w", s.name, ErrNotReady)
		case <-timeout:
			return fmt.Errorf("background %s: %w after %v", s.name, ErrReadyTimeout, s.cfg.ReadyTimeout)
		case sig := <-s.deps.Signals:
			return fmt.Errorf("%w by %v", ErrInterrupted, sig)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) runForeground(ctx context.Context) (int, int, error) {
	restore := s.deps.Terminal.Save()
	defer restore()

	fg, err := s.deps.Exec.StartAttached(executor.Spec{
		Command: s.cfg.Foreground(),
		Dir:     s.cfg.Dir,
		Env:     s.cfg.Env,
	})
	if err != nil {
		s.errorf("Failed to start %s: %v", s.name, err)
		return 1, 0, fmt.Errorf("start foreground %s: %w", s.name, err)
	}
	pid := fg.PID()
	s.printf("foreground %s started with PID: %d", s.name, pid)

	type waitResult struct {
		code int
		err  error
	}
	exited := make(chan waitResult, 1)
	go func() {
		code, err := fg.Wait()
		exited <- waitResult{code, err}
	}()

	for {
		select {
		case r := <-exited:
			if r.err != nil {
				s.errorf("Failed to wait on %s: %v", s.name, r.err)
				return 1, pid, fmt.Errorf("wait foreground %s: %w", s.name, r.err)
			}
			s.printf("foreground %s exited with status: %d", s.name, r.code)
			return r.code, pid, nil
		case sig := <-s.deps.Signals:
			if sig == os.Interrupt || sig == syscall.SIGQUIT {
				// Delivered to the foreground by the terminal already.
				continue
			}
			if ss, ok := sig.(syscall.Signal); ok {
				log.Debug().Stringer("signal", sig).Int("pid", pid).Msg("forwarding signal to foreground")
				if err := fg.Signal(ss); err != nil {
					log.Warn().Err(err).Stringer("signal", sig).Msg("forwarding signal failed")
				}
			}
		case <-ctx.Done():
			log.Debug().Int("pid", pid).Msg("context done; terminating foreground")
			fg.Signal(syscall.SIGTERM)
			ctx = context.Background()
		}
	}
}

// stopBackground sends SIGTERM, waits out the grace period and then
// escalates to SIGKILL. A zero grace period kills immediately. If the
// output stream already closed, the process is most likely exiting on its
// own and gets a moment to be reaped before any signal is sent.
func (s *session) stopBackground(bg executor.Process, exited, outputDone <-chan struct{}) (bool, error) {
	select {
	case <-outputDone:
		select {
		case <-exited:
		case <-time.After(drainTimeout):
		}
	default:
	}

	select {
	case <-exited:
		log.Debug().Int("pid", bg.PID()).Msg("background already exited")
		return false, nil
	default:
	}

	if s.cfg.StopTimeout > 0 {
		if err := bg.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return false, err
		}
		select {
		case <-exited:
			return true, nil
		case <-time.After(s.cfg.StopTimeout):
			log.Warn().Int("pid", bg.PID()).Dur("grace", s.cfg.StopTimeout).Msg("background ignored SIGTERM; sending SIGKILL")
		}
	}

	if err := bg.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return false, err
	}
	<-exited
	return true, nil
}

// drain gives the relay a moment to flush the background's final output,
// then closes the stream in case a stray descendant still holds it open.
func (s *session) drain(rl *relay.Relay, out io.Closer) {
	select {
	case <-rl.Done():
	case <-time.After(drainTimeout):
		log.Debug().Msg("background output still open after exit; closing")
	}
	out.Close()
	<-rl.Done()
}
