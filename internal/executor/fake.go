package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
)

// FakeCommand is a function that simulates a command execution.
// It receives the command arguments, stdin, stdout, stderr and should return an exit code.
// The context is cancelled when the process should terminate.
type FakeCommand func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int

// FakeExecutor is a test implementation of Executor that runs registered fake commands.
type FakeExecutor struct {
	mu        sync.RWMutex
	commands  map[string]fakeEntry
	nextPID   int
	processes []*FakeProcess
}

type fakeEntry struct {
	handler FakeCommand
	// stubborn commands only stop on SIGKILL.
	stubborn bool
}

// NewFakeExecutor creates a new FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		commands: make(map[string]fakeEntry),
		nextPID:  1000,
	}
}

// RegisterCommand registers a fake command implementation.
// The name should match the first element of the command slice.
func (e *FakeExecutor) RegisterCommand(name string, handler FakeCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = fakeEntry{handler: handler}
}

// RegisterStubbornCommand registers a command whose context is only
// cancelled by SIGKILL, simulating a process that ignores SIGTERM.
func (e *FakeExecutor) RegisterStubbornCommand(name string, handler FakeCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = fakeEntry{handler: handler, stubborn: true}
}

// Processes returns every process started so far, in start order.
func (e *FakeExecutor) Processes() []*FakeProcess {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*FakeProcess(nil), e.processes...)
}

// FakeProcess implements Process for FakeExecutor.
type FakeProcess struct {
	Args []string

	pid      int
	stubborn bool
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	exitCode int
	signals  []syscall.Signal
}

func (p *FakeProcess) PID() int { return p.pid }

func (p *FakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *FakeProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *FakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	switch sig {
	case syscall.SIGKILL:
		p.cancel()
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP:
		if !p.stubborn {
			p.cancel()
		}
	}
	return nil
}

// Signals returns the signals delivered to the process.
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// Exited reports whether the fake command has returned.
func (p *FakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (e *FakeExecutor) start(spec Spec, stdin io.Reader, stdout, stderr io.Writer, onExit func()) (*FakeProcess, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	e.mu.Lock()
	entry, ok := e.commands[spec.Command[0]]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("executable %q not found", spec.Command[0])
	}
	e.nextPID++
	ctx, cancel := context.WithCancel(context.Background())
	proc := &FakeProcess{
		Args:     append([]string(nil), spec.Command...),
		pid:      e.nextPID,
		stubborn: entry.stubborn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.processes = append(e.processes, proc)
	e.mu.Unlock()

	go func() {
		exitCode := entry.handler(ctx, stdin, stdout, stderr, proc.Args)
		proc.mu.Lock()
		if ctx.Err() != nil && exitCode == 0 && len(proc.signals) > 0 {
			exitCode = 128 + int(proc.signals[len(proc.signals)-1])
		}
		proc.exitCode = exitCode
		proc.mu.Unlock()
		cancel()
		close(proc.done)
		// Like a real process, the exit is visible before the output closes.
		if onExit != nil {
			onExit()
		}
	}()

	return proc, nil
}

// StartPiped implements Executor.StartPiped for FakeExecutor.
func (e *FakeExecutor) StartPiped(spec Spec) (Process, io.ReadCloser, error) {
	r, w := io.Pipe()
	stderr := spec.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	proc, err := e.start(spec, eofReader{}, w, stderr, func() { w.Close() })
	if err != nil {
		r.Close()
		w.Close()
		return nil, nil, err
	}
	return proc, r, nil
}

// StartPTY implements Executor.StartPTY for FakeExecutor.
// There is no terminal, so it behaves like StartPiped.
func (e *FakeExecutor) StartPTY(spec Spec) (Process, io.ReadCloser, error) {
	return e.StartPiped(spec)
}

// StartAttached implements Executor.StartAttached for FakeExecutor.
func (e *FakeExecutor) StartAttached(spec Spec) (Process, error) {
	var stdin io.Reader = eofReader{}
	var stdout, stderr io.Writer = io.Discard, io.Discard
	if spec.Stdin != nil {
		stdin = spec.Stdin
	}
	if spec.Stdout != nil {
		stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		stderr = spec.Stderr
	}
	return e.start(spec, stdin, stdout, stderr, nil)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
