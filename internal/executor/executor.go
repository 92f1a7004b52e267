// Package executor provides an abstraction for starting the processes twinsbt supervises.
package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Spec describes a command to start.
type Spec struct {
	Command []string
	Dir     string
	// Env entries are appended to the current environment.
	Env []string

	// Stdin, Stdout and Stderr override the terminal for StartAttached.
	// For piped and PTY children only Stderr is consulted.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process represents a running process.
type Process interface {
	// PID returns the operating system process id.
	PID() int
	// Wait blocks until the process exits and returns the exit code.
	// Processes terminated by a signal report 128+signal, like a shell.
	// Wait may be called more than once; later calls return the same result.
	Wait() (exitCode int, err error)
	// Signal delivers sig to the process, or to its whole process group
	// when the process was started in a group of its own.
	Signal(sig syscall.Signal) error
	// Kill sends SIGKILL.
	Kill() error
}

// Executor starts processes.
type Executor interface {
	// StartPiped starts a command with stdin on /dev/null and stdout on a pipe.
	// The child leads a new process group so terminal signals skip it.
	StartPiped(spec Spec) (Process, io.ReadCloser, error)

	// StartPTY starts a command as session leader on a new pseudo-terminal.
	// The returned reader is the PTY master.
	StartPTY(spec Spec) (Process, io.ReadCloser, error)

	// StartAttached starts a command wired to the caller's terminal.
	StartAttached(spec Spec) (Process, error)
}

// ExecExecutor is the default Executor that uses os/exec.
type ExecExecutor struct{}

// execProcess wraps exec.Cmd to implement Process.
type execProcess struct {
	cmd   *exec.Cmd
	group bool

	once     sync.Once
	exitCode int
	waitErr  error
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	p.once.Do(func() {
		p.exitCode, p.waitErr = exitStatus(p.cmd.Wait())
	})
	return p.exitCode, p.waitErr
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	// Try process group first (negative PID), then fall back to direct process.
	if pid := p.cmd.Process.Pid; p.group && pid > 0 {
		if err := unix.Kill(-pid, sig); err == nil {
			return nil
		}
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// exitStatus converts the result of exec.Cmd.Wait into an exit code.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 1, err
}

func command(spec Spec) (*exec.Cmd, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	return cmd, nil
}

// StartPiped implements Executor.StartPiped using os/exec.
func (e *ExecExecutor) StartPiped(spec Spec) (Process, io.ReadCloser, error) {
	cmd, err := command(spec)
	if err != nil {
		return nil, nil, err
	}

	// A plain pipe rather than cmd.StdoutPipe: Wait must not close the
	// read end while the relay is still draining it.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = stderrOf(spec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, nil, err
	}
	w.Close()

	return &execProcess{cmd: cmd, group: true}, r, nil
}

// StartPTY implements Executor.StartPTY using creack/pty.
func (e *ExecExecutor) StartPTY(spec Spec) (Process, io.ReadCloser, error) {
	cmd, err := command(spec)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	master, err := pty.StartWithSize(cmd, terminalSize())
	if err != nil {
		return nil, nil, err
	}

	// pty.Start makes the child a session leader, so its pid is also its pgid.
	return &execProcess{cmd: cmd, group: true}, &ptyReader{master}, nil
}

// StartAttached implements Executor.StartAttached using os/exec.
func (e *ExecExecutor) StartAttached(spec Spec) (Process, error) {
	cmd, err := command(spec)
	if err != nil {
		return nil, err
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
	}
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

// Default returns the default ExecExecutor.
func Default() Executor {
	return &ExecExecutor{}
}

func stderrOf(spec Spec) io.Writer {
	if spec.Stderr != nil {
		return spec.Stderr
	}
	return os.Stderr
}

// terminalSize returns the size of the controlling terminal, or 24x80.
func terminalSize() *pty.Winsize {
	for _, f := range []*os.File{os.Stdout, os.Stdin} {
		fd := int(f.Fd())
		if !term.IsTerminal(fd) {
			continue
		}
		if cols, rows, err := term.GetSize(fd); err == nil && rows > 0 && cols > 0 {
			return &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
		}
	}
	return &pty.Winsize{Rows: 24, Cols: 80}
}

// ptyReader reports EOF instead of EIO once the slave side is gone,
// which is how Linux signals hangup on a PTY master.
type ptyReader struct {
	f *os.File
}

func (r *ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (r *ptyReader) Close() error {
	return r.f.Close()
}
