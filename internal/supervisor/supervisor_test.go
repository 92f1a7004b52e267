package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mbrock/twinsbt/internal/ansi"
	"github.com/mbrock/twinsbt/internal/config"
	"github.com/mbrock/twinsbt/internal/executor"
	"github.com/mbrock/twinsbt/internal/relay"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type countingTerminal struct {
	mu              sync.Mutex
	saved, restored int
}

func (c *countingTerminal) Save() func() {
	c.mu.Lock()
	c.saved++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.restored++
		c.mu.Unlock()
	}
}

type sinkFunc func(string)

func (f sinkFunc) Line(text string) { f(text) }

// sbtServer prints a few lines, announces readiness and then idles.
func sbtServer(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	io.WriteString(stdout, "\x1b[0m[\x1b[0m\x1b[0minfo\x1b[0m] welcome to sbt 1.9.7\n")
	io.WriteString(stdout, "[info] loading project definition\n")
	io.WriteString(stdout, "[info] started sbt server\n")
	<-ctx.Done()
	return 0
}

func sbtClient(code int) executor.FakeCommand {
	return func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		io.WriteString(stdout, "sbt:project> ")
		return code
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.StopTimeout = time.Second
	cfg.ReadyTimeout = 5 * time.Second
	return cfg
}

type harness struct {
	fe      *executor.FakeExecutor
	console *syncBuffer
	errs    *syncBuffer
	term    *countingTerminal
	signals chan os.Signal
}

func newHarness() *harness {
	return &harness{
		fe:      executor.NewFakeExecutor(),
		console: &syncBuffer{},
		errs:    &syncBuffer{},
		term:    &countingTerminal{},
		signals: make(chan os.Signal, 4),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Exec:     h.fe,
		Console:  h.console,
		Errors:   h.errs,
		Terminal: h.term,
		Signals:  h.signals,
	}
}

func (h *harness) waitForProcesses(t *testing.T, n int) []*executor.FakeProcess {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if procs := h.fe.Processes(); len(procs) >= n {
			return procs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d processes", n)
	return nil
}

func TestRun_FullSequence(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		if len(args) > 1 && args[1] == "--client" {
			return sbtClient(7)(ctx, stdin, stdout, stderr, args)
		}
		return sbtServer(ctx, stdin, stdout, stderr, args)
	})

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"sbt", "--client"}

	res, err := Run(context.Background(), cfg, h.deps())
	if err != nil {
		t.Fatalf("Run: %v\nstderr: %s", err, h.errs.String())
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
	if !res.BackgroundKilled {
		t.Error("background was not killed")
	}

	procs := h.fe.Processes()
	if len(procs) != 2 {
		t.Fatalf("started %d processes, want 2", len(procs))
	}
	if res.BackgroundPID != procs[0].PID() || res.ForegroundPID != procs[1].PID() {
		t.Errorf("pids = %d/%d, want %d/%d", res.BackgroundPID, res.ForegroundPID, procs[0].PID(), procs[1].PID())
	}
	if sigs := procs[0].Signals(); len(sigs) != 1 || sigs[0] != syscall.SIGTERM {
		t.Errorf("background signals = %v, want [SIGTERM]", sigs)
	}

	out := h.console.String()
	wantInOrder := []string{
		"background sbt started with PID: ",
		ansi.Colorize("[info] welcome to sbt 1.9.7\n", ansi.Green),
		ansi.Colorize("[info] started sbt server\n", ansi.Green),
		"foreground sbt started with PID: ",
		"foreground sbt exited with status: 7",
		"background sbt with PID ",
	}
	rest := out
	for _, want := range wantInOrder {
		i := strings.Index(rest, want)
		if i < 0 {
			t.Fatalf("console output missing %q (in order)\n%s", want, out)
		}
		rest = rest[i+len(want):]
	}
	if strings.Contains(out, "\x1b[0m[") {
		t.Errorf("escape codes from the child leaked through:\n%q", out)
	}

	if h.term.saved != 1 || h.term.restored != 1 {
		t.Errorf("terminal saved %d restored %d, want 1/1", h.term.saved, h.term.restored)
	}
	if h.errs.String() != "" {
		t.Errorf("unexpected stderr: %q", h.errs.String())
	}
}

func TestRun_NoColor(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", sbtServer)
	h.fe.RegisterCommand("client", sbtClient(0))

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}
	cfg.NoColor = true

	if _, err := Run(context.Background(), cfg, h.deps()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.console.String(), "\n[info] started sbt server\n") {
		t.Fatalf("expected plain output:\n%q", h.console.String())
	}
}

func TestRun_BackgroundExitsBeforeReady(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		io.WriteString(stdout, "[error] Not a valid command: foo\n")
		return 1
	})

	res, err := Run(context.Background(), testConfig(), h.deps())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if res.BackgroundKilled {
		t.Error("background reported killed although it exited on its own")
	}
	if n := len(h.fe.Processes()); n != 1 {
		t.Fatalf("started %d processes, want only the background", n)
	}
	if !strings.Contains(h.errs.String(), "Failed to receive notification") {
		t.Errorf("stderr = %q", h.errs.String())
	}
	if h.term.saved != 0 {
		t.Error("terminal touched without a foreground session")
	}
}

func TestRun_MarkerOnLastLine(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		io.WriteString(stdout, "[info] started sbt server")
		return 0
	})
	h.fe.RegisterCommand("client", sbtClient(0))

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}

	if _, err := Run(context.Background(), cfg, h.deps()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(h.fe.Processes()); n != 2 {
		t.Fatalf("started %d processes, want 2", n)
	}
}

func TestRun_ReadyTimeout(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		io.WriteString(stdout, "[info] resolving dependencies\n")
		<-ctx.Done()
		return 0
	})

	cfg := testConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond

	res, err := Run(context.Background(), cfg, h.deps())
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("err = %v, want ErrReadyTimeout", err)
	}
	if !res.BackgroundKilled {
		t.Error("background not killed after timeout")
	}
	if !h.fe.Processes()[0].Exited() {
		t.Error("background still running")
	}
}

func TestRun_SignalWhileWaiting(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 0
	})
	h.signals <- os.Interrupt

	cfg := testConfig()
	cfg.ReadyTimeout = 0

	_, err := Run(context.Background(), cfg, h.deps())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if !h.fe.Processes()[0].Exited() {
		t.Error("background still running")
	}
}

func TestRun_ContextCancelledWhileWaiting(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Run(ctx, testConfig(), h.deps()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRun_EscalatesToKill(t *testing.T) {
	h := newHarness()
	h.fe.RegisterStubbornCommand("sbt", sbtServer)
	h.fe.RegisterCommand("client", sbtClient(0))

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}
	cfg.StopTimeout = 30 * time.Millisecond

	res, err := Run(context.Background(), cfg, h.deps())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.BackgroundKilled {
		t.Fatal("background not killed")
	}
	sigs := h.fe.Processes()[0].Signals()
	if len(sigs) != 2 || sigs[0] != syscall.SIGTERM || sigs[1] != syscall.SIGKILL {
		t.Fatalf("background signals = %v, want [SIGTERM SIGKILL]", sigs)
	}
}

func TestRun_ZeroStopTimeoutKillsImmediately(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", sbtServer)
	h.fe.RegisterCommand("client", sbtClient(0))

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}
	cfg.StopTimeout = 0

	if _, err := Run(context.Background(), cfg, h.deps()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sigs := h.fe.Processes()[0].Signals(); len(sigs) != 1 || sigs[0] != syscall.SIGKILL {
		t.Fatalf("background signals = %v, want [SIGKILL]", sigs)
	}
}

func TestRun_ForegroundSignals(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", sbtServer)
	h.fe.RegisterStubbornCommand("client", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 0
	})

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}

	type runResult struct {
		res Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := Run(context.Background(), cfg, h.deps())
		done <- runResult{res, err}
	}()

	procs := h.waitForProcesses(t, 2)
	fg := procs[1]

	// Ctrl-C belongs to the foreground's terminal; twinsbt must not act on it.
	h.signals <- os.Interrupt
	time.Sleep(30 * time.Millisecond)
	if len(fg.Signals()) != 0 || fg.Exited() {
		t.Fatalf("SIGINT was acted on: signals=%v exited=%v", fg.Signals(), fg.Exited())
	}

	// SIGHUP is forwarded. The stubborn client ignores it, so end the
	// session by killing the client directly.
	h.signals <- syscall.SIGHUP
	deadline := time.Now().Add(time.Second)
	for len(fg.Signals()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sigs := fg.Signals(); len(sigs) != 1 || sigs[0] != syscall.SIGHUP {
		t.Fatalf("foreground signals = %v, want [SIGHUP]", sigs)
	}
	fg.Kill()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		if r.res.ExitCode != 128+int(syscall.SIGKILL) {
			t.Fatalf("ExitCode = %d", r.res.ExitCode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_BackgroundStartFails(t *testing.T) {
	h := newHarness()

	_, err := Run(context.Background(), testConfig(), h.deps())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(h.errs.String(), "Failed to start sbt") {
		t.Errorf("stderr = %q", h.errs.String())
	}
}

func TestRun_ForegroundStartFails(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", sbtServer)

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"missing-client"}

	res, err := Run(context.Background(), cfg, h.deps())
	if err == nil {
		t.Fatal("expected error")
	}
	if !res.BackgroundKilled || !h.fe.Processes()[0].Exited() {
		t.Fatal("background left running after foreground failed to start")
	}
	if h.term.saved != 1 || h.term.restored != 1 {
		t.Errorf("terminal saved %d restored %d", h.term.saved, h.term.restored)
	}
}

func TestRun_BackgroundExitsDuringSession(t *testing.T) {
	h := newHarness()
	bgGone := make(chan struct{})
	h.fe.RegisterCommand("sbt", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		io.WriteString(stdout, "[info] started sbt server\n")
		defer close(bgGone)
		return 0
	})
	h.fe.RegisterCommand("client", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-bgGone
		time.Sleep(10 * time.Millisecond)
		return 0
	})

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}

	res, err := Run(context.Background(), cfg, h.deps())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BackgroundKilled {
		t.Error("background reported killed although it had exited")
	}
	if strings.Contains(h.console.String(), "killed") {
		t.Errorf("console claims a kill:\n%s", h.console.String())
	}
}

func TestRun_SinkReceivesBackgroundLines(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", sbtServer)
	h.fe.RegisterCommand("client", sbtClient(0))

	var mu sync.Mutex
	var lines []string
	var sinkPID int
	deps := h.deps()
	deps.Sink = func(pid int) relay.Sink {
		sinkPID = pid
		return sinkFunc(func(text string) {
			mu.Lock()
			lines = append(lines, text)
			mu.Unlock()
		})
	}

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}

	res, err := Run(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sinkPID != res.BackgroundPID {
		t.Errorf("sink pid = %d, want %d", sinkPID, res.BackgroundPID)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 3 || lines[0] != "[info] welcome to sbt 1.9.7" || lines[2] != "[info] started sbt server" {
		t.Fatalf("sink lines = %q", lines)
	}
}

func TestRun_PTYMode(t *testing.T) {
	h := newHarness()
	h.fe.RegisterCommand("sbt", sbtServer)
	h.fe.RegisterCommand("client", sbtClient(0))

	cfg := testConfig()
	cfg.ForegroundCommand = []string{"client"}
	cfg.PTY = true

	if _, err := Run(context.Background(), cfg, h.deps()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
