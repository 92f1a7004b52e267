// twinsbt - Warm up a build server in the background, then use it interactively
//
// Usage:
//
//	twinsbt [flags]                  Start sbt hidden, wait for its server, then sbt in the terminal
//	twinsbt [flags] -- <command>     Same, with a different command line
//
// The background instance is stopped when the interactive session ends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/mbrock/twinsbt/internal/journal"
	"github.com/mbrock/twinsbt/internal/logging"
	"github.com/mbrock/twinsbt/internal/relay"
	"github.com/mbrock/twinsbt/internal/supervisor"
)

func main() {
	logging.ConfigureRuntime()

	registerFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `twinsbt - Warm up a build server in the background, then use it interactively

Usage:
  twinsbt [flags]                  Start sbt hidden, wait for its server, then sbt in the terminal
  twinsbt [flags] -- <command>     Same, with a different command line

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if logLevelFlag != "" && !logging.SetLevel(logLevelFlag) {
		fatal("unknown log level: %s", logLevelFlag)
	}

	cfg, err := buildConfig(flag.CommandLine, flag.Args(), os.Getenv, stdoutIsTerminal())
	if err != nil {
		fatal("%v", err)
	}

	if printConfigFlag {
		text, err := cfg.TOML()
		if err != nil {
			fatal("rendering config: %v", err)
		}
		fmt.Print(text)
		return
	}

	if !supervisor.IsInteractive() {
		log.Warn().Msg("standard input is not a terminal; the foreground session will not be interactive")
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)

	deps := supervisor.Deps{
		Console: colorable.NewColorableStdout(),
		Errors:  os.Stderr,
		Signals: sigCh,
	}
	if cfg.Journal {
		deps.Sink = journalSink
	}

	res, err := supervisor.Run(context.Background(), cfg, deps)
	signal.Stop(sigCh)
	if err != nil {
		log.Debug().Err(err).Msg("session failed")
		os.Exit(1)
	}
	os.Exit(res.ExitCode)
}

func journalSink(pid int) relay.Sink {
	s := journal.NewSink("background", pid)
	if s == nil {
		return nil
	}
	return s
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
