package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mbrock/twinsbt/internal/ansi"
	"github.com/mbrock/twinsbt/internal/config"
	"github.com/mbrock/twinsbt/internal/dirs"
)

// Global flags
var (
	configFlag       string
	markerFlag       string
	colorFlag        string
	noColorFlag      bool
	readyTimeoutFlag time.Duration
	stopTimeoutFlag  time.Duration
	dirFlag          string
	envFlags         []string
	ptyFlag          bool
	journalFlag      bool
	logLevelFlag     string
	printConfigFlag  bool
)

func registerFlags(fs *flag.FlagSet) {
	fs.StringVarP(&configFlag, "config", "c", "", "Config file (default $TWINSBT_CONFIG or <config dir>/config.toml)")
	fs.StringVarP(&markerFlag, "marker", "m", config.DefaultMarker, "Output text that signals the background server is ready")
	fs.StringVar(&colorFlag, "color", ansi.Green.String(), "Color for background output (e.g. green, bright-cyan, none)")
	fs.BoolVar(&noColorFlag, "no-color", false, "Do not color background output")
	fs.DurationVar(&readyTimeoutFlag, "ready-timeout", 0, "Give up waiting for readiness after this long (0 = wait forever)")
	fs.DurationVar(&stopTimeoutFlag, "stop-timeout", 5*time.Second, "Grace period between SIGTERM and SIGKILL for the background (0 = SIGKILL at once)")
	fs.StringVarP(&dirFlag, "dir", "C", "", "Working directory for both processes")
	fs.StringArrayVarP(&envFlags, "env", "e", nil, "Extra environment KEY=VALUE for both processes (can be repeated)")
	fs.BoolVar(&ptyFlag, "pty", false, "Run the background process on a pseudo-terminal")
	fs.BoolVar(&journalFlag, "journal", false, "Also forward background output to journald")
	fs.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides TWINSBT_LOG_LEVEL)")
	fs.BoolVar(&printConfigFlag, "print-config", false, "Print the effective configuration and exit")
}

// buildConfig layers defaults, the config file, the environment and the
// flags that were set explicitly on the command line, in that order.
func buildConfig(fs *flag.FlagSet, args []string, getenv func(string) string, colorTerminal bool) (config.Config, error) {
	cfg := config.Default()

	path, required := configFlag, true
	if path == "" {
		path, required = dirs.ConfigFileEnv(getenv), getenv("TWINSBT_CONFIG") != ""
	}
	if err := cfg.ApplyFile(path, required); err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return config.Config{}, err
	}

	if fs.Changed("marker") {
		cfg.Marker = markerFlag
	}
	if fs.Changed("color") {
		c, err := ansi.ParseColor(colorFlag)
		if err != nil {
			return config.Config{}, fmt.Errorf("--color: %w", err)
		}
		cfg.Color = c
	} else if !colorTerminal {
		cfg.NoColor = true
	}
	if fs.Changed("no-color") {
		cfg.NoColor = noColorFlag
	}
	if fs.Changed("ready-timeout") {
		cfg.ReadyTimeout = readyTimeoutFlag
	}
	if fs.Changed("stop-timeout") {
		cfg.StopTimeout = stopTimeoutFlag
	}
	if fs.Changed("dir") {
		cfg.Dir = dirFlag
	}
	if fs.Changed("env") {
		cfg.Env = append(cfg.Env, envFlags...)
	}
	if fs.Changed("pty") {
		cfg.PTY = ptyFlag
	}
	if fs.Changed("journal") {
		cfg.Journal = journalFlag
	}
	if len(args) > 0 {
		cfg.Command = args
		cfg.ForegroundCommand = nil
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
