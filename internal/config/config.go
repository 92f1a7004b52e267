// Package config holds twinsbt settings and layers them from defaults,
// a TOML file and the environment. Command-line flags are applied last by main.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mbrock/twinsbt/internal/ansi"
)

// DefaultMarker is the line sbt prints once its server socket is up.
const DefaultMarker = "started sbt server"

// Environment variables consulted by ApplyEnv.
const (
	EnvMarker       = "TWINSBT_MARKER"
	EnvColor        = "TWINSBT_COLOR"
	EnvReadyTimeout = "TWINSBT_READY_TIMEOUT"
	EnvStopTimeout  = "TWINSBT_STOP_TIMEOUT"
	EnvNoColor      = "NO_COLOR"
)

type Config struct {
	// Command starts the background server.
	Command []string
	// ForegroundCommand starts the interactive client; empty means Command.
	ForegroundCommand []string
	Marker            string
	Color             ansi.Color
	NoColor           bool
	// ReadyTimeout bounds the wait for Marker; zero waits forever.
	ReadyTimeout time.Duration
	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	Dir         string
	Env         []string
	PTY         bool
	Journal     bool
}

func Default() Config {
	return Config{
		Command:     []string{"sbt"},
		Marker:      DefaultMarker,
		Color:       ansi.Green,
		StopTimeout: 5 * time.Second,
	}
}

type fileConfig struct {
	Command           []string `toml:"command"`
	ForegroundCommand []string `toml:"foreground_command"`
	Marker            string   `toml:"marker"`
	Color             string   `toml:"color"`
	NoColor           bool     `toml:"no_color"`
	ReadyTimeout      string   `toml:"ready_timeout"`
	StopTimeout       string   `toml:"stop_timeout"`
	Dir               string   `toml:"dir"`
	Env               []string `toml:"env"`
	PTY               bool     `toml:"pty"`
	Journal           bool     `toml:"journal"`
}

// ApplyFile overlays the keys set in the TOML file at path. A missing file
// is an error only when required is true.
func (c *Config) ApplyFile(path string, required bool) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("command") {
		c.Command = raw.Command
	}
	if meta.IsDefined("foreground_command") {
		c.ForegroundCommand = raw.ForegroundCommand
	}
	if meta.IsDefined("marker") {
		c.Marker = raw.Marker
	}
	if meta.IsDefined("color") {
		color, err := ansi.ParseColor(raw.Color)
		if err != nil {
			return fmt.Errorf("parse color: %w", err)
		}
		c.Color = color
	}
	if meta.IsDefined("no_color") {
		c.NoColor = raw.NoColor
	}
	if meta.IsDefined("ready_timeout") {
		d, err := parseDuration(raw.ReadyTimeout)
		if err != nil {
			return fmt.Errorf("parse ready_timeout: %w", err)
		}
		c.ReadyTimeout = d
	}
	if meta.IsDefined("stop_timeout") {
		d, err := parseDuration(raw.StopTimeout)
		if err != nil {
			return fmt.Errorf("parse stop_timeout: %w", err)
		}
		c.StopTimeout = d
	}
	if meta.IsDefined("dir") {
		c.Dir = expandHome(raw.Dir)
	}
	if meta.IsDefined("env") {
		c.Env = raw.Env
	}
	if meta.IsDefined("pty") {
		c.PTY = raw.PTY
	}
	if meta.IsDefined("journal") {
		c.Journal = raw.Journal
	}
	return nil
}

// ApplyEnv overlays settings from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvMarker)); v != "" {
		c.Marker = v
	}
	if v := getenv(EnvColor); v != "" {
		color, err := ansi.ParseColor(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvColor, err)
		}
		c.Color = color
	}
	// NO_COLOR disables color when present and non-empty (no-color.org).
	if getenv(EnvNoColor) != "" {
		c.NoColor = true
	}
	if v := getenv(EnvReadyTimeout); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReadyTimeout, err)
		}
		c.ReadyTimeout = d
	}
	if v := getenv(EnvStopTimeout); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStopTimeout, err)
		}
		c.StopTimeout = d
	}
	return nil
}

func (c Config) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return fmt.Errorf("command is required")
	}
	if len(c.ForegroundCommand) > 0 && strings.TrimSpace(c.ForegroundCommand[0]) == "" {
		return fmt.Errorf("foreground_command must name an executable")
	}
	if c.Marker == "" {
		return fmt.Errorf("marker is required")
	}
	if c.ReadyTimeout < 0 {
		return fmt.Errorf("ready_timeout must be >= 0")
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must be >= 0")
	}
	for _, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// Foreground returns the command for the interactive process.
func (c Config) Foreground() []string {
	if len(c.ForegroundCommand) > 0 {
		return c.ForegroundCommand
	}
	return c.Command
}

// Name is the short program name used in console messages.
func (c Config) Name() string {
	if len(c.Command) == 0 {
		return ""
	}
	return filepath.Base(c.Command[0])
}

// EffectiveColor is Color, or ansi.None when color is disabled.
func (c Config) EffectiveColor() ansi.Color {
	if c.NoColor {
		return ansi.None
	}
	return c.Color
}

// TOML renders c in config file form.
func (c Config) TOML() (string, error) {
	raw := fileConfig{
		Command:           c.Command,
		ForegroundCommand: c.ForegroundCommand,
		Marker:            c.Marker,
		Color:             c.Color.String(),
		NoColor:           c.NoColor,
		ReadyTimeout:      c.ReadyTimeout.String(),
		StopTimeout:       c.StopTimeout.String(),
		Dir:               c.Dir,
		Env:               c.Env,
		PTY:               c.PTY,
		Journal:           c.Journal,
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseDuration accepts Go duration strings and bare integers as seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

var homeDir = os.UserHomeDir

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := homeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
