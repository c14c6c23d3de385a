// Package config loads communicator and adapter properties from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"

	"callgo/dispatcher"
	"callgo/rpc"
	"callgo/server"
	"callgo/timeout"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "CALLGO_"

var ErrInvalidLogFormat = errors.New("config: invalid log format")

// Properties holds process-wide settings. Overrides take precedence over
// anything a proxy sets for the connect, request and close timeouts.
type Properties struct {
	Overrides timeout.Overrides `yaml:"override" envPrefix:"OVERRIDE_"`

	DefaultTimeout           timeout.Value `yaml:"default_timeout"            env:"DEFAULT_TIMEOUT"`
	DefaultInvocationTimeout timeout.Value `yaml:"default_invocation_timeout" env:"DEFAULT_INVOCATION_TIMEOUT"`

	ClientWorkers int `yaml:"client_workers" env:"CLIENT_WORKERS"`
	ServerWorkers int `yaml:"server_workers" env:"SERVER_WORKERS"`
	MaxFrameSize  int `yaml:"max_frame_size" env:"MAX_FRAME_SIZE"`

	Log LogProperties `yaml:"log" envPrefix:"LOG_"`
}

type LogProperties struct {
	Level  string `yaml:"level"  env:"LEVEL"`  // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text, json, console
}

// Load reads path (if not empty), overlays the environment and fills
// defaults.
func Load(path string) (Properties, error) {
	var p Properties
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return p, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&p, nil); err != nil {
		return p, err
	}
	p.applyDefaults()
	return p, p.Validate()
}

// ApplyEnv overlays CALLGO_* variables onto p. If environ is nil the process
// environment is used.
func ApplyEnv(p *Properties, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(p, opts); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

func (p *Properties) applyDefaults() {
	if p.ClientWorkers <= 0 {
		p.ClientWorkers = dispatcher.DefaultSize
	}
	if p.ServerWorkers <= 0 {
		p.ServerWorkers = dispatcher.DefaultSize
	}
	if p.Log.Level == "" {
		p.Log.Level = "info"
	}
	if p.Log.Format == "" {
		p.Log.Format = "console"
	}
}

func (p Properties) Validate() error {
	if _, err := p.level(); err != nil {
		return err
	}
	switch p.Log.Format {
	case "text", "json", "console":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, p.Log.Format)
	}
}

func (p Properties) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(p.Log.Level))); err != nil {
		return lvl, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the logger described by p.Log writing to w.
func (p Properties) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := p.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	switch p.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: "15:04:05.000"}))
	}
}

// Communicator returns communicator options for p.
func (p Properties) Communicator(logger *slog.Logger) rpc.Options {
	return rpc.Options{
		Overrides:                p.Overrides,
		DefaultTimeout:           p.DefaultTimeout,
		DefaultInvocationTimeout: p.DefaultInvocationTimeout,
		Workers:                  p.ClientWorkers,
		MaxFrameSize:             p.MaxFrameSize,
		Logger:                   logger,
	}
}

// Adapter returns adapter options for p.
func (p Properties) Adapter(name string, port uint16, logger *slog.Logger) server.Options {
	return server.Options{
		Name:         name,
		Port:         port,
		Workers:      p.ServerWorkers,
		MaxFrameSize: p.MaxFrameSize,
		Logger:       logger,
	}
}
