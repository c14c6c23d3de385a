package server

import (
	"log/slog"
	"time"

	"callgo/dispatcher"
	"callgo/transport"
)

const (
	defaultHost    = "127.0.0.1" // localhost only; override with Options.Host
	defaultNetwork = NetworkTCP
)

// Supported network types for Options.Network.
const (
	NetworkTCP  = "tcp"
	NetworkTCP4 = "tcp4"
	NetworkTCP6 = "tcp6"
	NetworkUnix = "unix"
)

var supportedNetworks = map[string]bool{
	NetworkTCP:  true,
	NetworkTCP4: true,
	NetworkTCP6: true,
	NetworkUnix: true,
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultMaxFrameSize = transport.DefaultMaxFrameSize
)

// Options configures an Adapter.
type Options struct {
	// Name identifies the adapter for collocated dispatch. Defaults to a
	// generated "adapter-<uuid>".
	Name string

	Network string
	Host    string
	Port    uint16

	// Workers bounds concurrent dispatches. A saturated adapter delays every
	// call routed to it, remote or collocated.
	Workers int

	// ReadTimeout bounds progress on a request frame once it starts
	// arriving; idle connections are never timed out. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int

	Logger *slog.Logger
}

// applyDefaults fills zero-valued fields with sensible defaults.
func (o *Options) applyDefaults() {
	if o.Network == "" {
		o.Network = defaultNetwork
	}
	if o.Host == "" && o.Network != NetworkUnix {
		o.Host = defaultHost
	}
	if o.Workers <= 0 {
		o.Workers = dispatcher.DefaultSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
