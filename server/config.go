package server

import (
	"log/slog"
	"time"

	"graphgo/protocol"
	"graphgo/transport"
)

// ---------------------------------------------------------------------------
// Network
// ---------------------------------------------------------------------------

const (
	defaultHost     = "127.0.0.1" // localhost only; override with Options.Host
	defaultProtocol = transport.ProtocolTCP
)

var supportedProtocols = map[string]bool{
	transport.ProtocolTCP:  true,
	transport.ProtocolGRPC: true,
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

const (
	defaultSessionIdleTimeout = 30 * time.Second
	minReapInterval           = 10 * time.Millisecond
)

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

const defaultBatchSize = 50 // answers per part batch before asking for a continuation

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

type Options struct {
	Host     string
	Port     uint16
	Protocol string // "tcp" (default) or "grpc"

	Logger *slog.Logger

	// SessionIdleTimeout expires sessions that stop pulsing. A session open
	// request may ask for a different value.
	SessionIdleTimeout time.Duration

	// BatchSize is the number of answers streamed before the server waits
	// for a continuation. A query may override it.
	BatchSize int

	// QueryHandler answers queries. nil selects EchoQueryHandler.
	QueryHandler QueryHandler

	// Compression enables zstd compression of large response frames.
	Compression bool

	// Databases limits which databases sessions may open. Empty accepts
	// any name.
	Databases []string

	MaxFrameSize int
	WriteTimeout time.Duration
}

const (
	defaultMaxFrameSize = transport.DefaultMaxFrameSize
	defaultWriteTimeout = 5 * time.Second
)

// applyDefaults fills zero-valued fields with sensible defaults.
func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = defaultHost
	}
	if o.Protocol == "" {
		o.Protocol = defaultProtocol
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.SessionIdleTimeout <= 0 {
		o.SessionIdleTimeout = defaultSessionIdleTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.QueryHandler == nil {
		o.QueryHandler = EchoQueryHandler
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = defaultMaxFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

func (o *Options) codec() protocol.Codec {
	if o.Compression {
		return protocol.DefaultCodec
	}
	return protocol.Codec{}
}
