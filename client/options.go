package client

import (
	"log/slog"
	"time"

	"graphgo/protocol"
	"graphgo/stream"
	"graphgo/transport"
)

const (
	defaultPulseInterval  = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

type Options struct {
	// Protocol selects the transport: "tcp" (default) or "grpc".
	Protocol string

	DialTimeout  time.Duration
	KeepAlive    time.Duration
	MaxFrameSize int

	// PulseInterval is how often open sessions tell the server they are
	// still in use.
	PulseInterval time.Duration

	// RequestTimeout bounds background requests the caller has no ctx
	// for: pulses and best-effort session closes.
	RequestTimeout time.Duration

	// Compression enables zstd compression of large request frames.
	Compression bool

	MaxBatch    int
	BatchWindow time.Duration

	// QueueSize bounds the requests of one stream waiting to be written;
	// past it, batched requests block.
	QueueSize int

	Logger *slog.Logger
}

// applyDefaults fills zero-valued fields with sensible defaults.
func (o *Options) applyDefaults() {
	if o.Protocol == "" {
		o.Protocol = transport.ProtocolTCP
	}
	if o.PulseInterval <= 0 {
		o.PulseInterval = defaultPulseInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

func (o *Options) transportOptions() transport.TCPOptions {
	return transport.TCPOptions{
		DialTimeout:  o.DialTimeout,
		KeepAlive:    o.KeepAlive,
		MaxFrameSize: o.MaxFrameSize,
	}
}

func (o *Options) streamOptions() []stream.Option {
	codec := protocol.Codec{}
	if o.Compression {
		codec = protocol.DefaultCodec
	}
	return []stream.Option{
		stream.WithCodec(codec),
		stream.WithLogger(o.Logger),
		stream.WithBatching(o.MaxBatch, o.BatchWindow),
		stream.WithQueueSize(o.QueueSize),
	}
}
