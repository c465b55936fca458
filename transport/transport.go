// Package transport carries opaque frames between a driver and a server.
//
// A Stream is one physical bidirectional channel: a TCP connection with
// length-prefixed framing, or a gRPC bidirectional stream. A Connector opens
// new Streams to one server address. Nothing here knows about requests or
// responses; the stream package multiplexes those on top.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed Stream or Connector.
var ErrClosed = errors.New("transport: closed")

// Stream abstracts a bidirectional frame stream.
//
// Thread safety: one goroutine may Send while another Receives. Concurrent
// Sends are serialized internally.
type Stream interface {
	// Send transmits one frame. Blocks until written, ctx is done, or error.
	Send(ctx context.Context, frame []byte) error

	// Receive reads the next frame. Returns io.EOF when the peer ends the
	// stream gracefully.
	Receive(ctx context.Context) ([]byte, error)

	// Close terminates the stream. Subsequent operations return errors.
	Close() error

	// RemoteAddr returns the remote endpoint address (for logging).
	RemoteAddr() string
}

// Connector opens physical streams to one server.
type Connector interface {
	// Open establishes a new, independent Stream.
	Open(ctx context.Context) (Stream, error)

	// Address is the server address this connector dials.
	Address() string

	// Close releases shared resources. Streams already opened are not
	// closed.
	Close() error
}
