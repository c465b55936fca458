package stream

import (
	"errors"
	"fmt"

	"graphgo/protocol"
)

var (
	// ErrStreamClosed is returned for requests on a closed stream, and to
	// waiters whose stream ended without a failure.
	ErrStreamClosed = errors.New("stream: closed")

	// ErrUnknownRequest marks a response whose RequestID has no collector.
	ErrUnknownRequest = errors.New("stream: response for unknown request")

	ErrInvalidRequest = errors.New("stream: invalid request")
)

// TransportError wraps a failure of the physical stream. Every request
// outstanding on the stream receives the same TransportError.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "stream: transport failure: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unroutable message from the peer. It is
// fatal for the stream it arrived on.
type ProtocolError struct {
	ID  protocol.RequestID
	Err error
}

func (e *ProtocolError) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("stream: protocol error: %v", e.Err)
	}
	return fmt.Sprintf("stream: protocol error on request %s: %v", e.ID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
