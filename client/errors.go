package client

import (
	"errors"
	"fmt"

	"graphgo/protocol"
	"graphgo/stream"
)

var (
	// ErrUnableToConnect marks failures to reach a server: dial errors and
	// failures of an established stream. Cluster failover retries on it.
	ErrUnableToConnect = errors.New("client: unable to connect")

	ErrSessionClosed     = errors.New("client: session closed")
	ErrTransactionClosed = errors.New("client: transaction closed")
	ErrClientClosed      = errors.New("client: closed")

	// ErrNotPrimary is matched by errors from a replica that refused work
	// only its primary may do.
	ErrNotPrimary = protocol.ErrNotPrimary
)

// classify folds stream and server errors into the package sentinels so
// callers can use errors.Is. The original error stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *stream.TransportError
	if errors.As(err, &te) || errors.Is(err, stream.ErrStreamClosed) {
		return fmt.Errorf("%w: %w", ErrUnableToConnect, err)
	}
	var se *protocol.ServerError
	if errors.As(err, &se) {
		switch se.Code {
		case protocol.CodeSessionNotFound:
			return fmt.Errorf("%w: %w", ErrSessionClosed, err)
		case protocol.CodeTransactionClosed:
			return fmt.Errorf("%w: %w", ErrTransactionClosed, err)
		}
	}
	return err
}

// IsConnectionError reports whether err means the server could not be
// reached or the stream to it broke.
func IsConnectionError(err error) bool {
	var te *stream.TransportError
	return errors.Is(err, ErrUnableToConnect) || errors.As(err, &te)
}
