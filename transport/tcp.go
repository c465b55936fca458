package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPStream implements Stream over one TCP connection with length-prefixed
// framing.
//
// Thread safety: separate mutexes for read and write, so Send and Receive
// may run concurrently from different goroutines.
type TCPStream struct {
	conn    net.Conn
	framer  *Framer
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// NewTCPStream wraps an established connection.
func NewTCPStream(conn net.Conn) *TCPStream {
	return &TCPStream{
		conn:   conn,
		framer: NewConnFramer(conn),
	}
}

// SetMaxFrameSize bounds inbound and outbound frames.
func (t *TCPStream) SetMaxFrameSize(n int) { t.framer.SetMaxFrameSize(n) }

func (t *TCPStream) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

// Send writes one frame, honouring ctx's deadline and cancellation.
func (t *TCPStream) Send(ctx context.Context, frame []byte) error {
	if t.isClosed() {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetWriteDeadline(time.Unix(1, 0)) })
	deadline, _ := ctx.Deadline()
	err := t.framer.WriteWithDeadline(frame, deadline)
	if !stop() {
		// A cancelled write may have left a partial frame on the wire.
		_ = t.conn.SetWriteDeadline(time.Time{})
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("send: %w", ctx.Err())
		}
	}
	return err
}

// Receive reads the next frame, honouring ctx's deadline and cancellation.
// An interrupted read leaves the framing out of sync; callers treat it as
// fatal for the stream.
func (t *TCPStream) Receive(ctx context.Context) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Unix(1, 0)) })
	deadline, _ := ctx.Deadline()
	frame, err := t.framer.ReadWithDeadline(deadline)
	if !stop() {
		_ = t.conn.SetReadDeadline(time.Time{})
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("receive: %w", ctx.Err())
		}
	}
	if err != nil && t.isClosed() {
		return nil, ErrClosed
	}
	return frame, err
}

// Close terminates the connection. Idempotent.
func (t *TCPStream) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *TCPStream) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// TCPOptions tune TCPConnector.
type TCPOptions struct {
	DialTimeout  time.Duration
	KeepAlive    time.Duration
	MaxFrameSize int
}

const (
	defaultDialTimeout = 5 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

func (o *TCPOptions) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
}

// TCPConnector dials one TCP connection per Stream.
type TCPConnector struct {
	addr   string
	opts   TCPOptions
	dialer net.Dialer

	mu     sync.Mutex
	closed bool
}

func NewTCPConnector(addr string, opts TCPOptions) *TCPConnector {
	opts.applyDefaults()
	return &TCPConnector{
		addr: addr,
		opts: opts,
		dialer: net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: opts.KeepAlive,
			Control:   setSocketOptions,
		},
	}
}

func (c *TCPConnector) Open(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	st := NewTCPStream(conn)
	st.SetMaxFrameSize(c.opts.MaxFrameSize)
	return st, nil
}

func (c *TCPConnector) Address() string { return c.addr }

func (c *TCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
