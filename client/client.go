// Package client is the single-server driver.
//
// A Client keeps one control stream to the server for session lifecycle and
// discovery requests. Every Transaction gets a stream of its own, opened on
// demand through the same connector.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"graphgo/protocol"
	"graphgo/stream"
	"graphgo/transport"
)

type Client struct {
	addr   string
	opts   Options
	conn   transport.Connector
	logger *slog.Logger

	mu       sync.Mutex // protects ctrl, sessions, closing, closed
	ctrl     *stream.Bidi
	sessions map[*Session]struct{}
	closing  bool
	closed   bool

	latency atomic.Int64 // last measured round trip, ns
}

// New connects to the server at addr.
func New(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts.applyDefaults()

	conn, err := transport.NewConnector(opts.Protocol, addr, opts.transportOptions())
	if err != nil {
		return nil, err
	}
	c := &Client{
		addr:     addr,
		opts:     opts,
		conn:     conn,
		logger:   opts.Logger.With("server", addr),
		sessions: make(map[*Session]struct{}),
	}
	b, err := c.openStream(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.ctrl = b
	return c, nil
}

func (c *Client) Address() string { return c.addr }

// NetworkLatency is the round trip of the latest transaction open, zero
// until one was measured.
func (c *Client) NetworkLatency() time.Duration { return time.Duration(c.latency.Load()) }

func (c *Client) openStream(ctx context.Context) (*stream.Bidi, error) {
	st, err := c.conn.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnableToConnect, c.addr, err)
	}
	return stream.New(st, c.opts.streamOptions()...), nil
}

// control returns the control stream, reopening it if it ended.
func (c *Client) control(ctx context.Context) (*stream.Bidi, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	select {
	case <-c.ctrl.Done():
		c.logger.Debug("control stream ended, reopening", "err", c.ctrl.Err())
		b, err := c.openStream(ctx)
		if err != nil {
			return nil, err
		}
		c.ctrl = b
	default:
	}
	return c.ctrl, nil
}

// execute sends req on the control stream. With now set the request skips
// batching.
func (c *Client) execute(ctx context.Context, req protocol.Request, now bool) (protocol.Response, error) {
	b, err := c.control(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	f, err := b.Single(ctx, req, !now)
	if err != nil {
		return protocol.Response{}, classify(err)
	}
	resp, err := f.Get(ctx)
	return resp, classify(err)
}

// Session opens a session on database.
func (c *Client) Session(ctx context.Context, database string, typ protocol.SessionType, opts protocol.Options) (*Session, error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return nil, ErrClientClosed
	}

	resp, err := c.execute(ctx, protocol.NewSessionOpenRequest(database, typ, opts), true)
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", database, err)
	}
	s := newSession(c, resp.SessionID, database, typ, opts)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		s.Close(ctx)
		return nil, ErrClientClosed
	}
	c.sessions[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// Replicas asks the server for the replicas of database.
func (c *Client) Replicas(ctx context.Context, database string) ([]protocol.Replica, error) {
	resp, err := c.execute(ctx, protocol.NewReplicasRequest(database), false)
	if err != nil {
		return nil, err
	}
	return resp.Replicas, nil
}

// Servers lists the cluster members the server knows of.
func (c *Client) Servers(ctx context.Context) ([]string, error) {
	resp, err := c.execute(ctx, protocol.NewServerListRequest(), false)
	if err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// Databases lists the databases of the server. Nil when the server accepts
// any name.
func (c *Client) Databases(ctx context.Context) ([]string, error) {
	resp, err := c.execute(ctx, protocol.NewDatabaseListRequest(), false)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range resp.Answers {
		names = append(names, string(a))
	}
	return names, nil
}

// Close closes every open session, then the control stream. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.closed = true
	ctrl := c.ctrl
	c.mu.Unlock()

	if err := ctrl.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		errs = append(errs, err)
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
