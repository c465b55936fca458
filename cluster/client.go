// Package cluster drives a replicated deployment: it discovers replicas,
// routes work to the primary or to any replica, and fails over when a
// server goes away or loses its primary role.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"graphgo/client"
	"graphgo/protocol"
	"graphgo/utils"
)

const (
	DefaultRetryLimit = 10
	DefaultRetryWait  = 2 * time.Second

	tracerName = "graphgo/cluster"
)

type Options struct {
	// Client configures the connection to each server.
	Client client.Options

	// RetryLimit bounds the attempts of one failover run.
	RetryLimit int
	// RetryWait is the pause before rediscovering replicas.
	RetryWait time.Duration

	// Dial replaces client.New, for tests.
	Dial DialFunc

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
}

// applyDefaults fills zero-valued fields with sensible defaults.
func (o *Options) applyDefaults() {
	if o.RetryLimit <= 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.RetryWait <= 0 {
		o.RetryWait = DefaultRetryWait
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Client.Logger == nil {
		o.Client.Logger = o.Logger
	}
	if o.Dial == nil {
		copts := o.Client
		o.Dial = func(ctx context.Context, addr string) (Node, error) {
			return client.New(ctx, addr, copts)
		}
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

type Client struct {
	id      []byte // seeds rendezvous hashing
	opts    Options
	members *members
	tracer  trace.Tracer
	logger  *slog.Logger

	mu       sync.RWMutex // protects replicas
	replicas map[string][]protocol.Replica

	closed atomic.Bool
}

// New connects to the cluster through any of addrs and learns the rest of
// its members from the first server that answers.
func New(ctx context.Context, addrs []string, opts Options) (*Client, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}
	opts.applyDefaults()

	c := &Client{
		id:       utils.NewID(),
		opts:     opts,
		members:  newMembers(opts.Dial, opts.Logger),
		tracer:   opts.TracerProvider.Tracer(tracerName),
		logger:   opts.Logger,
		replicas: make(map[string][]protocol.Replica),
	}
	c.members.merge(addrs)

	if err := c.discoverMembers(ctx); err != nil {
		c.members.close()
		return nil, err
	}
	return c, nil
}

// discoverMembers asks known members for the server list until one answers.
func (c *Client) discoverMembers(ctx context.Context) error {
	var tried []string
	var lastErr error
	for _, addr := range c.members.addresses() {
		tried = append(tried, addr)
		n, err := c.members.get(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		servers, err := n.Servers(ctx)
		if err != nil {
			lastErr = err
			c.members.drop(addr)
			continue
		}
		c.members.merge(servers)
		return nil
	}
	return &UnavailableError{Tried: tried, Err: lastErr}
}

// Members lists every server address known to the client.
func (c *Client) Members() []string { return c.members.addresses() }

// Connected returns the members with an open connection.
func (c *Client) Connected() []string { return c.members.connected() }

// Replicas returns the replicas of database, asking the cluster afresh.
func (c *Client) Replicas(ctx context.Context, database string) ([]protocol.Replica, error) {
	return c.fetchReplicas(ctx, database)
}

// Primary returns the primary replica of database, using the cached view
// when there is one.
func (c *Client) Primary(ctx context.Context, database string) (protocol.Replica, error) {
	return c.primary(ctx, database, false)
}

func (c *Client) cachedReplicas(database string) []protocol.Replica {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replicas[database]
}

func (c *Client) invalidate(database string) {
	c.mu.Lock()
	delete(c.replicas, database)
	c.mu.Unlock()
}

// fetchReplicas asks each member in turn for the replicas of database and
// caches the first answer. A server error other than a connection failure
// is final: it would be the same from every member.
func (c *Client) fetchReplicas(ctx context.Context, database string) ([]protocol.Replica, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	var tried []string
	var lastErr error
	for _, addr := range c.members.addresses() {
		tried = append(tried, addr)
		n, err := c.members.get(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		rs, err := n.Replicas(ctx, database)
		if err != nil {
			if !client.IsConnectionError(err) {
				return nil, err
			}
			lastErr = err
			c.members.drop(addr)
			continue
		}

		c.members.merge(addresses(rs))
		c.mu.Lock()
		c.replicas[database] = rs
		c.mu.Unlock()
		c.logger.Debug("cluster: replicas discovered", "database", database, "via", addr, "count", len(rs))
		return rs, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &UnavailableError{Database: database, Tried: tried, Err: lastErr}
}

// replicasOf returns the cached replicas of database, discovering them on
// a miss.
func (c *Client) replicasOf(ctx context.Context, database string) ([]protocol.Replica, error) {
	if rs := c.cachedReplicas(database); len(rs) > 0 {
		return rs, nil
	}
	return c.fetchReplicas(ctx, database)
}

// primary finds the primary of database. Elections leave the cluster
// without a leader for a moment, so discovery is retried while none is
// reported.
func (c *Client) primary(ctx context.Context, database string, refresh bool) (protocol.Replica, error) {
	if !refresh {
		if p, ok := primaryOf(c.cachedReplicas(database)); ok {
			return p, nil
		}
	}

	var rs []protocol.Replica
	for attempt := range c.opts.RetryLimit {
		var err error
		rs, err = c.fetchReplicas(ctx, database)
		if err != nil {
			return protocol.Replica{}, err
		}
		if p, ok := primaryOf(rs); ok {
			return p, nil
		}
		c.logger.Debug("cluster: no primary yet", "database", database, "attempt", attempt+1)
		if attempt+1 < c.opts.RetryLimit {
			if err := c.wait(ctx); err != nil {
				return protocol.Replica{}, err
			}
		}
	}
	return protocol.Replica{}, &UnavailableError{
		Database: database,
		Tried:    addresses(rs),
		Err:      fmt.Errorf("no primary replica after %d attempts", c.opts.RetryLimit),
	}
}

func (c *Client) wait(ctx context.Context) error {
	t := time.NewTimer(c.opts.RetryWait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from every member. Sessions opened through the client
// are closed with their connections.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.members.close()
}
