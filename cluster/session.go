package cluster

import (
	"context"
	"errors"
	"sync"

	"graphgo/client"
	"graphgo/protocol"
)

// Session is a session on one database across the cluster. It holds a
// server session per replica it has used, opened on first need.
type Session struct {
	c        *Client
	database string
	typ      protocol.SessionType
	opts     protocol.Options

	mu     sync.Mutex
	subs   map[string]*client.Session // keyed by replica address
	closed bool
}

// Session opens a session on database. The session is opened on the
// primary, or on any replica when opts.ReadAnyReplica is set.
func (c *Client) Session(ctx context.Context, database string, typ protocol.SessionType, opts protocol.Options) (*Session, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	s := &Session{
		c:        c,
		database: database,
		typ:      typ,
		opts:     opts,
		subs:     make(map[string]*client.Session),
	}

	open := func(ctx context.Context, r protocol.Replica, n Node) (*client.Session, error) {
		return s.sub(ctx, r, n)
	}
	var err error
	if opts.ReadAnyReplica {
		_, err = RunAnyReplica(ctx, c, database, open)
	} else {
		_, err = RunPrimaryReplica(ctx, c, database, open)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Database() string { return s.database }

func (s *Session) Type() protocol.SessionType { return s.typ }

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Replicas lists the addresses the session holds a server session on.
func (s *Session) Replicas() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for addr, sub := range s.subs {
		if sub.IsOpen() {
			out = append(out, addr)
		}
	}
	return out
}

// sub returns the server session on replica r, opening one if there is
// none or the old one was closed. The open runs without the session lock so
// one slow replica does not hold up the others.
func (s *Session) sub(ctx context.Context, r protocol.Replica, n Node) (*client.Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, client.ErrSessionClosed
	}
	if sub, ok := s.subs[r.Address]; ok && sub.IsOpen() {
		s.mu.Unlock()
		return sub, nil
	}
	s.mu.Unlock()

	opts := s.opts
	if !r.IsPrimary() {
		opts.ReadAnyReplica = true
	}
	sub, err := n.Session(ctx, s.database, s.typ, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close(ctx)
		return nil, client.ErrSessionClosed
	}
	if cur, ok := s.subs[r.Address]; ok && cur.IsOpen() {
		// A concurrent open won.
		s.mu.Unlock()
		_ = sub.Close(ctx)
		return cur, nil
	}
	s.subs[r.Address] = sub
	s.mu.Unlock()
	return sub, nil
}

// Transaction opens a transaction on the primary replica. A read
// transaction may go to any replica when opts or the session allow it.
func (s *Session) Transaction(ctx context.Context, typ protocol.TransactionType, opts protocol.Options) (*client.Transaction, error) {
	if !s.IsOpen() {
		return nil, client.ErrSessionClosed
	}
	open := func(ctx context.Context, r protocol.Replica, n Node) (*client.Transaction, error) {
		sub, err := s.sub(ctx, r, n)
		if err != nil {
			return nil, err
		}
		return sub.Transaction(ctx, typ, opts)
	}

	if typ == protocol.TransactionRead && (opts.ReadAnyReplica || s.opts.ReadAnyReplica) {
		return RunAnyReplica(ctx, s.c, s.database, open)
	}
	return RunPrimaryReplica(ctx, s.c, s.database, open)
}

// Close closes every server session. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
