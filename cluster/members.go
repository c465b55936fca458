package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"graphgo/client"
	"graphgo/protocol"
)

// Node is one server of the cluster. *client.Client implements it.
type Node interface {
	Address() string
	Replicas(ctx context.Context, database string) ([]protocol.Replica, error)
	Servers(ctx context.Context) ([]string, error)
	Session(ctx context.Context, database string, typ protocol.SessionType, opts protocol.Options) (*client.Session, error)
	Close() error
}

// DialFunc connects to the server at addr.
// Injected to keep the member registry testable without real servers.
type DialFunc func(ctx context.Context, addr string) (Node, error)

// members tracks every server address the client has heard of.
type members struct {
	mu    sync.RWMutex
	nodes map[string]*memberEntry // keyed by address
	order []string                // discovery order

	dial   DialFunc
	logger *slog.Logger
}

type memberEntry struct {
	node    Node          // nil until first use; guarded by members.mu
	dialing chan struct{} // one-slot lock held while dialing
}

func newMemberEntry() *memberEntry {
	return &memberEntry{dialing: make(chan struct{}, 1)}
}

func newMembers(dial DialFunc, logger *slog.Logger) *members {
	return &members{
		nodes:  make(map[string]*memberEntry),
		dial:   dial,
		logger: logger,
	}
}

// merge adds addresses not yet known. Members are dialed lazily and never
// forgotten by a merge: a server missing from one list may be back in the
// next.
func (m *members) merge(addrs []string) {
	if len(addrs) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		if _, ok := m.nodes[addr]; ok {
			continue
		}
		m.logger.Info("cluster: discovered member", "addr", addr)
		m.nodes[addr] = newMemberEntry()
		m.order = append(m.order, addr)
	}
}

// get returns the node at addr, dialing on first use. Unknown addresses
// are added first; replicas may name servers no list mentioned yet. Dials
// run outside the registry lock, one at a time per address.
func (m *members) get(ctx context.Context, addr string) (Node, error) {
	m.mu.RLock()
	entry, ok := m.nodes[addr]
	if ok && entry.node != nil {
		n := entry.node
		m.mu.RUnlock()
		return n, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	entry, ok = m.nodes[addr]
	if !ok {
		entry = newMemberEntry()
		m.nodes[addr] = entry
		m.order = append(m.order, addr)
	}
	m.mu.Unlock()

	select {
	case entry.dialing <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("cluster: dial %s: %w", addr, ctx.Err())
	}
	defer func() { <-entry.dialing }()

	// Someone else may have finished dialing while we waited.
	m.mu.RLock()
	n := entry.node
	m.mu.RUnlock()
	if n != nil {
		return n, nil
	}

	n, err := m.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial %s: %w", addr, err)
	}

	m.mu.Lock()
	if m.nodes[addr] != entry {
		// close ran while we were dialing.
		m.mu.Unlock()
		_ = n.Close()
		return nil, ErrClosed
	}
	entry.node = n
	m.mu.Unlock()
	return n, nil
}

// drop closes the connection to addr so the next get redials. The address
// stays known.
func (m *members) drop(addr string) {
	m.mu.Lock()
	entry, ok := m.nodes[addr]
	var n Node
	if ok {
		n, entry.node = entry.node, nil
	}
	m.mu.Unlock()

	if n != nil {
		m.logger.Debug("cluster: dropping connection", "addr", addr)
		_ = n.Close()
	}
}

// addresses returns every known address in discovery order.
func (m *members) addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// connected returns the addresses with a live connection.
func (m *members) connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, addr := range m.order {
		if m.nodes[addr].node != nil {
			out = append(out, addr)
		}
	}
	return out
}

// close closes every connection and forgets all members.
func (m *members) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for addr, entry := range m.nodes {
		if entry.node != nil {
			if err := entry.node.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			}
		}
		delete(m.nodes, addr)
	}
	m.order = nil
	return errors.Join(errs...)
}
