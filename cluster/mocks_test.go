package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"graphgo/client"
	"graphgo/protocol"
)

var (
	errNoSessions = errors.New("fake node has no sessions")
	discard       = slog.New(slog.DiscardHandler)
)

// fakeNode answers discovery requests from a shared topology.
type fakeNode struct {
	addr string
	topo *fakeTopology

	closed atomic.Bool
}

func (n *fakeNode) Address() string { return n.addr }

func (n *fakeNode) Replicas(_ context.Context, database string) ([]protocol.Replica, error) {
	return n.topo.replicas(n.addr, database)
}

func (n *fakeNode) Servers(context.Context) ([]string, error) {
	if n.topo.isDown(n.addr) {
		return nil, fmt.Errorf("%w: %s down", client.ErrUnableToConnect, n.addr)
	}
	return n.topo.serverList(), nil
}

func (n *fakeNode) Session(context.Context, string, protocol.SessionType, protocol.Options) (*client.Session, error) {
	return nil, errNoSessions
}

func (n *fakeNode) Close() error {
	n.closed.Store(true)
	return nil
}

// fakeTopology is the cluster state every fake node reports.
type fakeTopology struct {
	mu      sync.Mutex
	servers []string
	sets    map[string][]protocol.Replica
	down    map[string]bool
	dials   map[string]int
	lookups int
}

func newFakeTopology(servers ...string) *fakeTopology {
	return &fakeTopology{
		servers: servers,
		sets:    make(map[string][]protocol.Replica),
		down:    make(map[string]bool),
		dials:   make(map[string]int),
	}
}

func (t *fakeTopology) set(database string, replicas ...protocol.Replica) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range replicas {
		replicas[i].Database = database
	}
	t.sets[database] = replicas
}

func (t *fakeTopology) setDown(addr string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[addr] = down
}

func (t *fakeTopology) isDown(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.down[addr]
}

func (t *fakeTopology) serverList() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.servers...)
}

func (t *fakeTopology) replicas(addr, database string) ([]protocol.Replica, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookups++
	if t.down[addr] {
		return nil, fmt.Errorf("%w: %s down", client.ErrUnableToConnect, addr)
	}
	rs, ok := t.sets[database]
	if !ok {
		return nil, &protocol.ServerError{Code: protocol.CodeDatabaseNotFound, Message: database}
	}
	return append([]protocol.Replica(nil), rs...), nil
}

func (t *fakeTopology) dialCount(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[addr]
}

func (t *fakeTopology) dial(_ context.Context, addr string) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials[addr]++
	if t.down[addr] {
		return nil, fmt.Errorf("%w: %s refused", client.ErrUnableToConnect, addr)
	}
	return &fakeNode{addr: addr, topo: t}, nil
}

func leader(addr string, term uint64) protocol.Replica {
	return protocol.Replica{Address: addr, Role: protocol.RoleLeader, Term: term}
}

func follower(addr string, term uint64) protocol.Replica {
	return protocol.Replica{Address: addr, Role: protocol.RoleFollower, Term: term}
}

func newTestClient(t *testing.T, topo *fakeTopology, opts Options, addrs ...string) *Client {
	t.Helper()
	opts.Dial = topo.dial
	if opts.RetryWait == 0 {
		opts.RetryWait = time.Millisecond
	}
	c, err := New(context.Background(), addrs, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
