package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphgo/protocol"
)

func TestPrimaryOf(t *testing.T) {
	t.Run("highest term leader wins", func(t *testing.T) {
		p, ok := primaryOf([]protocol.Replica{
			leader("old:1", 4),
			follower("a:2", 5),
			leader("new:3", 5),
			{Address: "c:4", Role: protocol.RoleCandidate, Term: 6},
		})
		require.True(t, ok)
		assert.Equal(t, "new:3", p.Address)
	})

	t.Run("no leader", func(t *testing.T) {
		_, ok := primaryOf([]protocol.Replica{follower("a:1", 1), follower("b:2", 1)})
		assert.False(t, ok)
		_, ok = primaryOf(nil)
		assert.False(t, ok)
	})
}

func TestReadOrder(t *testing.T) {
	replicas := []protocol.Replica{leader("a:1", 1), follower("b:2", 1), follower("c:3", 1), follower("d:4", 1)}

	t.Run("stable for one client", func(t *testing.T) {
		id := []byte("client-1")
		first := readOrder(id, replicas)
		for range 5 {
			assert.Equal(t, first, readOrder(id, replicas))
		}
		assert.ElementsMatch(t, replicas, first)
	})

	t.Run("spreads across clients", func(t *testing.T) {
		heads := map[string]bool{}
		for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8", "c9", "c10", "c11", "c12"} {
			heads[readOrder([]byte(id), replicas)[0].Address] = true
		}
		assert.Greater(t, len(heads), 1)
	})

	t.Run("preferred flag comes first", func(t *testing.T) {
		rs := append([]protocol.Replica(nil), replicas...)
		rs[3].Preferred = true
		for _, id := range []string{"c1", "c2", "c3"} {
			assert.Equal(t, "d:4", readOrder([]byte(id), rs)[0].Address)
		}
	})

	t.Run("secondaries before the primary", func(t *testing.T) {
		for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
			order := readOrder([]byte(id), replicas)
			assert.NotEqual(t, "a:1", order[0].Address)
			assert.Equal(t, "a:1", order[len(order)-1].Address)
		}
	})

	t.Run("does not reorder the input", func(t *testing.T) {
		rs := append([]protocol.Replica(nil), replicas...)
		readOrder([]byte("x"), rs)
		assert.Equal(t, replicas, rs)
	})
}

func TestUnavailableError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &UnavailableError{Database: "social", Tried: []string{"a:1", "b:2"}, Err: cause}

	assert.Equal(t, `cluster: unable to reach a replica of "social" (tried a:1, b:2): connection refused`, err.Error())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "cluster: unable to reach any server", (&UnavailableError{}).Error())
}

func TestMembers(t *testing.T) {
	ctx := context.Background()

	t.Run("merge adds lazily and keeps order", func(t *testing.T) {
		topo := newFakeTopology()
		m := newMembers(topo.dial, discard)
		m.merge([]string{"a:1", "b:2"})
		m.merge([]string{"c:3", "a:1", ""})

		assert.Equal(t, []string{"a:1", "b:2", "c:3"}, m.addresses())
		assert.Empty(t, m.connected())
		assert.Zero(t, topo.dialCount("a:1"))
	})

	t.Run("merge never forgets", func(t *testing.T) {
		m := newMembers(newFakeTopology().dial, discard)
		m.merge([]string{"a:1", "b:2"})
		m.merge([]string{"b:2"})
		m.merge(nil)
		assert.Equal(t, []string{"a:1", "b:2"}, m.addresses())
	})

	t.Run("get dials once", func(t *testing.T) {
		topo := newFakeTopology()
		m := newMembers(topo.dial, discard)
		m.merge([]string{"a:1"})

		n1, err := m.get(ctx, "a:1")
		require.NoError(t, err)
		n2, err := m.get(ctx, "a:1")
		require.NoError(t, err)
		assert.Same(t, n1, n2)
		assert.Equal(t, 1, topo.dialCount("a:1"))
		assert.Equal(t, []string{"a:1"}, m.connected())
	})

	t.Run("get learns unknown addresses", func(t *testing.T) {
		m := newMembers(newFakeTopology().dial, discard)
		_, err := m.get(ctx, "z:9")
		require.NoError(t, err)
		assert.Equal(t, []string{"z:9"}, m.addresses())
	})

	t.Run("dial failure is not cached", func(t *testing.T) {
		topo := newFakeTopology()
		topo.setDown("a:1", true)
		m := newMembers(topo.dial, discard)

		_, err := m.get(ctx, "a:1")
		require.Error(t, err)
		topo.setDown("a:1", false)
		_, err = m.get(ctx, "a:1")
		require.NoError(t, err)
		assert.Equal(t, 2, topo.dialCount("a:1"))
	})

	t.Run("drop closes and redials", func(t *testing.T) {
		topo := newFakeTopology()
		m := newMembers(topo.dial, discard)
		n, err := m.get(ctx, "a:1")
		require.NoError(t, err)

		m.drop("a:1")
		assert.True(t, n.(*fakeNode).closed.Load())
		assert.Equal(t, []string{"a:1"}, m.addresses())

		_, err = m.get(ctx, "a:1")
		require.NoError(t, err)
		assert.Equal(t, 2, topo.dialCount("a:1"))
	})

	t.Run("slow dial does not block other members", func(t *testing.T) {
		topo := newFakeTopology()
		started, release := make(chan struct{}), make(chan struct{})
		defer close(release)
		m := newMembers(func(ctx context.Context, addr string) (Node, error) {
			if addr == "slow:1" {
				close(started)
				<-release
			}
			return topo.dial(ctx, addr)
		}, discard)

		_, err := m.get(ctx, "fast:1")
		require.NoError(t, err)
		go func() { _, _ = m.get(ctx, "slow:1") }()
		<-started

		done := make(chan error, 2)
		go func() {
			_, err := m.get(ctx, "fast:1")
			done <- err
		}()
		go func() {
			_, err := m.get(ctx, "other:1")
			done <- err
		}()
		for range 2 {
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("get blocked behind another member's dial")
			}
		}
	})

	t.Run("concurrent gets share one dial", func(t *testing.T) {
		topo := newFakeTopology()
		release := make(chan struct{})
		m := newMembers(func(ctx context.Context, addr string) (Node, error) {
			<-release
			return topo.dial(ctx, addr)
		}, discard)

		var wg sync.WaitGroup
		nodes := make([]Node, 8)
		for i := range nodes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				nodes[i], _ = m.get(ctx, "a:1")
			}()
		}
		time.Sleep(10 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, 1, topo.dialCount("a:1"))
		for _, n := range nodes {
			assert.Same(t, nodes[0], n)
		}
	})

	t.Run("waiting for a dial honours ctx", func(t *testing.T) {
		started, release := make(chan struct{}), make(chan struct{})
		defer close(release)
		m := newMembers(func(ctx context.Context, addr string) (Node, error) {
			close(started)
			<-release
			return newFakeTopology().dial(ctx, addr)
		}, discard)
		go func() { _, _ = m.get(ctx, "a:1") }()
		<-started

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := m.get(short, "a:1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("close during a dial discards the connection", func(t *testing.T) {
		started, release := make(chan struct{}), make(chan struct{})
		var dialed *fakeNode
		m := newMembers(func(ctx context.Context, addr string) (Node, error) {
			close(started)
			<-release
			n, err := newFakeTopology().dial(ctx, addr)
			dialed = n.(*fakeNode)
			return n, err
		}, discard)

		errCh := make(chan error, 1)
		go func() {
			_, err := m.get(ctx, "a:1")
			errCh <- err
		}()
		<-started
		require.NoError(t, m.close())
		close(release)

		assert.ErrorIs(t, <-errCh, ErrClosed)
		assert.True(t, dialed.closed.Load())
		assert.Empty(t, m.connected())
	})

	t.Run("close closes every connection", func(t *testing.T) {
		m := newMembers(newFakeTopology().dial, discard)
		a, _ := m.get(ctx, "a:1")
		b, _ := m.get(ctx, "b:2")
		m.merge([]string{"c:3"})

		require.NoError(t, m.close())
		assert.True(t, a.(*fakeNode).closed.Load())
		assert.True(t, b.(*fakeNode).closed.Load())
		assert.Empty(t, m.addresses())
	})
}
