package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"graphgo/client"
	"graphgo/protocol"
)

func TestNew(t *testing.T) {
	t.Run("learns members from the server list", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2", "c:3")
		c := newTestClient(t, topo, Options{}, "b:2")
		assert.Equal(t, []string{"b:2", "a:1", "c:3"}, c.Members())
	})

	t.Run("skips unreachable seeds", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2")
		topo.setDown("a:1", true)
		c := newTestClient(t, topo, Options{}, "a:1", "b:2")
		assert.ElementsMatch(t, []string{"a:1", "b:2"}, c.Members())
		assert.Equal(t, []string{"b:2"}, c.Connected())
	})

	t.Run("all seeds unreachable", func(t *testing.T) {
		topo := newFakeTopology()
		topo.setDown("a:1", true)
		topo.setDown("b:2", true)
		_, err := New(context.Background(), []string{"a:1", "b:2"}, Options{Dial: topo.dial})

		var ue *UnavailableError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, []string{"a:1", "b:2"}, ue.Tried)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.ErrorIs(t, err, client.ErrUnableToConnect)
	})

	t.Run("no addresses", func(t *testing.T) {
		_, err := New(context.Background(), nil, Options{})
		assert.ErrorIs(t, err, ErrNoAddresses)
	})
}

func TestRunPrimaryReplica(t *testing.T) {
	ctx := context.Background()

	t.Run("runs on the primary", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2", "c:3")
		topo.set("db", follower("a:1", 3), leader("b:2", 3), follower("c:3", 3))
		c := newTestClient(t, topo, Options{}, "a:1")

		got, err := RunPrimaryReplica(ctx, c, "db", func(_ context.Context, r protocol.Replica, n Node) (string, error) {
			assert.Equal(t, r.Address, n.Address())
			return r.Address, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "b:2", got)
	})

	t.Run("uses the cached primary", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2")
		topo.set("db", leader("a:1", 1), follower("b:2", 1))
		c := newTestClient(t, topo, Options{}, "a:1")

		for range 3 {
			_, err := RunPrimaryReplica(ctx, c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
				return 0, nil
			})
			require.NoError(t, err)
		}
		assert.Equal(t, 1, topo.lookups)
	})

	t.Run("fails over when the primary steps down", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2")
		topo.set("db", leader("a:1", 1), follower("b:2", 1))
		c := newTestClient(t, topo, Options{}, "a:1")

		var calls []string
		got, err := RunPrimaryReplica(ctx, c, "db", func(_ context.Context, r protocol.Replica, _ Node) (string, error) {
			calls = append(calls, r.Address)
			if r.Address == "a:1" {
				topo.set("db", follower("a:1", 2), leader("b:2", 2))
				return "", fmt.Errorf("open transaction: %w", &protocol.ServerError{Code: protocol.CodeNotPrimary})
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, []string{"a:1", "b:2"}, calls)
	})

	t.Run("fails over when the primary is unreachable", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2")
		topo.set("db", leader("a:1", 1), follower("b:2", 1))
		c := newTestClient(t, topo, Options{}, "a:1", "b:2")

		attempts := 0
		_, err := RunPrimaryReplica(ctx, c, "db", func(_ context.Context, r protocol.Replica, n Node) (int, error) {
			attempts++
			if attempts == 1 {
				topo.setDown("a:1", true)
				topo.set("db", leader("b:2", 2))
				return 0, client.ErrUnableToConnect
			}
			assert.Equal(t, "b:2", r.Address)
			return 0, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("other errors propagate at once", func(t *testing.T) {
		topo := newFakeTopology("a:1")
		topo.set("db", leader("a:1", 1))
		c := newTestClient(t, topo, Options{}, "a:1")

		boom := errors.New("query failed")
		attempts := 0
		_, err := RunPrimaryReplica(ctx, c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
			attempts++
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, attempts)
	})

	t.Run("gives up after the retry limit", func(t *testing.T) {
		topo := newFakeTopology("a:1")
		topo.set("db", leader("a:1", 1))
		c := newTestClient(t, topo, Options{RetryLimit: 4}, "a:1")

		attempts := 0
		_, err := RunPrimaryReplica(ctx, c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
			attempts++
			return 0, client.ErrNotPrimary
		})
		var ue *UnavailableError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, 4, attempts)
		assert.Equal(t, []string{"a:1", "a:1", "a:1", "a:1"}, ue.Tried)
		assert.ErrorIs(t, err, client.ErrNotPrimary)
	})

	t.Run("waits for an election", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2")
		topo.set("db", follower("a:1", 1), follower("b:2", 1))
		c := newTestClient(t, topo, Options{RetryLimit: 3}, "a:1")

		_, err := RunPrimaryReplica(ctx, c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
			return 0, nil
		})
		var ue *UnavailableError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, 3, topo.lookups)
		assert.Contains(t, err.Error(), "no primary")
	})

	t.Run("unknown database is final", func(t *testing.T) {
		topo := newFakeTopology("a:1")
		c := newTestClient(t, topo, Options{}, "a:1")

		_, err := RunPrimaryReplica(ctx, c, "nope", func(context.Context, protocol.Replica, Node) (int, error) {
			return 0, nil
		})
		var se *protocol.ServerError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, protocol.CodeDatabaseNotFound, se.Code)
	})

	t.Run("ctx cancels the wait", func(t *testing.T) {
		topo := newFakeTopology("a:1")
		topo.set("db", leader("a:1", 1))
		c := newTestClient(t, topo, Options{RetryWait: time.Hour}, "a:1")

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := RunPrimaryReplica(ctx, c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
			return 0, client.ErrNotPrimary
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRunAnyReplica(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers the flagged replica", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2", "c:3")
		preferred := follower("c:3", 1)
		preferred.Preferred = true
		topo.set("db", leader("a:1", 1), follower("b:2", 1), preferred)
		c := newTestClient(t, topo, Options{}, "a:1")

		got, err := RunAnyReplica(ctx, c, "db", func(_ context.Context, r protocol.Replica, _ Node) (string, error) {
			return r.Address, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "c:3", got)
	})

	t.Run("moves on past unreachable replicas", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2", "c:3")
		topo.set("db", leader("a:1", 1), follower("b:2", 1), follower("c:3", 1))
		c := newTestClient(t, topo, Options{}, "a:1")

		order := readOrder(c.id, topo.sets["db"])
		var seen []string
		got, err := RunAnyReplica(ctx, c, "db", func(_ context.Context, r protocol.Replica, _ Node) (string, error) {
			seen = append(seen, r.Address)
			if len(seen) < 3 {
				return "", fmt.Errorf("%w: reset", client.ErrUnableToConnect)
			}
			return r.Address, nil
		})
		require.NoError(t, err)
		assert.Equal(t, addresses(order), seen)
		assert.Equal(t, order[2].Address, got)
	})

	t.Run("other errors propagate", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2")
		topo.set("db", leader("a:1", 1), follower("b:2", 1))
		c := newTestClient(t, topo, Options{}, "a:1")

		calls := 0
		_, err := RunAnyReplica(ctx, c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
			calls++
			return 0, client.ErrTransactionClosed
		})
		assert.ErrorIs(t, err, client.ErrTransactionClosed)
		assert.Equal(t, 1, calls)
	})

	t.Run("all replicas unreachable", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2", "c:3")
		topo.set("db", leader("a:1", 1), follower("b:2", 1), follower("c:3", 1))
		c := newTestClient(t, topo, Options{}, "a:1")

		_, err := RunAnyReplica(ctx, c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
			return 0, client.ErrUnableToConnect
		})
		var ue *UnavailableError
		require.ErrorAs(t, err, &ue)
		assert.ElementsMatch(t, []string{"a:1", "b:2", "c:3"}, ue.Tried)
		assert.Empty(t, c.cachedReplicas("db"))
	})

	t.Run("dial failures count as unreachable", func(t *testing.T) {
		topo := newFakeTopology("a:1", "b:2")
		topo.set("db", leader("a:1", 1), follower("b:2", 1))
		c := newTestClient(t, topo, Options{}, "a:1")
		_, err := c.Replicas(ctx, "db")
		require.NoError(t, err)
		topo.setDown("b:2", true)

		got, err := RunAnyReplica(ctx, c, "db", func(_ context.Context, r protocol.Replica, _ Node) (string, error) {
			return r.Address, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "a:1", got)
	})
}

func TestFailover_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	topo := newFakeTopology("a:1", "b:2")
	topo.set("db", leader("a:1", 1), follower("b:2", 1))
	c := newTestClient(t, topo, Options{TracerProvider: tp, RetryLimit: 2}, "a:1")

	_, err := RunPrimaryReplica(context.Background(), c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
		return 0, client.ErrNotPrimary
	})
	require.Error(t, err)
	_, err = RunAnyReplica(context.Background(), c, "db", func(context.Context, protocol.Replica, Node) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	primary := spans[0]
	assert.Equal(t, SpanRunPrimary, primary.Name())
	assert.Equal(t, codes.Error, primary.Status().Code)
	assert.Len(t, primary.Events(), 3) // two failovers, one recorded error
	attrs := map[string]any{}
	for _, kv := range primary.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "db", attrs[AttrDatabase])
	assert.Equal(t, int64(2), attrs[AttrAttempts])

	assert.Equal(t, SpanRunAny, spans[1].Name())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}
