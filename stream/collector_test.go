package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"graphgo/protocol"
)

func TestCollector_FIFO(t *testing.T) {
	c := newCollector(protocol.NewRequestID(), true)
	for i := 0; i < 100; i++ {
		// put must never block, even with nobody taking.
		c.put(result{resp: protocol.Response{Answers: [][]byte{{byte(i)}}}})
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		r, err := c.take(ctx)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if got := r.resp.Answers[0][0]; got != byte(i) {
			t.Fatalf("take %d: got %d", i, got)
		}
	}
}

func TestCollector_DrainsBeforeCloseError(t *testing.T) {
	c := newCollector(protocol.NewRequestID(), true)
	c.put(result{})
	boom := errors.New("boom")
	c.close(boom)
	c.close(nil) // idempotent; first cause wins
	c.put(result{})

	ctx := context.Background()
	if _, err := c.take(ctx); err != nil {
		t.Fatalf("queued message lost: %v", err)
	}
	if _, err := c.take(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := c.take(ctx); !errors.Is(err, boom) {
		t.Fatalf("close error must persist, got %v", err)
	}
}

func TestCollector_GracefulClose(t *testing.T) {
	c := newCollector(protocol.NewRequestID(), false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.close(nil)
	}()
	if _, err := c.take(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestCollector_TakeHonoursContext(t *testing.T) {
	c := newCollector(protocol.NewRequestID(), false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.take(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	c.put(result{resp: protocol.Response{Message: "late"}})
	r, err := c.take(context.Background())
	if err != nil || r.resp.Message != "late" {
		t.Fatalf("late message: %+v %v", r, err)
	}
}
