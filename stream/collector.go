package stream

import (
	"context"
	"sync"

	"graphgo/protocol"
)

// result is what a collector hands to its caller: a response, or the error
// that stands in for it.
type result struct {
	resp protocol.Response
	err  error
}

// collector is the mailbox for one RequestID.
//
// put never blocks: the queue is unbounded and the wake-up channel holds one
// token, so the reader goroutine cannot be stalled by a slow caller. A
// multiple collector receives any number of messages; a single one exactly
// one, and the stream removes it from routing once that message is routed.
type collector struct {
	id       protocol.RequestID
	multiple bool

	mu     sync.Mutex
	queue  []result
	closed bool
	err    error
	notify chan struct{}
}

func newCollector(id protocol.RequestID, multiple bool) *collector {
	return &collector{id: id, multiple: multiple, notify: make(chan struct{}, 1)}
}

func (c *collector) put(r result) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, r)
	c.mu.Unlock()
	c.wake()
}

// close ends the collector. Queued messages are still delivered; after them
// take reports err, or ErrStreamClosed when err is nil. Idempotent.
func (c *collector) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()
	c.wake()
}

func (c *collector) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// take returns the next message, blocking until one arrives, the collector
// closes, or ctx is done.
func (c *collector) take(ctx context.Context) (result, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			r := c.queue[0]
			c.queue[0] = result{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return r, nil
		}
		if c.closed {
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = ErrStreamClosed
			}
			return result{}, err
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return result{}, ctx.Err()
		}
	}
}
