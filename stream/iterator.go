package stream

import (
	"context"
	"iter"
	"sync"

	"graphgo/protocol"
)

type iterState uint8

const (
	iterNotStarted iterState = iota
	iterIterating
	iterDone
	iterError
)

// Iterator pulls the answers of a multi-answer request.
//
// Nothing is sent until the first Next. Answers of the current part are
// served from a local buffer; when the server signals that a batch is
// exhausted the iterator asks for the next one under the same RequestID.
// Once finished, Next keeps returning false without touching the network.
// Errors other than the caller's own ctx are sticky.
//
// An Iterator is meant for one consumer; concurrent calls are serialized.
type Iterator[T any] struct {
	b      *Bidi
	req    protocol.Request
	decode func([]byte) (T, error)

	mu      sync.Mutex
	state   iterState
	c       *collector
	pending [][]byte
	err     error
}

// Stream prepares an iterator for req. decode turns one opaque answer into
// a T.
func Stream[T any](b *Bidi, req protocol.Request, decode func([]byte) (T, error)) *Iterator[T] {
	return &Iterator[T]{b: b, req: req, decode: decode}
}

// Raw is a decode function that returns answers unchanged.
func Raw(answer []byte) ([]byte, error) { return answer, nil }

// ID is the RequestID shared by every message of the stream. Zero before the
// first Next.
func (it *Iterator[T]) ID() protocol.RequestID {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.req.ID
}

// Next returns the next answer. ok is false once the stream is finished or
// failed; err carries the failure.
func (it *Iterator[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	switch it.state {
	case iterError:
		return v, false, it.err
	case iterNotStarted:
		if err := it.start(ctx); err != nil {
			return v, false, it.fail(err)
		}
	}

	for {
		if len(it.pending) > 0 {
			answer := it.pending[0]
			it.pending[0] = nil
			it.pending = it.pending[1:]
			v, err = it.decode(answer)
			if err != nil {
				return v, false, it.fail(err)
			}
			return v, true, nil
		}
		if it.state == iterDone {
			return v, false, nil
		}

		r, err := it.c.take(ctx)
		if err != nil {
			if ctx.Err() != nil && err == ctx.Err() {
				// The stream is intact; a later Next may resume.
				return v, false, err
			}
			return v, false, it.fail(err)
		}
		if r.err != nil {
			return v, false, it.fail(r.err)
		}

		switch r.resp.State {
		case protocol.StateDone:
			it.pending = append(it.pending, r.resp.Answers...)
			it.state = iterDone
			it.c = nil
		case protocol.StateContinue:
			if err := it.b.disp.dispatch(ctx, protocol.NewStreamContinueRequest(it.req.ID)); err != nil {
				return v, false, it.fail(err)
			}
		default:
			it.pending = append(it.pending, r.resp.Answers...)
		}
	}
}

func (it *Iterator[T]) start(ctx context.Context) error {
	if it.req.ID.IsZero() {
		it.req.ID = protocol.NewRequestID()
	}
	c, err := it.b.register(it.req, true)
	if err != nil {
		return err
	}
	if err := it.b.disp.dispatch(ctx, it.req); err != nil {
		it.b.unregister(it.req.ID)
		return err
	}
	it.c = c
	it.state = iterIterating
	return nil
}

func (it *Iterator[T]) fail(err error) error {
	it.state = iterError
	it.err = err
	it.pending = nil
	return err
}

// All adapts the iterator to a range-over-func sequence. Iteration stops
// after the first error, which is yielded with a zero value.
func (it *Iterator[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, ok, err := it.Next(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !ok || !yield(v, nil) {
				return
			}
		}
	}
}

// Collect drains the iterator.
func (it *Iterator[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for v, err := range it.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
