package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"graphgo/protocol"
	"graphgo/transport"
)

const (
	DefaultQueueSize    = 1024                 // pending requests before dispatch blocks
	DefaultMaxBatch     = 128                  // requests per frame
	DefaultBatchWindow  = 1 * time.Millisecond // latency bound for a partial batch
	DefaultWriteTimeout = 30 * time.Second
)

// States of a dispatchNow request. The writer claims it before encoding;
// a caller that gives up first cancels it and it is never written.
const (
	outQueued int32 = iota
	outClaimed
	outCancelled
)

type outbound struct {
	req     protocol.Request
	flushed chan error    // non-nil for dispatchNow
	state   *atomic.Int32 // non-nil for dispatchNow
}

// claim reports whether o may still be written.
func (o outbound) claim() bool {
	return o.state == nil || o.state.CompareAndSwap(outQueued, outClaimed)
}

// dispatcher owns the write side of a stream. One writer goroutine batches
// requests into frames, in submission order.
type dispatcher struct {
	st       transport.Stream
	codec    protocol.Codec
	maxBatch int
	window   time.Duration
	timeout  time.Duration
	onError  func(error)

	queue  chan outbound
	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error // first write failure; sticky
}

func newDispatcher(st transport.Stream, cfg config, onError func(error)) *dispatcher {
	d := &dispatcher{
		st:       st,
		codec:    cfg.codec,
		maxBatch: cfg.maxBatch,
		window:   cfg.batchWindow,
		timeout:  cfg.writeTimeout,
		onError:  onError,
		queue:    make(chan outbound, cfg.queueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) failure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// dispatch queues req for the next batch. It blocks only while the queue is
// full.
func (d *dispatcher) dispatch(ctx context.Context, req protocol.Request) error {
	return d.enqueue(ctx, outbound{req: req})
}

// dispatchNow queues req, forces a flush of everything queued up to and
// including it, and waits for the write. sent is false when req can no
// longer reach the wire; when ctx expires after the writer took req, err is
// ctx's error but sent is true and a response may still arrive.
func (d *dispatcher) dispatchNow(ctx context.Context, req protocol.Request) (sent bool, err error) {
	o := outbound{req: req, flushed: make(chan error, 1), state: new(atomic.Int32)}
	if err := d.enqueue(ctx, o); err != nil {
		return false, err
	}
	select {
	case err := <-o.flushed:
		return err == nil, err
	case <-d.doneCh:
		select {
		case err := <-o.flushed:
			return err == nil, err
		default:
		}
		if err := d.failure(); err != nil {
			return false, err
		}
		return false, ErrStreamClosed
	case <-ctx.Done():
		return !o.state.CompareAndSwap(outQueued, outCancelled), ctx.Err()
	}
}

func (d *dispatcher) enqueue(ctx context.Context, o outbound) error {
	if err := d.failure(); err != nil {
		return err
	}
	select {
	case <-d.stopCh:
		return ErrStreamClosed
	default:
	}
	select {
	case d.queue <- o:
		return nil
	case <-d.stopCh:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop asks the writer to exit. Requests still queued are dropped; their
// callers have already been failed. It does not wait; see done.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *dispatcher) done() <-chan struct{} { return d.doneCh }

func (d *dispatcher) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *dispatcher) run() {
	defer close(d.doneCh)

	buf := make([]outbound, 0, d.maxBatch)
	timer := time.NewTimer(d.window)
	timer.Stop()
	var timerC <-chan time.Time

	flushBuffered := func() {
		if len(buf) > 0 {
			d.flush(buf)
			clear(buf)
			buf = buf[:0]
		}
		if timerC != nil {
			timer.Stop()
			timerC = nil
		}
	}

	appendToBatch := func(o outbound) {
		buf = append(buf, o)
		if o.flushed != nil || len(buf) >= d.maxBatch {
			flushBuffered()
			return
		}
		if timerC == nil {
			timer.Reset(d.window)
			timerC = timer.C
		}
	}

	drop := func(o outbound) {
		if o.flushed == nil {
			return
		}
		err := d.failure()
		if err == nil {
			err = ErrStreamClosed
		}
		o.flushed <- err
	}
	drainForShutdown := func() {
		for _, o := range buf {
			drop(o)
		}
		for {
			select {
			case o := <-d.queue:
				drop(o)
			default:
				return
			}
		}
	}

	for {
		select {
		case o := <-d.queue:
			if d.stopping() {
				drop(o)
				drainForShutdown()
				return
			}
			appendToBatch(o)
		case <-timerC:
			timerC = nil
			if d.stopping() {
				drainForShutdown()
				return
			}
			flushBuffered()
		case <-d.stopCh:
			drainForShutdown()
			return
		}
	}
}

func (d *dispatcher) flush(batch []outbound) {
	reqs := make([]protocol.Request, 0, len(batch))
	live := make([]outbound, 0, len(batch))
	for _, o := range batch {
		if o.claim() {
			reqs = append(reqs, o.req)
			live = append(live, o)
		}
	}
	if len(reqs) == 0 {
		return
	}

	err := d.failure()
	if err == nil {
		err = d.write(reqs)
		if err != nil {
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			if d.onError != nil {
				d.onError(err)
			}
		}
	}
	for _, o := range live {
		if o.flushed != nil {
			o.flushed <- err
		}
	}
}

func (d *dispatcher) write(reqs []protocol.Request) error {
	frame, err := d.codec.EncodeRequests(reqs)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.st.Send(ctx, frame); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
