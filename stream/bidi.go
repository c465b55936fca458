// Package stream multiplexes many logical requests over one physical
// bidirectional stream.
//
// Each request carries a fresh RequestID. A collector is registered under
// that id before the request is written; the reader goroutine routes every
// inbound response to the collector with the matching id. Writes are batched
// by a single dispatcher goroutine. A failure of the underlying transport is
// broadcast to every outstanding collector.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"graphgo/protocol"
	"graphgo/transport"
)

type config struct {
	codec        protocol.Codec
	logger       *slog.Logger
	queueSize    int
	maxBatch     int
	batchWindow  time.Duration
	writeTimeout time.Duration
}

// Option configures a Bidi.
type Option func(*config)

func WithCodec(c protocol.Codec) Option { return func(cfg *config) { cfg.codec = c } }

func WithLogger(l *slog.Logger) Option { return func(cfg *config) { cfg.logger = l } }

// WithBatching sets the most requests per frame and how long a partial batch
// may wait for company.
func WithBatching(maxBatch int, window time.Duration) Option {
	return func(cfg *config) {
		cfg.maxBatch = maxBatch
		cfg.batchWindow = window
	}
}

// WithQueueSize bounds the number of requests waiting for the writer.
func WithQueueSize(n int) Option { return func(cfg *config) { cfg.queueSize = n } }

func WithWriteTimeout(d time.Duration) Option { return func(cfg *config) { cfg.writeTimeout = d } }

func (c *config) applyDefaults() {
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.queueSize <= 0 {
		c.queueSize = DefaultQueueSize
	}
	if c.maxBatch <= 0 {
		c.maxBatch = DefaultMaxBatch
	}
	if c.batchWindow <= 0 {
		c.batchWindow = DefaultBatchWindow
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
}

// Bidi is a bidirectional request/response stream over one transport.Stream.
//
// Thread safety: all methods may be called from any goroutine.
type Bidi struct {
	st     transport.Stream
	codec  protocol.Codec
	logger *slog.Logger
	disp   *dispatcher

	mu         sync.RWMutex // protects collectors, closed, err
	collectors map[protocol.RequestID]*collector
	closed     bool
	err        error // why the stream ended; nil for a graceful end

	doneCh     chan struct{} // closed once the stream stops accepting requests
	finishedCh chan struct{} // closed once the transport is closed
	closeErr   error
}

// New starts the reader and writer goroutines on st. The Bidi owns st from
// here on.
func New(st transport.Stream, opts ...Option) *Bidi {
	cfg := config{codec: protocol.DefaultCodec}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.applyDefaults()

	b := &Bidi{
		st:         st,
		codec:      cfg.codec,
		logger:     cfg.logger.With("remote", st.RemoteAddr()),
		collectors: make(map[protocol.RequestID]*collector),
		doneCh:     make(chan struct{}),
		finishedCh: make(chan struct{}),
	}
	b.disp = newDispatcher(st, cfg, func(err error) {
		// Runs on the writer goroutine, which shutdown waits for.
		go b.shutdown(err, false)
	})
	go b.readLoop()
	return b
}

// Done is closed when the stream has ended, by Close or by failure.
func (b *Bidi) Done() <-chan struct{} { return b.doneCh }

// Err reports why the stream ended: nil while open or after a graceful end,
// otherwise a *TransportError or *ProtocolError.
func (b *Bidi) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

func (b *Bidi) RemoteAddr() string { return b.st.RemoteAddr() }

// Close ends the stream: outstanding callers receive ErrStreamClosed,
// requests they queued are never written, and the transport is closed. Idempotent; returns
// the transport's close error.
func (b *Bidi) Close() error {
	b.shutdown(nil, true)
	<-b.finishedCh
	return b.closeErr
}

// Future is the pending answer of a single request.
type Future struct {
	id protocol.RequestID
	c  *collector
}

func (f *Future) ID() protocol.RequestID { return f.id }

// Get waits for the response. An application error reported by the server
// is returned as *protocol.ServerError alongside the response. When ctx
// expires the request stays registered; the late response is discarded.
func (f *Future) Get(ctx context.Context) (protocol.Response, error) {
	r, err := f.c.take(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	return r.resp, r.err
}

// Single sends a request that expects exactly one response. With batch set
// the request waits for the next batch; otherwise it is written before
// Single returns.
func (b *Bidi) Single(ctx context.Context, req protocol.Request, batch bool) (*Future, error) {
	if req.ID.IsZero() {
		req.ID = protocol.NewRequestID()
	}
	c, err := b.register(req, false)
	if err != nil {
		return nil, err
	}
	if sent, err := b.send(ctx, req, batch); err != nil {
		// A request that went out keeps its collector until the answer
		// arrives, or the answer would look like an unknown request.
		if !sent {
			b.unregister(req.ID)
		}
		return nil, err
	}
	return &Future{id: req.ID, c: c}, nil
}

// Execute sends req in the next batch and waits for its response.
func (b *Bidi) Execute(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	f, err := b.Single(ctx, req, true)
	if err != nil {
		return protocol.Response{}, err
	}
	return f.Get(ctx)
}

// send reports whether req was handed to the writer even when it fails.
func (b *Bidi) send(ctx context.Context, req protocol.Request, batch bool) (sent bool, err error) {
	if batch {
		err = b.disp.dispatch(ctx, req)
		return err == nil, err
	}
	return b.disp.dispatchNow(ctx, req)
}

func (b *Bidi) register(req protocol.Request, multiple bool) (*collector, error) {
	if !req.Kind.Valid() {
		return nil, ErrInvalidRequest
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if b.err != nil {
			return nil, b.err
		}
		return nil, ErrStreamClosed
	}
	if _, dup := b.collectors[req.ID]; dup {
		return nil, ErrInvalidRequest
	}
	c := newCollector(req.ID, multiple)
	b.collectors[req.ID] = c
	return c, nil
}

func (b *Bidi) unregister(id protocol.RequestID) {
	b.mu.Lock()
	delete(b.collectors, id)
	b.mu.Unlock()
}

func (b *Bidi) readLoop() {
	for {
		frame, err := b.st.Receive(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				b.shutdown(nil, false)
			} else {
				b.shutdown(&TransportError{Err: err}, false)
			}
			return
		}

		resps, err := b.codec.DecodeResponses(frame)
		if err != nil {
			b.shutdown(&ProtocolError{Err: err}, false)
			return
		}
		for _, resp := range resps {
			if err := b.route(resp); err != nil {
				b.shutdown(err, false)
				return
			}
		}
	}
}

// route hands resp to its collector. A single collector is done after one
// message; a multiple one after StateDone or an application error.
func (b *Bidi) route(resp protocol.Response) error {
	appErr := resp.Err()

	b.mu.Lock()
	c, ok := b.collectors[resp.ID]
	if ok && (!c.multiple || resp.State == protocol.StateDone || appErr != nil) {
		delete(b.collectors, resp.ID)
	}
	closed := b.closed
	b.mu.Unlock()

	if !ok {
		if closed {
			return nil
		}
		return &ProtocolError{ID: resp.ID, Err: ErrUnknownRequest}
	}
	c.put(result{resp: resp, err: appErr})
	return nil
}

// shutdown ends the stream once. cause is broadcast to every outstanding
// collector (nil means a graceful end) and requests still queued are
// dropped. With graceful set, the writer finishes its current frame before
// the transport closes; otherwise the transport closes first so a wedged
// writer cannot hold shutdown up.
func (b *Bidi) shutdown(cause error, graceful bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = cause
	pending := b.collectors
	b.collectors = make(map[protocol.RequestID]*collector)
	b.mu.Unlock()

	if cause != nil {
		b.logger.Warn("stream: failed", "err", cause, "outstanding", len(pending))
	} else {
		b.logger.Debug("stream: closed", "outstanding", len(pending))
	}

	for _, c := range pending {
		c.close(cause)
	}
	close(b.doneCh)

	if graceful {
		b.disp.stop()
		<-b.disp.done()
		b.closeErr = b.st.Close()
	} else {
		b.closeErr = b.st.Close()
		b.disp.stop()
		<-b.disp.done()
	}
	close(b.finishedCh)
}
