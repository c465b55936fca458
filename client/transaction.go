package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"graphgo/protocol"
	"graphgo/stream"
)

// Transaction owns one physical stream for its whole life. Commit and
// Rollback end it; so does a failure of its stream.
type Transaction struct {
	s      *Session
	typ    protocol.TransactionType
	opts   protocol.Options
	b      *stream.Bidi
	logger *slog.Logger

	open      atomic.Bool
	ended     atomic.Bool // Commit, Rollback or Close was called
	closeOnce sync.Once
	closeErr  error
}

func openTransaction(ctx context.Context, s *Session, typ protocol.TransactionType, opts protocol.Options) (*Transaction, error) {
	c := s.c
	b, err := c.openStream(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	req := protocol.NewTransactionOpenRequest(s.id, typ, opts, c.NetworkLatency())
	f, err := b.Single(ctx, req, false)
	if err == nil {
		_, err = f.Get(ctx)
	}
	if err != nil {
		b.Close()
		return nil, classify(err)
	}
	c.latency.Store(int64(time.Since(start)))

	tx := &Transaction{
		s:      s,
		typ:    typ,
		opts:   opts,
		b:      b,
		logger: s.logger.With("transaction_type", typ),
	}
	tx.open.Store(true)
	go tx.watch()
	return tx, nil
}

// watch closes the transaction when its stream ends underneath it.
func (tx *Transaction) watch() {
	<-tx.b.Done()
	if !tx.ended.Load() {
		tx.logger.Warn("transaction stream ended", "err", tx.b.Err())
	}
	tx.open.Store(false)
	tx.s.forget(tx)
}

func (tx *Transaction) Type() protocol.TransactionType { return tx.typ }

func (tx *Transaction) IsOpen() bool { return tx.open.Load() }

// Execute sends a single-answer request in the transaction.
func (tx *Transaction) Execute(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if !tx.IsOpen() {
		return protocol.Response{}, ErrTransactionClosed
	}
	resp, err := tx.b.Execute(ctx, req)
	return resp, tx.wrap(err)
}

// Stream prepares an iterator over the answers of a multi-answer request.
// Nothing is sent until the first Next.
func (tx *Transaction) Stream(req protocol.Request) (*stream.Iterator[[]byte], error) {
	if !tx.IsOpen() {
		return nil, ErrTransactionClosed
	}
	return stream.Stream(tx.b, req, stream.Raw), nil
}

// Query runs a single-answer query and returns its answers.
func (tx *Transaction) Query(ctx context.Context, payload []byte, opts protocol.Options) ([][]byte, error) {
	resp, err := tx.Execute(ctx, protocol.NewQueryRequest(payload, opts))
	if err != nil {
		return nil, err
	}
	return resp.Answers, nil
}

// QueryStream runs a query whose answers arrive in batches.
func (tx *Transaction) QueryStream(payload []byte, opts protocol.Options) (*stream.Iterator[[]byte], error) {
	return tx.Stream(protocol.NewQueryStreamRequest(payload, opts))
}

func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.finish(ctx, protocol.NewCommitRequest())
}

func (tx *Transaction) Rollback(ctx context.Context) error {
	return tx.finish(ctx, protocol.NewRollbackRequest())
}

func (tx *Transaction) finish(ctx context.Context, req protocol.Request) error {
	if !tx.IsOpen() || !tx.ended.CompareAndSwap(false, true) {
		return ErrTransactionClosed
	}
	_, err := tx.b.Execute(ctx, req)
	if cerr := tx.Close(); cerr != nil {
		tx.logger.Debug("transaction stream close", "err", cerr)
	}
	return classify(err)
}

// Close abandons the transaction; the server rolls back whatever it has not
// committed. Idempotent.
func (tx *Transaction) Close() error {
	tx.closeOnce.Do(func() {
		tx.ended.Store(true)
		tx.open.Store(false)
		tx.closeErr = tx.b.Close()
		tx.s.forget(tx)
	})
	return tx.closeErr
}

// wrap reports requests cut short by a local close as ErrTransactionClosed.
func (tx *Transaction) wrap(err error) error {
	if err == nil {
		return nil
	}
	if tx.ended.Load() && errors.Is(err, stream.ErrStreamClosed) {
		return ErrTransactionClosed
	}
	return classify(err)
}
