package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"graphgo/protocol"
)

// Session is a server-side session on one database. While open it pulses
// the server every Options.PulseInterval; when the server reports the
// session gone, it closes itself.
type Session struct {
	c        *Client
	id       []byte
	database string
	typ      protocol.SessionType
	opts     protocol.Options
	logger   *slog.Logger

	open      atomic.Bool
	stopPulse chan struct{}
	pulseDone chan struct{}

	mu  sync.Mutex
	txs map[*Transaction]struct{}
}

func newSession(c *Client, id []byte, database string, typ protocol.SessionType, opts protocol.Options) *Session {
	s := &Session{
		c:         c,
		id:        id,
		database:  database,
		typ:       typ,
		opts:      opts,
		logger:    c.logger.With("database", database, "session_type", typ),
		stopPulse: make(chan struct{}),
		pulseDone: make(chan struct{}),
		txs:       make(map[*Transaction]struct{}),
	}
	s.open.Store(true)
	go s.pulseLoop(c.opts.PulseInterval)
	return s
}

func (s *Session) ID() []byte { return s.id }
func (s *Session) Database() string { return s.database }
func (s *Session) Type() protocol.SessionType { return s.typ }
func (s *Session) Options() protocol.Options { return s.opts }
func (s *Session) IsOpen() bool { return s.open.Load() }

func (s *Session) pulseLoop(interval time.Duration) {
	defer close(s.pulseDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopPulse:
			return
		case <-ticker.C:
		}

		alive, err := s.pulse()
		if err != nil {
			// Transient; the server reaps the session if it stays unreachable.
			s.logger.Debug("pulse failed", "err", err)
			continue
		}
		if !alive {
			s.logger.Info("session expired on server, closing")
			s.close(context.Background(), false, true)
			return
		}
	}
}

func (s *Session) pulse() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.c.opts.RequestTimeout)
	defer cancel()
	resp, err := s.c.execute(ctx, protocol.NewSessionPulseRequest(s.id), false)
	if err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// Transaction opens a transaction of type typ on a stream of its own.
func (s *Session) Transaction(ctx context.Context, typ protocol.TransactionType, opts protocol.Options) (*Transaction, error) {
	if !s.IsOpen() {
		return nil, ErrSessionClosed
	}
	tx, err := openTransaction(ctx, s, typ, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.txs[tx] = struct{}{}
	s.mu.Unlock()
	if !s.IsOpen() {
		// Raced with Close.
		tx.Close()
		return nil, ErrSessionClosed
	}
	return tx, nil
}

func (s *Session) forget(tx *Transaction) {
	s.mu.Lock()
	delete(s.txs, tx)
	s.mu.Unlock()
}

// Close ends the session: the pulse stops, open transactions are closed and
// the server is told, best effort. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	return s.close(ctx, true, false)
}

func (s *Session) close(ctx context.Context, notify, fromPulse bool) error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stopPulse)
	if !fromPulse {
		<-s.pulseDone
	}

	s.mu.Lock()
	txs := make([]*Transaction, 0, len(s.txs))
	for tx := range s.txs {
		txs = append(txs, tx)
	}
	s.mu.Unlock()

	var errs []error
	for _, tx := range txs {
		if err := tx.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if notify {
		if _, err := s.c.execute(ctx, protocol.NewSessionCloseRequest(s.id), true); err != nil {
			s.logger.Debug("session close not acknowledged", "err", err)
		}
	}
	s.c.forget(s)
	return errors.Join(errs...)
}
