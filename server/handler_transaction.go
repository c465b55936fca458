package server

import "graphgo/protocol"

type txState struct {
	sessionID []byte
	database  string
	typ       protocol.TransactionType
	opts      protocol.Options
	latency   int64 // client-reported round trip, ms
	closed    bool
}

func (s *Server) handleTransactionOpen(rc *RequestContext) ([]protocol.Response, error) {
	req := rc.Request
	if rc.conn.tx != nil && !rc.conn.tx.closed {
		return errorResponse(req, protocol.CodeInvalidRequest, "transaction already open on this stream"), nil
	}
	sess := s.sessions.touch(req.SessionID)
	if sess == nil {
		return errorResponse(req, protocol.CodeSessionNotFound, "session not found"), nil
	}
	if req.TransactionType == protocol.TransactionWrite && !s.isPrimary(sess.database) {
		return errorResponse(req, protocol.CodeNotPrimary, "write transaction on a secondary replica"), nil
	}

	rc.conn.tx = &txState{
		sessionID: sess.id,
		database:  sess.database,
		typ:       req.TransactionType,
		opts:      req.Options,
		latency:   req.NetworkLatency.Milliseconds(),
	}
	s.log().Debug("transaction opened",
		"database", sess.database, "type", req.TransactionType, "latency_ms", rc.conn.tx.latency)
	return []protocol.Response{protocol.NewOKResponse(req.ID, protocol.KindTransactionOpen)}, nil
}

// handleTransactionEnd serves both commit and rollback. The in-memory
// server has nothing to persist, so they differ only in what they log.
func (s *Server) handleTransactionEnd(rc *RequestContext) ([]protocol.Response, error) {
	req := rc.Request
	tx := rc.conn.tx
	if tx == nil || tx.closed {
		return errorResponse(req, protocol.CodeTransactionClosed, "no open transaction"), nil
	}
	tx.closed = true
	clear(rc.conn.cursors)
	s.log().Debug("transaction finished", "kind", req.Kind, "database", tx.database)
	return []protocol.Response{protocol.NewOKResponse(req.ID, req.Kind)}, nil
}

// openTx returns the live transaction of the stream, or the error response
// to send instead.
func (s *Server) openTx(rc *RequestContext) (*txState, []protocol.Response) {
	tx := rc.conn.tx
	if tx == nil || tx.closed {
		return nil, errorResponse(rc.Request, protocol.CodeTransactionClosed, "no open transaction")
	}
	if s.sessions.touch(tx.sessionID) == nil {
		tx.closed = true
		return nil, errorResponse(rc.Request, protocol.CodeSessionNotFound, "session expired")
	}
	return tx, nil
}
