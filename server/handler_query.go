package server

import (
	"bytes"
	"context"

	"graphgo/protocol"
)

// Query is what a QueryHandler sees of a request.
type Query struct {
	Database        string
	TransactionType protocol.TransactionType
	Payload         []byte
	Options         protocol.Options
}

// QueryHandler produces the answers of a query. A returned error is sent to
// the client as a query error.
type QueryHandler func(ctx context.Context, q Query) ([][]byte, error)

// EchoQueryHandler answers with each non-empty line of the payload.
func EchoQueryHandler(_ context.Context, q Query) ([][]byte, error) {
	var answers [][]byte
	for line := range bytes.Lines(q.Payload) {
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		answers = append(answers, bytes.Clone(line))
	}
	return answers, nil
}

// cursor holds the answers of a streamed query not yet sent.
type cursor struct {
	kind      protocol.Kind
	remaining [][]byte
	batch     int
}

func (s *Server) runQuery(rc *RequestContext, tx *txState) ([][]byte, []protocol.Response) {
	answers, err := s.opts.QueryHandler(rc.Ctx, Query{
		Database:        tx.database,
		TransactionType: tx.typ,
		Payload:         rc.Request.Payload,
		Options:         rc.Request.Options,
	})
	if err != nil {
		return nil, errorResponse(rc.Request, protocol.CodeQuery, err.Error())
	}
	return answers, nil
}

func (s *Server) handleQuery(rc *RequestContext) ([]protocol.Response, error) {
	tx, errResp := s.openTx(rc)
	if errResp != nil {
		return errResp, nil
	}
	answers, errResp := s.runQuery(rc, tx)
	if errResp != nil {
		return errResp, nil
	}
	return []protocol.Response{{ID: rc.Request.ID, Kind: protocol.KindQuery, Answers: answers}}, nil
}

func (s *Server) handleQueryStream(rc *RequestContext) ([]protocol.Response, error) {
	tx, errResp := s.openTx(rc)
	if errResp != nil {
		return errResp, nil
	}
	answers, errResp := s.runQuery(rc, tx)
	if errResp != nil {
		return errResp, nil
	}

	batch := rc.Request.Options.BatchSize
	if batch <= 0 {
		batch = tx.opts.BatchSize
	}
	if batch <= 0 {
		batch = s.opts.BatchSize
	}
	cur := &cursor{kind: protocol.KindQueryStream, remaining: answers, batch: batch}
	rc.conn.cursors[rc.Request.ID] = cur
	return s.nextPage(rc.conn, rc.Request.ID, cur), nil
}

func (s *Server) handleStreamContinue(rc *RequestContext) ([]protocol.Response, error) {
	if _, errResp := s.openTx(rc); errResp != nil {
		return errResp, nil
	}
	cur, ok := rc.conn.cursors[rc.Request.ID]
	if !ok {
		return errorResponse(rc.Request, protocol.CodeInvalidRequest, "no open stream for request"), nil
	}
	return s.nextPage(rc.conn, rc.Request.ID, cur), nil
}

// nextPage emits up to one batch of parts, then Continue when answers
// remain or Done when the cursor is exhausted.
func (s *Server) nextPage(conn *connState, id protocol.RequestID, cur *cursor) []protocol.Response {
	n := min(cur.batch, len(cur.remaining))
	out := make([]protocol.Response, 0, n+1)
	for _, a := range cur.remaining[:n] {
		out = append(out, protocol.NewPartResponse(id, cur.kind, a))
	}
	cur.remaining = cur.remaining[n:]

	if len(cur.remaining) > 0 {
		return append(out, protocol.NewContinueResponse(id, cur.kind))
	}
	delete(conn.cursors, id)
	return append(out, protocol.NewDoneResponse(id, cur.kind))
}
