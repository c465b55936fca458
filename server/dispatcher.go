package server

import (
	"context"
	"errors"
	"io"

	"graphgo/protocol"
	"graphgo/transport"
)

// HandlerFunc answers one request. A returned error is fatal for the stream
// the request arrived on; application errors travel as error responses.
type HandlerFunc func(*Server, *RequestContext) ([]protocol.Response, error)

// RequestContext carries one request and the state of the stream it
// arrived on.
type RequestContext struct {
	Ctx     context.Context
	Request protocol.Request
	conn    *connState
}

// connState is per-stream: the transaction opened on it and its open query
// cursors. Streams are served by one goroutine, so no locking.
type connState struct {
	remote  string
	tx      *txState
	cursors map[protocol.RequestID]*cursor
}

func (s *Server) registerRequestHandlers() {
	s.requestHandlers[protocol.KindSessionOpen] = (*Server).handleSessionOpen
	s.requestHandlers[protocol.KindSessionPulse] = (*Server).handleSessionPulse
	s.requestHandlers[protocol.KindSessionClose] = (*Server).handleSessionClose
	s.requestHandlers[protocol.KindTransactionOpen] = (*Server).handleTransactionOpen
	s.requestHandlers[protocol.KindTransactionCommit] = (*Server).handleTransactionEnd
	s.requestHandlers[protocol.KindTransactionRollback] = (*Server).handleTransactionEnd
	s.requestHandlers[protocol.KindQuery] = (*Server).handleQuery
	s.requestHandlers[protocol.KindQueryStream] = (*Server).handleQueryStream
	s.requestHandlers[protocol.KindStreamContinue] = (*Server).handleStreamContinue
	s.requestHandlers[protocol.KindReplicasGet] = (*Server).handleReplicas
	s.requestHandlers[protocol.KindDatabaseList] = (*Server).handleDatabases
	s.requestHandlers[protocol.KindServerList] = (*Server).handleServers
}

// serveStream answers the requests of one stream in order. Each inbound
// frame is answered with one outbound frame.
func (s *Server) serveStream(st transport.Stream) {
	if !s.trackStream(st, true) {
		_ = st.Close()
		return
	}
	defer func() {
		s.trackStream(st, false)
		_ = st.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &connState{remote: st.RemoteAddr(), cursors: make(map[protocol.RequestID]*cursor)}
	log := s.log().With("remote", conn.remote)

	for {
		frame, err := st.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, transport.ErrClosed) {
				log.Warn("stream receive failed", "error", err)
			}
			return
		}

		reqs, err := s.codec.DecodeRequests(frame)
		if err != nil {
			log.Error("malformed request frame", "error", err)
			return
		}

		var out []protocol.Response
		for _, req := range reqs {
			handler := s.requestHandlers[req.Kind]
			if handler == nil {
				log.Error("unsupported request detected", "kind", req.Kind)
				return
			}
			resps, err := handler(s, &RequestContext{Ctx: ctx, Request: req, conn: conn})
			if err != nil {
				log.Error("failed to process the request", "kind", req.Kind, "error", err)
				return
			}
			out = append(out, resps...)
		}
		if len(out) == 0 {
			continue
		}
		if err := s.writeResponses(ctx, st, out); err != nil {
			if transport.IsTimeout(err) {
				log.Warn("stream send timed out", "timeout", s.opts.WriteTimeout)
			} else {
				log.Warn("stream send failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) writeResponses(ctx context.Context, st transport.Stream, resps []protocol.Response) error {
	frame, err := s.codec.EncodeResponses(resps)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return st.Send(wctx, frame)
}

func errorResponse(req protocol.Request, code protocol.ErrorCode, msg string) []protocol.Response {
	return []protocol.Response{protocol.NewErrorResponse(req.ID, req.Kind, code, msg)}
}
