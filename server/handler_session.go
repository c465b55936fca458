package server

import "graphgo/protocol"

func (s *Server) handleSessionOpen(rc *RequestContext) ([]protocol.Response, error) {
	req := rc.Request
	if !s.hasDatabase(req.Database) {
		return errorResponse(req, protocol.CodeDatabaseNotFound, req.Database), nil
	}
	if !s.isPrimary(req.Database) && !req.Options.ReadAnyReplica {
		return errorResponse(req, protocol.CodeNotPrimary, "not the primary replica of "+req.Database), nil
	}

	sess := s.sessions.open(req.Database, req.SessionType, req.Options)
	s.log().Debug("session opened", "database", req.Database, "type", req.SessionType)
	return []protocol.Response{protocol.NewSessionOpenResponse(req.ID, sess.id)}, nil
}

// handleSessionPulse keeps a session alive. A pulse for an unknown session
// is answered, not rejected: the client closes itself on Alive=false.
func (s *Server) handleSessionPulse(rc *RequestContext) ([]protocol.Response, error) {
	s.pulses.Add(1)
	alive := s.sessions.touch(rc.Request.SessionID) != nil
	return []protocol.Response{protocol.NewPulseResponse(rc.Request.ID, alive)}, nil
}

func (s *Server) handleSessionClose(rc *RequestContext) ([]protocol.Response, error) {
	if !s.sessions.remove(rc.Request.SessionID) {
		return errorResponse(rc.Request, protocol.CodeSessionNotFound, "session not found"), nil
	}
	return []protocol.Response{protocol.NewOKResponse(rc.Request.ID, protocol.KindSessionClose)}, nil
}
