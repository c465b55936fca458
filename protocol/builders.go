package protocol

import "time"

// Request builders leave ID zero; the stream that sends the request mints it.

// ---------------------------------------------------------------------------
// Session (KindSessionOpen, KindSessionPulse, KindSessionClose)
// ---------------------------------------------------------------------------

// NewSessionOpenRequest builds a KindSessionOpen request.
func NewSessionOpenRequest(database string, typ SessionType, opts Options) Request {
	return Request{Kind: KindSessionOpen, Database: database, SessionType: typ, Options: opts}
}

// NewSessionPulseRequest builds a KindSessionPulse request.
func NewSessionPulseRequest(sessionID []byte) Request {
	return Request{Kind: KindSessionPulse, SessionID: sessionID}
}

// NewSessionCloseRequest builds a KindSessionClose request.
func NewSessionCloseRequest(sessionID []byte) Request {
	return Request{Kind: KindSessionClose, SessionID: sessionID}
}

// NewSessionOpenResponse answers a session open with the server-assigned id.
func NewSessionOpenResponse(id RequestID, sessionID []byte) Response {
	return Response{ID: id, Kind: KindSessionOpen, SessionID: sessionID}
}

// NewPulseResponse reports whether the session is still alive on the server.
func NewPulseResponse(id RequestID, alive bool) Response {
	return Response{ID: id, Kind: KindSessionPulse, Alive: alive}
}

// ---------------------------------------------------------------------------
// Transaction (KindTransactionOpen, KindTransactionCommit, KindTransactionRollback)
// ---------------------------------------------------------------------------

// NewTransactionOpenRequest builds a KindTransactionOpen request.
// latency is the client's last measured round trip, 0 when unknown.
func NewTransactionOpenRequest(sessionID []byte, typ TransactionType, opts Options, latency time.Duration) Request {
	return Request{
		Kind:            KindTransactionOpen,
		SessionID:       sessionID,
		TransactionType: typ,
		Options:         opts,
		NetworkLatency:  latency,
	}
}

func NewCommitRequest() Request { return Request{Kind: KindTransactionCommit} }

func NewRollbackRequest() Request { return Request{Kind: KindTransactionRollback} }

// ---------------------------------------------------------------------------
// Query (KindQuery, KindQueryStream, KindStreamContinue)
// Payload = opaque query text
// ---------------------------------------------------------------------------

// NewQueryRequest builds a single-answer query.
func NewQueryRequest(payload []byte, opts Options) Request {
	return Request{Kind: KindQuery, Payload: payload, Options: opts}
}

// NewQueryStreamRequest builds a multi-answer query.
func NewQueryStreamRequest(payload []byte, opts Options) Request {
	return Request{Kind: KindQueryStream, Payload: payload, Options: opts}
}

// NewStreamContinueRequest asks for the next batch of the stream id.
func NewStreamContinueRequest(id RequestID) Request {
	return Request{ID: id, Kind: KindStreamContinue}
}

// NewPartResponse carries one batch slice of a streamed answer set.
func NewPartResponse(id RequestID, kind Kind, answers ...[]byte) Response {
	return Response{ID: id, Kind: kind, State: StatePart, Answers: answers}
}

// NewContinueResponse tells the client a batch is exhausted and more
// answers are available on request.
func NewContinueResponse(id RequestID, kind Kind) Response {
	return Response{ID: id, Kind: kind, State: StateContinue}
}

// NewDoneResponse terminates a stream.
func NewDoneResponse(id RequestID, kind Kind) Response {
	return Response{ID: id, Kind: kind, State: StateDone}
}

// ---------------------------------------------------------------------------
// Discovery (KindReplicasGet, KindDatabaseList, KindServerList)
// ---------------------------------------------------------------------------

// NewReplicasRequest asks for the replicas of database.
func NewReplicasRequest(database string) Request {
	return Request{Kind: KindReplicasGet, Database: database}
}

func NewDatabaseListRequest() Request { return Request{Kind: KindDatabaseList} }

func NewServerListRequest() Request { return Request{Kind: KindServerList} }

func NewReplicasResponse(id RequestID, replicas []Replica) Response {
	return Response{ID: id, Kind: KindReplicasGet, Replicas: replicas}
}

// NewDatabaseListResponse returns database names as answers.
func NewDatabaseListResponse(id RequestID, names []string) Response {
	answers := make([][]byte, len(names))
	for i, n := range names {
		answers[i] = []byte(n)
	}
	return Response{ID: id, Kind: KindDatabaseList, Answers: answers}
}

func NewServerListResponse(id RequestID, servers []string) Response {
	return Response{ID: id, Kind: KindServerList, Servers: servers}
}

// ---------------------------------------------------------------------------
// Generic
// ---------------------------------------------------------------------------

// NewOKResponse is an empty success for kind.
func NewOKResponse(id RequestID, kind Kind) Response {
	return Response{ID: id, Kind: kind}
}

// NewAnswerResponse is a single-answer success.
func NewAnswerResponse(id RequestID, kind Kind, answer []byte) Response {
	return Response{ID: id, Kind: kind, Answers: [][]byte{answer}}
}

// NewErrorResponse reports an application error for the request.
func NewErrorResponse(id RequestID, kind Kind, code ErrorCode, msg string) Response {
	return Response{ID: id, Kind: kind, Code: code, Message: msg}
}
