// Package protocol defines the messages exchanged between the driver and a
// graph database server, and their wire encoding.
//
// Every message carries the RequestID it belongs to. Requests and responses
// travel in batches: one frame holds one batch. Individual messages are
// protobuf-wire encoded with hand-assigned field numbers, so the payloads
// stay readable by any protobuf decoder without generated code.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrUnknownKind    = errors.New("protocol: unknown kind")
)

// RequestID identifies one logical request on a multiplexed stream.
// It is a random 128-bit value; uniqueness is a property of the randomness,
// not of any registry.
type RequestID [16]byte

// NewRequestID mints a fresh random RequestID.
func NewRequestID() RequestID { return RequestID(uuid.New()) }

func (id RequestID) String() string { return uuid.UUID(id).String() }

func (id RequestID) IsZero() bool { return id == RequestID{} }

type Kind uint8

const (
	KindUnknown Kind = iota
	KindSessionOpen
	KindSessionPulse
	KindSessionClose
	KindTransactionOpen
	KindTransactionCommit
	KindTransactionRollback
	KindQuery          // single answer
	KindQueryStream    // multiple answers, served in batches
	KindStreamContinue // fetch the next batch of an open stream
	KindReplicasGet
	KindDatabaseList
	KindServerList

	kindMaxKnown // Sentinel: update when adding new kinds
)

// Valid reports whether k is a kind a request may carry.
func (k Kind) Valid() bool { return k > KindUnknown && k < kindMaxKnown }

func (k Kind) String() string {
	switch k {
	case KindSessionOpen:
		return "session_open"
	case KindSessionPulse:
		return "session_pulse"
	case KindSessionClose:
		return "session_close"
	case KindTransactionOpen:
		return "transaction_open"
	case KindTransactionCommit:
		return "transaction_commit"
	case KindTransactionRollback:
		return "transaction_rollback"
	case KindQuery:
		return "query"
	case KindQueryStream:
		return "query_stream"
	case KindStreamContinue:
		return "stream_continue"
	case KindReplicasGet:
		return "replicas_get"
	case KindDatabaseList:
		return "database_list"
	case KindServerList:
		return "server_list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// StreamState marks where a response sits in its exchange.
type StreamState uint8

const (
	StateNone     StreamState = iota // single-answer response
	StatePart                        // one partial answer of a stream
	StateContinue                    // batch exhausted; more remain on request
	StateDone                        // stream finished
)

func (s StreamState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePart:
		return "part"
	case StateContinue:
		return "continue"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Request struct {
	ID        RequestID
	Kind      Kind
	SessionID []byte
	Database  string

	SessionType     SessionType
	TransactionType TransactionType
	Options         Options

	// Payload is the opaque query or concept message. The driver core never
	// looks inside it.
	Payload []byte

	// NetworkLatency is reported on transaction open so the server can
	// account for it in its own timeouts.
	NetworkLatency time.Duration
}

type Response struct {
	ID    RequestID
	Kind  Kind
	State StreamState

	// Answers are opaque, already-serialized answers. A part usually carries
	// one or more; single responses carry zero or one.
	Answers [][]byte

	SessionID []byte
	Alive     bool
	Replicas  []Replica
	Servers   []string

	Code    ErrorCode
	Message string
}

// Err returns the application error carried by the response, or nil.
func (r Response) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	return &ServerError{Code: r.Code, Message: r.Message, Kind: r.Kind}
}

// Field numbers. Changing any of them breaks wire compatibility.
const (
	reqID             protowire.Number = 1
	reqKind           protowire.Number = 2
	reqSessionID      protowire.Number = 3
	reqDatabase       protowire.Number = 4
	reqSessionType    protowire.Number = 5
	reqTxType         protowire.Number = 6
	reqOptions        protowire.Number = 7
	reqPayload        protowire.Number = 8
	reqNetworkLatency protowire.Number = 9

	respID        protowire.Number = 1
	respKind      protowire.Number = 2
	respState     protowire.Number = 3
	respAnswers   protowire.Number = 4
	respSessionID protowire.Number = 5
	respAlive     protowire.Number = 6
	respReplicas  protowire.Number = 7
	respServers   protowire.Number = 8
	respCode      protowire.Number = 9
	respMessage   protowire.Number = 10

	batchMessages protowire.Number = 1
)

// MarshalRequest encodes a single request (without batch envelope or frame).
func MarshalRequest(req Request) ([]byte, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, req.Kind)
	}
	var b []byte
	b = appendBytes(b, reqID, req.ID[:])
	b = appendVarint(b, reqKind, uint64(req.Kind))
	b = appendBytes(b, reqSessionID, req.SessionID)
	b = appendString(b, reqDatabase, req.Database)
	b = appendVarint(b, reqSessionType, uint64(req.SessionType))
	b = appendVarint(b, reqTxType, uint64(req.TransactionType))
	if opts := marshalOptions(req.Options); len(opts) > 0 {
		b = appendBytes(b, reqOptions, opts)
	}
	b = appendBytes(b, reqPayload, req.Payload)
	b = appendVarint(b, reqNetworkLatency, uint64(req.NetworkLatency.Milliseconds()))
	return b, nil
}

// UnmarshalRequest decodes a single request. The result does not alias b.
func UnmarshalRequest(b []byte) (Request, error) {
	var req Request
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case reqID:
			err = f.requestID(&req.ID)
		case reqKind:
			var v uint64
			v, err = f.varint()
			req.Kind = Kind(v)
		case reqSessionID:
			req.SessionID, err = f.copyBytes()
		case reqDatabase:
			req.Database, err = f.string()
		case reqSessionType:
			var v uint64
			v, err = f.varint()
			req.SessionType = SessionType(v)
		case reqTxType:
			var v uint64
			v, err = f.varint()
			req.TransactionType = TransactionType(v)
		case reqOptions:
			if err = f.want(protowire.BytesType); err == nil {
				req.Options, err = unmarshalOptions(f.bytes)
			}
		case reqPayload:
			req.Payload, err = f.copyBytes()
		case reqNetworkLatency:
			var v uint64
			v, err = f.varint()
			req.NetworkLatency = time.Duration(v) * time.Millisecond
		}
		return err
	})
	if err != nil {
		return Request{}, err
	}
	if !req.Kind.Valid() {
		return Request{}, fmt.Errorf("%w: %d", ErrUnknownKind, req.Kind)
	}
	return req, nil
}

// MarshalResponse encodes a single response (without batch envelope or frame).
func MarshalResponse(resp Response) ([]byte, error) {
	if resp.State > StateDone {
		return nil, fmt.Errorf("%w: stream state %d", ErrInvalidMessage, resp.State)
	}
	var b []byte
	b = appendBytes(b, respID, resp.ID[:])
	b = appendVarint(b, respKind, uint64(resp.Kind))
	b = appendVarint(b, respState, uint64(resp.State))
	for _, a := range resp.Answers {
		// Repeated: empty answers are still answers.
		b = protowire.AppendTag(b, respAnswers, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	b = appendBytes(b, respSessionID, resp.SessionID)
	if resp.Alive {
		b = appendVarint(b, respAlive, 1)
	}
	for _, r := range resp.Replicas {
		b = protowire.AppendTag(b, respReplicas, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalReplica(r))
	}
	for _, s := range resp.Servers {
		b = protowire.AppendTag(b, respServers, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendVarint(b, respCode, uint64(resp.Code))
	b = appendString(b, respMessage, resp.Message)
	return b, nil
}

// UnmarshalResponse decodes a single response. The result does not alias b.
func UnmarshalResponse(b []byte) (Response, error) {
	var resp Response
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case respID:
			err = f.requestID(&resp.ID)
		case respKind:
			var v uint64
			v, err = f.varint()
			resp.Kind = Kind(v)
		case respState:
			var v uint64
			v, err = f.varint()
			resp.State = StreamState(v)
		case respAnswers:
			var a []byte
			if a, err = f.copyBytes(); err == nil {
				if a == nil {
					a = []byte{}
				}
				resp.Answers = append(resp.Answers, a)
			}
		case respSessionID:
			resp.SessionID, err = f.copyBytes()
		case respAlive:
			var v uint64
			v, err = f.varint()
			resp.Alive = v != 0
		case respReplicas:
			if err = f.want(protowire.BytesType); err == nil {
				var r Replica
				if r, err = unmarshalReplica(f.bytes); err == nil {
					resp.Replicas = append(resp.Replicas, r)
				}
			}
		case respServers:
			var s string
			if s, err = f.string(); err == nil {
				resp.Servers = append(resp.Servers, s)
			}
		case respCode:
			var v uint64
			v, err = f.varint()
			resp.Code = ErrorCode(v)
		case respMessage:
			resp.Message, err = f.string()
		}
		return err
	})
	if err != nil {
		return Response{}, err
	}
	if resp.State > StateDone {
		return Response{}, fmt.Errorf("%w: stream state %d", ErrInvalidMessage, resp.State)
	}
	return resp, nil
}

func marshalBatch(msgs [][]byte) []byte {
	var b []byte
	for _, m := range msgs {
		b = protowire.AppendTag(b, batchMessages, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func unmarshalBatch(b []byte) ([][]byte, error) {
	var msgs [][]byte
	err := walk(b, func(f field) error {
		if f.num != batchMessages {
			return nil
		}
		if err := f.want(protowire.BytesType); err != nil {
			return err
		}
		msgs = append(msgs, f.bytes)
		return nil
	})
	return msgs, err
}

// ---------------------------------------------------------------------------
// protowire helpers
// ---------------------------------------------------------------------------

type field struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte // aliases the input
}

func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidMessage, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) want(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrInvalidMessage, f.num, f.typ, typ)
	}
	return nil
}

func (f field) varint() (uint64, error) {
	if err := f.want(protowire.VarintType); err != nil {
		return 0, err
	}
	return f.u, nil
}

func (f field) copyBytes() ([]byte, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return nil, err
	}
	if len(f.bytes) == 0 {
		return nil, nil
	}
	return append([]byte(nil), f.bytes...), nil
}

func (f field) string() (string, error) {
	if err := f.want(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.bytes), nil
}

func (f field) requestID(dst *RequestID) error {
	if err := f.want(protowire.BytesType); err != nil {
		return err
	}
	if len(f.bytes) != len(dst) {
		return fmt.Errorf("%w: request id is %d bytes", ErrInvalidMessage, len(f.bytes))
	}
	copy(dst[:], f.bytes)
	return nil
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}
