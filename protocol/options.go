package protocol

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

type SessionType uint8

const (
	SessionData SessionType = iota
	SessionSchema
)

func (t SessionType) String() string {
	switch t {
	case SessionData:
		return "DATA"
	case SessionSchema:
		return "SCHEMA"
	default:
		return fmt.Sprintf("SessionType(%d)", uint8(t))
	}
}

// ParseSessionType accepts the names printed by String, case-insensitively.
func ParseSessionType(s string) (SessionType, error) {
	switch strings.ToUpper(s) {
	case "", "DATA":
		return SessionData, nil
	case "SCHEMA":
		return SessionSchema, nil
	}
	return 0, fmt.Errorf("unknown session type %q", s)
}

type TransactionType uint8

const (
	TransactionRead TransactionType = iota
	TransactionWrite
)

func (t TransactionType) String() string {
	switch t {
	case TransactionRead:
		return "READ"
	case TransactionWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("TransactionType(%d)", uint8(t))
	}
}

// Options are per-session, per-transaction or per-query knobs. Zero values
// mean "server default"; the driver core forwards them without looking.
type Options struct {
	Infer          bool
	TraceInference bool
	Explain        bool
	Parallel       bool

	// BatchSize is the number of answers the server returns before asking
	// for a continuation.
	BatchSize int
	Prefetch  bool

	SessionIdleTimeout       time.Duration
	TransactionTimeout       time.Duration
	SchemaLockAcquireTimeout time.Duration

	// ReadAnyReplica lets read transactions run on a secondary replica.
	ReadAnyReplica bool
}

const (
	optInfer              protowire.Number = 1
	optTraceInference     protowire.Number = 2
	optExplain            protowire.Number = 3
	optParallel           protowire.Number = 4
	optBatchSize          protowire.Number = 5
	optPrefetch           protowire.Number = 6
	optSessionIdleTimeout protowire.Number = 7
	optTxTimeout          protowire.Number = 8
	optSchemaLockTimeout  protowire.Number = 9
	optReadAnyReplica     protowire.Number = 10
)

func marshalOptions(o Options) []byte {
	var b []byte
	b = appendBool(b, optInfer, o.Infer)
	b = appendBool(b, optTraceInference, o.TraceInference)
	b = appendBool(b, optExplain, o.Explain)
	b = appendBool(b, optParallel, o.Parallel)
	if o.BatchSize > 0 {
		b = appendVarint(b, optBatchSize, uint64(o.BatchSize))
	}
	b = appendBool(b, optPrefetch, o.Prefetch)
	b = appendVarint(b, optSessionIdleTimeout, durationMillis(o.SessionIdleTimeout))
	b = appendVarint(b, optTxTimeout, durationMillis(o.TransactionTimeout))
	b = appendVarint(b, optSchemaLockTimeout, durationMillis(o.SchemaLockAcquireTimeout))
	b = appendBool(b, optReadAnyReplica, o.ReadAnyReplica)
	return b
}

func unmarshalOptions(b []byte) (Options, error) {
	var o Options
	err := walk(b, func(f field) error {
		if f.typ != protowire.VarintType {
			return nil
		}
		switch f.num {
		case optInfer:
			o.Infer = f.u != 0
		case optTraceInference:
			o.TraceInference = f.u != 0
		case optExplain:
			o.Explain = f.u != 0
		case optParallel:
			o.Parallel = f.u != 0
		case optBatchSize:
			o.BatchSize = int(f.u)
		case optPrefetch:
			o.Prefetch = f.u != 0
		case optSessionIdleTimeout:
			o.SessionIdleTimeout = time.Duration(f.u) * time.Millisecond
		case optTxTimeout:
			o.TransactionTimeout = time.Duration(f.u) * time.Millisecond
		case optSchemaLockTimeout:
			o.SchemaLockAcquireTimeout = time.Duration(f.u) * time.Millisecond
		case optReadAnyReplica:
			o.ReadAnyReplica = f.u != 0
		}
		return nil
	})
	return o, err
}

func durationMillis(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Milliseconds())
}

// ---------------------------------------------------------------------------
// Replicas
// ---------------------------------------------------------------------------

// Role is a replica's standing in its database's consensus group.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Replica describes one copy of a database hosted by a cluster member.
type Replica struct {
	Address  string
	Database string
	Role     Role
	Term     uint64

	// Preferred marks the secondary the server recommends for reads.
	Preferred bool
}

func (r Replica) IsPrimary() bool { return r.Role == RoleLeader }

func (r Replica) String() string {
	return fmt.Sprintf("%s/%s(%s,term=%d)", r.Address, r.Database, r.Role, r.Term)
}

const (
	replicaAddress   protowire.Number = 1
	replicaDatabase  protowire.Number = 2
	replicaRole      protowire.Number = 3
	replicaTerm      protowire.Number = 4
	replicaPreferred protowire.Number = 5
)

func marshalReplica(r Replica) []byte {
	var b []byte
	b = appendString(b, replicaAddress, r.Address)
	b = appendString(b, replicaDatabase, r.Database)
	b = appendVarint(b, replicaRole, uint64(r.Role))
	b = appendVarint(b, replicaTerm, r.Term)
	b = appendBool(b, replicaPreferred, r.Preferred)
	return b
}

func unmarshalReplica(b []byte) (Replica, error) {
	var r Replica
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case replicaAddress:
			r.Address, err = f.string()
		case replicaDatabase:
			r.Database, err = f.string()
		case replicaRole:
			var v uint64
			v, err = f.varint()
			r.Role = Role(v)
		case replicaTerm:
			r.Term, err = f.varint()
		case replicaPreferred:
			var v uint64
			v, err = f.varint()
			r.Preferred = v != 0
		}
		return err
	})
	return r, err
}
