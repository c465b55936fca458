package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an application error reported by the server.
type ErrorCode uint16

const (
	CodeOK ErrorCode = iota
	CodeInternal
	CodeInvalidRequest
	CodeSessionNotFound
	CodeTransactionClosed
	CodeNotPrimary
	CodeDatabaseNotFound
	CodeQuery
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInternal:
		return "internal"
	case CodeInvalidRequest:
		return "invalid_request"
	case CodeSessionNotFound:
		return "session_not_found"
	case CodeTransactionClosed:
		return "transaction_closed"
	case CodeNotPrimary:
		return "not_primary"
	case CodeDatabaseNotFound:
		return "database_not_found"
	case CodeQuery:
		return "query"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}

// ErrNotPrimary is matched (via errors.Is) by any ServerError carrying
// CodeNotPrimary. Failover logic keys off it.
var ErrNotPrimary = errors.New("protocol: replica is not the primary")

// ServerError is an application error: the server received and understood
// the request, and rejected it.
type ServerError struct {
	Code    ErrorCode
	Message string
	Kind    Kind
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error (%s) on %s", e.Code, e.Kind)
	}
	return fmt.Sprintf("server error (%s) on %s: %s", e.Code, e.Kind, e.Message)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrNotPrimary && e.Code == CodeNotPrimary
}
