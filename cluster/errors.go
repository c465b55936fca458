package cluster

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable is matched by every *UnavailableError.
	ErrUnavailable = errors.New("cluster: unavailable")

	ErrNoAddresses = errors.New("cluster: no addresses")
	ErrClosed      = errors.New("cluster: client closed")
)

// UnavailableError reports that no replica could serve an operation after
// failover gave up. Tried lists every address attempted, in order.
type UnavailableError struct {
	Database string
	Tried    []string
	Err      error // last failure seen, if any
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	b.WriteString("cluster: unable to reach")
	if e.Database != "" {
		fmt.Fprintf(&b, " a replica of %q", e.Database)
	} else {
		b.WriteString(" any server")
	}
	if len(e.Tried) > 0 {
		fmt.Fprintf(&b, " (tried %s)", strings.Join(e.Tried, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
