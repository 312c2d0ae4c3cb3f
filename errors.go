package outnet

import (
	"errors"
	"fmt"
)

// Errors delivered to serviced-query callbacks. A nil error means a reply was
// received. Everything else is delivered exactly once per serviced query, to
// every registered callback.
var (
	// ErrTimeout is delivered when no reply arrived before the query timer
	// fired and all retries were used up.
	ErrTimeout = errors.New("query timed out")

	// ErrClosed is delivered when the connection dropped, a socket could not
	// be opened or bound, a resource ran out (no free ID, port or stream
	// slot), or the engine is shutting down.
	ErrClosed = errors.New("connection closed")

	// ErrCapsFail is delivered when 0x20 qname verification of the reply
	// failed.
	ErrCapsFail = errors.New("0x20 qname verification failed")
)

// QueryTimeoutError wraps ErrTimeout with the name that timed out.
type QueryTimeoutError struct {
	Qname string
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", e.Qname)
}

func (e QueryTimeoutError) Unwrap() error { return ErrTimeout }
