package amrlink

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the transport. Callers match them with
// errors.Is; none of them are retried internally.
var (
	// ErrTimeout means a Call's deadline elapsed before a matching
	// response arrived. It is scoped to that one call.
	ErrTimeout = errors.New("amrlink: call timed out")

	// ErrConnClosed means the underlying connection was closed or lost.
	// Every call pending at that moment resolves with an error wrapping
	// it, and later calls fail fast with it.
	ErrConnClosed = errors.New("amrlink: connection closed")

	// ErrSequenceExhausted means every sequence number is occupied by an
	// in-flight request. In practice it indicates the peer stopped
	// responding long ago.
	ErrSequenceExhausted = errors.New("amrlink: no free sequence number")
)

// ConnError reports a failure to establish or maintain the socket.
type ConnError struct {
	Op   string // "dial", "read", "write"
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("amrlink: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// ProtocolError reports that the byte stream did not conform to the
// frame format badly enough to give up on it: the connection exhausted
// its resynchronization budget.
type ProtocolError struct {
	Addr string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("amrlink: protocol violation on %s: %v", e.Addr, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError carries a semantic failure returned by the robot in an
// ERROR frame. The transport exchange itself succeeded; the command did
// not. Never retried by this layer.
type RemoteError struct {
	Code    int    // peer-defined error code (ret_code)
	Message string // peer-defined message (err_msg)
	Payload []byte // the raw error payload, for callers that want more
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("amrlink: remote error %d", e.Code)
	}
	return fmt.Sprintf("amrlink: remote error %d: %s", e.Code, e.Message)
}

// connLost wraps the cause of a connection loss so it matches
// ErrConnClosed while preserving the underlying reason.
func connLost(cause error) error {
	if cause == nil {
		return ErrConnClosed
	}
	return fmt.Errorf("%w: %w", ErrConnClosed, cause)
}
