package tcpfs

import (
	"fmt"
	"net"

	"github.com/tcpfs/tcpfs/common/errors"
)

var (
	// ErrBusy is returned when a transfer is started while another one is in flight.
	ErrBusy = errors.New("transfer already in progress")
	// ErrNeedsReset is returned when a transfer is started while the machine is in ERROR.
	ErrNeedsReset = errors.New("transfer machine is in ERROR, reset it first")
	// ErrClosed is the cause of a ConnectionError once the connection was closed locally.
	ErrClosed = errors.New("connection closed")
)

// ConnectionError reports that the host was unreachable or the socket failed or closed.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tcpfs: connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the error comes from an expired deadline.
func (e *ConnectionError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ProtocolError reports a response that was not OK or could not be understood.
type ProtocolError struct {
	Req    Req
	Code   Code
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tcpfs: %s: response code %d", e.Req, e.Code)
	}
	return fmt.Sprintf("tcpfs: %s: response code %d: %s", e.Req, e.Code, e.Reason)
}

// StateMismatchError reports that the expected state token was not received.
type StateMismatchError struct {
	Expected Token
	Got      Token
	Reason   string
}

func (e *StateMismatchError) Error() string {
	s := fmt.Sprintf("tcpfs: expected state %s, got %s", e.Expected, e.Got)
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

// OverflowError reports more transfer bytes than declared.
type OverflowError struct {
	Declared int64
	Actual   int64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("tcpfs: transfer overflow: %d bytes received, %d declared", e.Actual, e.Declared)
}

func connectionError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}

// IsConnectionError reports whether err ends the connection.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
