package amqp

import (
	"fmt"

	"github.com/qpid-go/amqpcore/internal/encoding"
)

// Error is an AMQP error condition, description, and additional information
// carried on a CLOSE/DETACH/END performative.
type Error = encoding.Error

// ErrorCondition is the symbolic name of an AMQP error condition.
type ErrorCondition = encoding.ErrorCondition

// well-known error conditions, re-exported for callers that want to compare
// against *Error.Condition without importing the internal encoding package.
const (
	ErrCondDecodeError           = encoding.ErrCondDecodeError
	ErrCondFramingError          = encoding.ErrCondFramingError
	ErrCondResourceLimitExceeded = encoding.ErrCondResourceLimitExceeded
	ErrCondInternalError         = encoding.ErrCondInternalError
	ErrCondNotAllowed            = encoding.ErrCondNotAllowed
	ErrCondInvalidField          = encoding.ErrCondInvalidField
	ErrCondLinkDetachForced      = encoding.ErrCondLinkDetachForced
	ErrCondTransferLimitExceeded = encoding.ErrCondTransferLimitExceeded
	ErrCondHandleInUse           = encoding.ErrCondHandleInUse
	ErrCondUnattachedHandle      = encoding.ErrCondUnattachedHandle
	ErrCondWindowViolation       = encoding.ErrCondWindowViolation
	ErrCondConnectionForced      = encoding.ErrCondConnectionForced
)

// conditionError tags a local failure with the wire-level condition that
// must accompany the Close performative reporting it to the peer. It wraps
// the underlying error so callers still see the original failure.
type conditionError struct {
	cond ErrorCondition
	err  error
}

func (e *conditionError) Error() string {
	return e.err.Error()
}

func (e *conditionError) Unwrap() error {
	return e.err
}

// ConnectionError is returned when the connection has been closed, either by
// the peer or due to a local error.
type ConnectionError struct {
	// RemoteErr is set when the peer closed the connection with an error.
	RemoteErr *Error
}

func (e *ConnectionError) Error() string {
	if e.RemoteErr == nil {
		return "amqp: connection closed"
	}
	return fmt.Sprintf("amqp: connection closed: %s", e.RemoteErr)
}

// SessionError is returned when a session has been closed, either by the
// peer or due to a local error.
type SessionError struct {
	// RemoteErr is set when the peer closed the session with an error.
	RemoteErr *Error
}

func (e *SessionError) Error() string {
	if e.RemoteErr == nil {
		return "amqp: session closed"
	}
	return fmt.Sprintf("amqp: session closed: %s", e.RemoteErr)
}

// LinkError is returned by Sender/Receiver operations when the link has
// terminated, either locally (inner set) or by the peer (RemoteErr set).
// Both may be nil when the link was closed cleanly by the caller.
type LinkError struct {
	inner     error
	RemoteErr *Error
}

func (e *LinkError) Error() string {
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: link closed: %s", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: link closed: %s", e.inner)
	}
	return "amqp: link closed"
}

func (e *LinkError) Unwrap() error {
	return e.inner
}

// Is reports whether e and target are both "empty" LinkErrors (no inner
// error, no remote error) so that callers can compare a link's terminal
// error against the ErrLinkClosed sentinel with errors.Is, even though each
// closed link constructs its own *LinkError value.
func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.inner == nil && e.RemoteErr == nil && t.inner == nil && t.RemoteErr == nil
}

// DetachError is returned when the peer initiates a detach of the link with
// an error.
type DetachError struct {
	RemoteError *Error
}

func (e *DetachError) Error() string {
	if e.RemoteError == nil {
		return "amqp: link detached"
	}
	return fmt.Sprintf("amqp: link detached: %s", e.RemoteError)
}

// ErrLinkClosed is returned by Sender.Send/Receiver.Receive when called
// after the link's Close method has returned.
var ErrLinkClosed = &LinkError{}

// ErrConnClosed is a ConnectionError carrying no remote error. Conn methods
// do not return this value, and ConnectionError has no Is method, so
// errors.Is matches it only by identity.
var ErrConnClosed = &ConnectionError{}

// ErrSessionClosed is a SessionError carrying no remote error. Session
// methods do not return this value, and SessionError has no Is method, so
// errors.Is matches it only by identity.
var ErrSessionClosed = &SessionError{}
