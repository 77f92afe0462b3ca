package authority

import (
	"errors"
	"fmt"
)

// Kind classifies an authority failure.
type Kind int

const (
	// KindTransport covers network failures, timeouts, malformed responses and recovered panics.
	KindTransport Kind = iota
	// KindRejected means the authority explicitly refused the request.
	KindRejected
	// KindUnauthenticated means WhoAmI found no session.
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "transport"
	}
}

// ErrNoSession is the cause carried by unauthenticated errors.
var ErrNoSession = errors.New("no authenticated session")

// Error is the typed failure returned by every Authority adapter.
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("authority %s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("authority %s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("authority %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("authority %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Rejected builds a KindRejected error. msg is shown to the user verbatim.
func Rejected(op, msg string) *Error {
	return &Error{Op: op, Kind: KindRejected, Message: msg}
}

// Unauthenticated builds a KindUnauthenticated error.
func Unauthenticated(op, msg string) *Error {
	return &Error{Op: op, Kind: KindUnauthenticated, Message: msg, Err: ErrNoSession}
}

// Transport builds a KindTransport error.
func Transport(op string, err error) *Error {
	return &Error{Op: op, Kind: KindTransport, Err: err}
}

// KindOf returns the Kind of err. Errors that are not *Error are transport failures.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransport
}

// MessageOf returns the authority-provided message of err, if any.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return ""
}

// normalize converts any non-nil error into an *Error for op.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Transport(op, err)
}
