package session

import (
	"errors"

	"warden/cmd/internal/authority"
)

// ErrSuperseded is returned when a newer login or logout applied while an
// operation's authority call was in flight; its result was discarded.
var ErrSuperseded = errors.New("session superseded")

// ErrConfig is returned for invalid Machine construction.
var ErrConfig = errors.New("invalid session config")

// FailureKind classifies a Facade failure.
type FailureKind string

const (
	FailureRejected        FailureKind = "rejected"
	FailureUnauthenticated FailureKind = "unauthenticated"
	FailureTransport       FailureKind = "transport"
	FailureSuperseded      FailureKind = "superseded"
)

// User-facing messages.
const (
	MsgLoginFailed      = "An unexpected error occurred during login"
	MsgRegisterFailed   = "An unexpected error occurred during registration"
	MsgResetEmailFailed = "An unexpected error occurred while sending reset email"
	MsgResetFailed      = "An unexpected error occurred while resetting password"
	MsgRefreshFailed    = "An unexpected error occurred while checking authentication status"
	MsgNotSignedIn      = "You are not signed in"
	MsgSuperseded       = "The session changed while this request was in flight"
)

// Failure is the error type returned by Facade operations.
// Error returns the message intended for the user.
type Failure struct {
	Op      string
	Kind    FailureKind
	Message string
	cause   error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.cause }

func genericMessage(op string) string {
	switch op {
	case authority.OpLogin:
		return MsgLoginFailed
	case authority.OpRegister:
		return MsgRegisterFailed
	case authority.OpSendResetEmail:
		return MsgResetEmailFailed
	case authority.OpResetPassword:
		return MsgResetFailed
	default:
		return MsgRefreshFailed
	}
}

// toFailure maps an operation error onto the user-facing contract.
func toFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSuperseded) {
		return &Failure{Op: op, Kind: FailureSuperseded, Message: MsgSuperseded, cause: err}
	}

	switch authority.KindOf(err) {
	case authority.KindRejected:
		msg := authority.MessageOf(err)
		if msg == "" {
			msg = genericMessage(op)
		}
		return &Failure{Op: op, Kind: FailureRejected, Message: msg, cause: err}
	case authority.KindUnauthenticated:
		// Refresh reports a missing session; other operations relay the
		// authority's reason when it gave one.
		msg := authority.MessageOf(err)
		switch {
		case op == opRefresh:
			msg = MsgNotSignedIn
		case msg == "":
			msg = genericMessage(op)
		}
		return &Failure{Op: op, Kind: FailureUnauthenticated, Message: msg, cause: err}
	default:
		return &Failure{Op: op, Kind: FailureTransport, Message: genericMessage(op), cause: err}
	}
}
