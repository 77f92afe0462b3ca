package identity

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg may include human-readable context; it never carries credentials.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsInvalid reports whether err represents ErrInvalidInput.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsMalformed reports whether err represents ErrMalformed.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformed) }
