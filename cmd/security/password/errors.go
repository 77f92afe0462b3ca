package password

import (
	"errors"
	"fmt"
)

// Public, stable errors for callers.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("weak password")
	ErrInvalidHash      = errors.New("invalid password hash")
	ErrConfig           = errors.New("invalid password config")
)

// PolicyError describes which policy rule a candidate failed.
type PolicyError struct {
	Kind error
	Min  int
	Max  int
}

func (e *PolicyError) Error() string { return e.Kind.Error() }

func (e *PolicyError) Unwrap() error { return e.Kind }

// Message returns a sentence suitable for showing to the user.
func (e *PolicyError) Message() string {
	switch {
	case errors.Is(e.Kind, ErrPasswordTooShort):
		return fmt.Sprintf("Password must be at least %d characters", e.Min)
	case errors.Is(e.Kind, ErrPasswordTooLong):
		return fmt.Sprintf("Password must be at most %d characters", e.Max)
	default:
		return "Password is too easy to guess"
	}
}
