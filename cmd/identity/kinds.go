package identity

import "errors"

// Sentinel error kinds (stable for errors.Is).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrMalformed    = errors.New("malformed")
)
