package realtime

import (
	"time"

	"warden/cmd/identity/ids"
)

// NewConnectionID returns a ULID used as websocket connection id.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
