package snapshot

import "errors"

var (
	// ErrCorrupt is returned by Read when the stored container is torn or unparsable.
	ErrCorrupt = errors.New("snapshot corrupt")

	// ErrTorn marks the ErrCorrupt case of a flag without a payload or a
	// payload without the flag.
	ErrTorn = errors.New("snapshot pair torn")

	// ErrEmptyPayload is returned by Write for a zero-length payload.
	ErrEmptyPayload = errors.New("snapshot payload is empty")

	// ErrConfig is returned for invalid backend configuration.
	ErrConfig = errors.New("invalid snapshot config")
)
