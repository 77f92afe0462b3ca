package snapshot

import (
	"encoding/json"
	"fmt"

	"warden/cmd/identity"
)

// Encode serializes a validated identity into the snapshot payload format.
func Encode(v identity.Identity) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot encode: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot encode: %w", err)
	}
	return b, nil
}

// Decode parses a snapshot payload. Failures wrap ErrCorrupt.
func Decode(payload []byte) (identity.Identity, error) {
	v, err := identity.Parse(payload)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v, nil
}
