package snapshot

import (
	"context"
	"fmt"
	"regexp"
)

const (
	// KeyAuthUser names the identity payload slot.
	KeyAuthUser = "auth_user"
	// KeyIsAuthenticated names the presence flag slot.
	KeyIsAuthenticated = "is_authenticated"

	flagTrue = "true"
)

// Store is the durable surface owned by the session machine.
//
// Read returns ok=false with a nil error when no snapshot exists.
// Implementations must be safe for concurrent use.
type Store interface {
	Read(ctx context.Context) (payload []byte, ok bool, err error)
	Write(ctx context.Context, payload []byte) error
	Clear(ctx context.Context) error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

var profileRE = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// credentialSuffix names the sibling slot that holds the authority credential.
const credentialSuffix = ".credential"

// CredentialName returns the profile or file path of the credential slot
// paired with the snapshot stored under name.
func CredentialName(name string) string {
	return name + credentialSuffix
}

// ValidProfile reports whether name is usable as a backend profile key.
func ValidProfile(name string) bool {
	return profileRE.MatchString(name)
}

// resolvePair interprets a stored (flag, payload) pair.
func resolvePair(flag string, payload []byte) ([]byte, bool, error) {
	switch {
	case flag == "" && len(payload) == 0:
		return nil, false, nil
	case flag == flagTrue && len(payload) > 0:
		return payload, true, nil
	default:
		return nil, false, fmt.Errorf("%w: %w: flag %q with %d-byte payload", ErrCorrupt, ErrTorn, flag, len(payload))
	}
}
