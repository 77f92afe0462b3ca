package app

import (
	"errors"
	"fmt"

	"warden/cmd/security/token"
)

// minTokenHMACKeyBytes is measured in bytes since the key is used raw.
const minTokenHMACKeyBytes = 32

// devTokenHasher picks the hasher for dev authority session and reset
// tokens. With RequireTokenHMAC set, a missing or short key fails startup.
func devTokenHasher(cfg Config) (token.Hasher, error) {
	h, err := token.HasherFromEnv(minTokenHMACKeyBytes)
	if err != nil {
		if errors.Is(err, token.ErrHMACKeyTooShort) {
			return token.Hasher{}, fmt.Errorf("security policy: %s is too short (min %d bytes)", token.HMACEnvKey, minTokenHMACKeyBytes)
		}
		return token.Hasher{}, err
	}
	if cfg.RequireTokenHMAC && !h.Keyed() {
		return token.Hasher{}, fmt.Errorf("security policy: WARDEN_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
	}
	return h, nil
}
