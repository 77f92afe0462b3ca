package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "WARDEN_TOKEN_HMAC_KEY"

	// MinBytes is the smallest accepted token entropy.
	MinBytes = 16
)

// New returns a URL-safe token carrying n random bytes.
func New(n int) (string, error) {
	if n < MinBytes {
		return "", ErrTooFewBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hasher produces stable 64-char hex digests of tokens.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. A nil or empty key selects SHA-256.
func NewHasher(key []byte) Hasher {
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv builds a Hasher from WARDEN_TOKEN_HMAC_KEY.
// An unset key yields a SHA-256 hasher; a set key shorter than minBytes is an error.
func HasherFromEnv(minBytes int) (Hasher, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return Hasher{}, nil
	}
	if minBytes > 0 && len(raw) < minBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	return NewHasher([]byte(raw)), nil
}

// Keyed reports whether the hasher runs in HMAC mode.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Sum returns the hex digest of tok.
func (h Hasher) Sum(tok string) string {
	if !h.Keyed() {
		sum := sha256.Sum256([]byte(tok))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(tok))
	return hex.EncodeToString(m.Sum(nil))
}

// Match reports whether tok hashes to digest, in constant time.
func (h Hasher) Match(tok, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Sum(tok)), []byte(digest)) == 1
}
