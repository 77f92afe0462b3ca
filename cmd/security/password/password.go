package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var b64 = base64.RawStdEncoding

// phc is a decoded $argon2id$ string.
type phc struct {
	params Params
	salt   []byte
	key    []byte
}

func (p phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.params.MemoryKiB,
		p.params.Iterations,
		p.params.Parallelism,
		b64.EncodeToString(p.salt),
		b64.EncodeToString(p.key),
	)
}

func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return phc{}, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return phc{}, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return phc{}, ErrInvalidHash
	}

	return phc{
		params: Params{
			MemoryKiB:   mem,
			Iterations:  it,
			Parallelism: uint8(par),
			SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded above.
			KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded above.
		},
		salt: salt,
		key:  key,
	}, nil
}

func derive(password string, salt []byte, p Params, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLen)
}

// Hash validates password against the policy and returns its PHC encoding.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	return phc{
		params: c.Params,
		salt:   salt,
		key:    derive(password, salt, c.Params, c.Params.KeyLength),
	}.String(), nil
}

// Verify reports whether password matches encoded.
// A malformed or out-of-bounds hash yields ErrInvalidHash.
func (c Config) Verify(encoded, password string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if !c.affordable(h.params) {
		return false, ErrInvalidHash
	}

	got := derive(password, h.salt, h.params, h.params.KeyLength)
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// NeedsRehash reports whether encoded was produced with different parameters.
func (c Config) NeedsRehash(encoded string) bool {
	h, err := parsePHC(encoded)
	if err != nil {
		return true
	}
	p := h.params
	return p.MemoryKiB != c.Params.MemoryKiB ||
		p.Iterations != c.Params.Iterations ||
		p.Parallelism != c.Params.Parallelism ||
		p.KeyLength != c.Params.KeyLength
}

// affordable rejects hashes whose cost is more than twice the configured cost.
func (c Config) affordable(p Params) bool {
	return p.MemoryKiB <= c.Params.MemoryKiB*2 &&
		p.Iterations <= c.Params.Iterations*2 &&
		uint32(p.Parallelism) <= uint32(c.Params.Parallelism)*2
}
