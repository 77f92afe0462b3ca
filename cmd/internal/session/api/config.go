package sessionapi

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid sessionapi config")

// Config controls request limits of the session API.
type Config struct {
	MaxBodyBytes int64
	// RateLimit is the number of mutating requests allowed per client IP
	// within RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration

	// AllowedOrigins is the Origin allowlist of mutating routes. "*" allows
	// any origin. Requests without an Origin header pass unless
	// OriginRequired is set.
	AllowedOrigins []string
	OriginRequired bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 64 << 10,
		RateLimit:    30,
		RateWindow:   time.Minute,

		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: MaxBodyBytes must be > 0", ErrConfig)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: RateLimit must be >= 0", ErrConfig)
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return fmt.Errorf("%w: RateWindow must be > 0", ErrConfig)
	}
	return nil
}
