package devauthority

import (
	"errors"
	"fmt"
	"time"

	"warden/cmd/security/password"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid devauthority config")

// Config controls the development authority.
type Config struct {
	CookieName   string
	SessionTTL   time.Duration
	ResetTTL     time.Duration
	TokenBytes   int
	MaxBodyBytes int64
	SecureCookie bool
	Password     password.Config
}

// DefaultConfig returns settings suitable for local development.
func DefaultConfig() Config {
	return Config{
		CookieName:   "warden_dev_session",
		SessionTTL:   24 * time.Hour,
		ResetTTL:     30 * time.Minute,
		TokenBytes:   32,
		MaxBodyBytes: 64 << 10,
		Password:     password.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.CookieName == "":
		return fmt.Errorf("%w: empty cookie name", ErrConfig)
	case c.SessionTTL <= 0 || c.ResetTTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrConfig)
	case c.TokenBytes < 16:
		return fmt.Errorf("%w: token bytes must be >= 16", ErrConfig)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: max body bytes must be positive", ErrConfig)
	}
	if err := c.Password.Check(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}
