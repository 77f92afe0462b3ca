package realtime

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid realtime config")

// Config controls the websocket gateway.
type Config struct {
	// AllowedOrigins is the Origin allowlist. "*" allows any origin.
	AllowedOrigins []string
	OriginRequired bool
	// InsecureSkipVerify disables the websocket library's own origin check.
	// Development only.
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns secure defaults: origin required, localhost only.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     16,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	switch {
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: WriteTimeout must be > 0", ErrConfig)
	case c.ReadIdleTimeout <= 0:
		return fmt.Errorf("%w: ReadIdleTimeout must be > 0", ErrConfig)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("%w: SendQueueSize must be > 0", ErrConfig)
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0:
		return fmt.Errorf("%w: heartbeat interval and timeout must be > 0", ErrConfig)
	case c.HeartbeatTimeout >= c.HeartbeatInterval:
		return fmt.Errorf("%w: HeartbeatTimeout must be < HeartbeatInterval", ErrConfig)
	case c.RateEvents <= 0 || c.RateWindow <= 0:
		return fmt.Errorf("%w: rate limit must be > 0", ErrConfig)
	}
	return nil
}
