package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"warden/cmd/internal/snapshot"
)

// ErrConfig is returned for invalid process configuration.
var ErrConfig = errors.New("invalid config")

// Snapshot backends.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Authority modes.
const (
	AuthorityHTTP   = "http"
	AuthorityKratos = "kratos"
	AuthorityDev    = "dev"
)

// Config contains all runtime configuration loaded from WARDEN_* variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"127.0.0.1:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	SnapshotBackend string        `envconfig:"SNAPSHOT_BACKEND" default:"file"`
	SnapshotPath    string        `envconfig:"SNAPSHOT_PATH" default:"warden-session.json"`
	SnapshotProfile string        `envconfig:"SNAPSHOT_PROFILE" default:"default"`
	StoreTimeout    time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	DBMaxConns      int32         `envconfig:"DB_MAX_CONNS" default:"4"`
	DBMinConns      int32         `envconfig:"DB_MIN_CONNS" default:"0"`

	AuthorityMode    string        `envconfig:"AUTHORITY_MODE" default:"http"`
	AuthorityURL     string        `envconfig:"AUTHORITY_URL" default:"http://127.0.0.1:8080/authority"`
	AuthorityTimeout time.Duration `envconfig:"AUTHORITY_TIMEOUT" default:"10s"`
	VerifyTimeout    time.Duration `envconfig:"VERIFY_TIMEOUT" default:"30s"`
	DevUsersFile     string        `envconfig:"DEV_USERS_FILE"`

	// RequireTokenHMAC makes the dev authority refuse to start without
	// WARDEN_TOKEN_HMAC_KEY.
	RequireTokenHMAC bool `envconfig:"REQUIRE_TOKEN_HMAC" default:"false"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"30"`

	// WSAllowedOrigins also guards the mutating session API routes.
	WSAllowedOrigins  []string `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSOriginRequired  bool     `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSDevInsecure     bool     `envconfig:"WS_DEV_INSECURE" default:"false"`
	APIOriginRequired bool     `envconfig:"API_ORIGIN_REQUIRED" default:"false"`
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("WARDEN", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		return fmt.Errorf("%w: WARDEN_LOG_FORMAT must be json or pretty, got %q", ErrConfig, c.LogFormat)
	}

	switch c.SnapshotBackend {
	case BackendFile:
		if strings.TrimSpace(c.SnapshotPath) == "" {
			return fmt.Errorf("%w: WARDEN_SNAPSHOT_PATH is required for the file backend", ErrConfig)
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("%w: WARDEN_REDIS_ADDR is required for the redis backend", ErrConfig)
		}
		if err := c.validateProfile(); err != nil {
			return err
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: WARDEN_DATABASE_URL is required for the postgres backend", ErrConfig)
		}
		if err := c.validateProfile(); err != nil {
			return err
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown WARDEN_SNAPSHOT_BACKEND %q", ErrConfig, c.SnapshotBackend)
	}

	switch c.AuthorityMode {
	case AuthorityHTTP, AuthorityKratos:
		if strings.TrimSpace(c.AuthorityURL) == "" {
			return fmt.Errorf("%w: WARDEN_AUTHORITY_URL is required in %s mode", ErrConfig, c.AuthorityMode)
		}
	case AuthorityDev:
	default:
		return fmt.Errorf("%w: unknown WARDEN_AUTHORITY_MODE %q", ErrConfig, c.AuthorityMode)
	}

	if c.AuthorityTimeout <= 0 || c.VerifyTimeout <= 0 || c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: authority, verify and store timeouts must be > 0", ErrConfig)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("%w: WARDEN_RATE_LIMIT_PER_MINUTE must be >= 0", ErrConfig)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: WARDEN_DB_MIN_CONNS exceeds WARDEN_DB_MAX_CONNS", ErrConfig)
	}
	return nil
}

// validateProfile checks the snapshot profile and its credential sibling.
func (c Config) validateProfile() error {
	if !snapshot.ValidProfile(c.SnapshotProfile) || !snapshot.ValidProfile(snapshot.CredentialName(c.SnapshotProfile)) {
		return fmt.Errorf("%w: WARDEN_SNAPSHOT_PROFILE %q must match [A-Za-z0-9_.-] and leave room for the credential slot", ErrConfig, c.SnapshotProfile)
	}
	return nil
}
