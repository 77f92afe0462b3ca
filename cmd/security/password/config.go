package password

import (
	"fmt"
	"math"
	"runtime"

	"github.com/kelseyhightower/envconfig"
)

// Params controls Argon2id cost. MemoryKiB is in KiB as required by argon2.IDKey.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds accepted credentials.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Params
	Policy Policy
}

// DefaultConfig returns interactive-login cost with CPU-aware parallelism clamped to [1..4].
func DefaultConfig() Config {
	threads := min(max(runtime.NumCPU(), 1), 4)

	return Config{
		Params: Params{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
	}
}

// LowCostConfig returns cheap parameters for tests and throwaway dev users.
func LowCostConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

// envSpec is the environment surface, read with prefix WARDEN_PASSWORD.
type envSpec struct {
	MinLen         *int    `envconfig:"MIN_LEN"`
	MaxLen         *int    `envconfig:"MAX_LEN"`
	RejectVeryWeak *bool   `envconfig:"REJECT_VERY_WEAK"`
	MemoryKiB      *uint32 `envconfig:"ARGON2_MEMORY_KIB"`
	Iterations     *uint32 `envconfig:"ARGON2_ITERATIONS"`
	Parallelism    *uint32 `envconfig:"ARGON2_PARALLELISM"`
}

// FromEnv overlays WARDEN_PASSWORD_* variables on base.
//
// Env surface:
//   - WARDEN_PASSWORD_MIN_LEN, WARDEN_PASSWORD_MAX_LEN
//   - WARDEN_PASSWORD_REJECT_VERY_WEAK
//   - WARDEN_PASSWORD_ARGON2_MEMORY_KIB, _ITERATIONS, _PARALLELISM
func FromEnv(base Config) (Config, error) {
	var spec envSpec
	if err := envconfig.Process("WARDEN_PASSWORD", &spec); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	cfg := base
	if spec.MinLen != nil {
		cfg.Policy.MinLength = *spec.MinLen
	}
	if spec.MaxLen != nil {
		cfg.Policy.MaxLength = *spec.MaxLen
	}
	if spec.RejectVeryWeak != nil {
		cfg.Policy.RejectVeryWeak = *spec.RejectVeryWeak
	}
	if spec.MemoryKiB != nil {
		cfg.Params.MemoryKiB = *spec.MemoryKiB
	}
	if spec.Iterations != nil {
		cfg.Params.Iterations = *spec.Iterations
	}
	if spec.Parallelism != nil {
		if *spec.Parallelism > math.MaxUint8 {
			return Config{}, fmt.Errorf("%w: parallelism out of range", ErrConfig)
		}
		cfg.Params.Parallelism = uint8(*spec.Parallelism)
	}

	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Check validates the configuration itself.
func (c Config) Check() error {
	switch {
	case c.Policy.MinLength < 1 || c.Policy.MaxLength > 4096:
		return fmt.Errorf("%w: length bounds out of range", ErrConfig)
	case c.Policy.MinLength > c.Policy.MaxLength:
		return fmt.Errorf("%w: min_len(%d) > max_len(%d)", ErrConfig, c.Policy.MinLength, c.Policy.MaxLength)
	case c.Params.MemoryKiB < 8*1024 || c.Params.MemoryKiB > 1024*1024:
		return fmt.Errorf("%w: memory out of range [8MiB..1GiB]", ErrConfig)
	case c.Params.Iterations < 1 || c.Params.Iterations > 20:
		return fmt.Errorf("%w: iterations out of range [1..20]", ErrConfig)
	case c.Params.Parallelism < 1:
		return fmt.Errorf("%w: parallelism must be positive", ErrConfig)
	case c.Params.SaltLength < 8 || c.Params.SaltLength > 64:
		return fmt.Errorf("%w: salt length out of range [8..64]", ErrConfig)
	case c.Params.KeyLength < 16 || c.Params.KeyLength > 64:
		return fmt.Errorf("%w: key length out of range [16..64]", ErrConfig)
	}
	return nil
}
