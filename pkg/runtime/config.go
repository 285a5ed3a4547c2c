package runtime

import (
	"time"

	"github.com/corralhq/corral/pkg/capability"
)

// Config controls the engine. Wall-clock enforcement alone is
// advisory: a guest is only pre-empted mid-call when EpochInterruption
// is on, so production deployments enable both fuel and epochs.
type Config struct {
	Security *capability.SecurityPolicy

	// MaxConcurrentComponents sizes the memory pool.
	MaxConcurrentComponents int

	// FuelLimit is the per-instance fuel budget; 0 disables metering.
	FuelLimit uint64

	// EpochInterruption arms deadline-based pre-emption of running
	// guests.
	EpochInterruption bool

	// EpochTick is the interval between epoch increments.
	EpochTick time.Duration

	Debug bool
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		Security:                capability.ProductionPolicy(),
		MaxConcurrentComponents: 100,
		EpochInterruption:       true,
		EpochTick:               10 * time.Millisecond,
	}
}

// DevelopmentConfig relaxes the policy for local tooling.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Security = capability.DevelopmentPolicy()
	cfg.Debug = true
	return cfg
}

// ProductionConfig enables every enforcement mechanism.
func ProductionConfig() Config {
	cfg := DefaultConfig()
	cfg.FuelLimit = 1_000_000_000
	return cfg
}

func (c Config) epochTick() time.Duration {
	if c.EpochTick > 0 {
		return c.EpochTick
	}
	return 10 * time.Millisecond
}
