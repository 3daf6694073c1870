package procpool

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge/procpool/metrics"
)

// config holds Pool configuration.
type config struct {
	// Limit caps the number of concurrently running worker processes.
	// Must be > 0.
	Limit int

	// IdleTimeout bounds the readiness wait in the scheduling loop. On expiry
	// with no state change since the previous cycle the pool logs a
	// queue-depth snapshot and continues; an idle timeout is not an error.
	// Default: 5s.
	IdleTimeout time.Duration

	// TermGrace is how long Terminate waits for children to exit after
	// SIGTERM before escalating to SIGKILL.
	// Default: 3s.
	TermGrace time.Duration

	// KillGrace is how long Terminate waits after SIGKILL before giving up on
	// a child and leaving it un-reaped.
	// Default: 3s.
	KillGrace time.Duration

	// ReapGrace bounds the final reap pass at the end of a normal run, for
	// children whose exit notification lagged the channel close.
	// Default: 2s.
	ReapGrace time.Duration

	// Logger receives pool and task diagnostics. Injected, never global.
	// Default: zerolog.Nop().
	Logger zerolog.Logger

	// Metrics constructs the pool's instruments.
	// Default: metrics.NewNoopProvider().
	Metrics metrics.Provider
}

// defaultConfig centralizes default values for config.
func defaultConfig() config {
	return config{
		Limit:       1,
		IdleTimeout: 5 * time.Second,
		TermGrace:   3 * time.Second,
		KillGrace:   3 * time.Second,
		ReapGrace:   2 * time.Second,
		Logger:      zerolog.Nop(),
		Metrics:     metrics.NewNoopProvider(),
	}
}

// validateConfig performs invariants checks after options are applied.
func validateConfig(cfg *config) error {
	if cfg.Limit <= 0 {
		return errInvalidConfig("concurrency limit must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return errInvalidConfig("idle timeout must be > 0")
	}
	if cfg.TermGrace < 0 || cfg.KillGrace < 0 || cfg.ReapGrace < 0 {
		return errInvalidConfig("grace periods must not be negative")
	}
	if cfg.Metrics == nil {
		return errInvalidConfig("metrics provider must not be nil")
	}
	return nil
}
