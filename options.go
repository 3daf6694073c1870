package procpool

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/ygrebnov/errorc"

	"github.com/taskforge/procpool/metrics"
)

// Option configures a Pool. Use New(limit, opts...) to construct a Pool via
// options. Options return an error on invalid input instead of panicking.
type Option func(*config) error

func errInvalidConfig(msg string) error {
	return errorc.With(ErrInvalidConfig, errorc.String("", msg))
}

// WithLogger injects the logger used for pool and task diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(cfg *config) error { cfg.Logger = log; return nil }
}

// WithMetrics injects the metrics provider (must not be nil).
func WithMetrics(p metrics.Provider) Option {
	return func(cfg *config) error {
		if p == nil {
			return errInvalidConfig("WithMetrics requires a non-nil provider")
		}
		cfg.Metrics = p
		return nil
	}
}

// WithIdleTimeout sets the bounded readiness wait of the scheduling loop
// (default 5s, must be > 0).
func WithIdleTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return errInvalidConfig("WithIdleTimeout requires d > 0")
		}
		cfg.IdleTimeout = d
		return nil
	}
}

// WithTermGrace sets how long Terminate waits after SIGTERM before escalating
// (default 3s).
func WithTermGrace(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return errInvalidConfig("WithTermGrace requires d >= 0")
		}
		cfg.TermGrace = d
		return nil
	}
}

// WithKillGrace sets how long Terminate waits after SIGKILL before giving up
// (default 3s).
func WithKillGrace(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return errInvalidConfig("WithKillGrace requires d >= 0")
		}
		cfg.KillGrace = d
		return nil
	}
}

// WithReapGrace bounds the final reap pass after a normal run (default 2s).
func WithReapGrace(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return errInvalidConfig("WithReapGrace requires d >= 0")
		}
		cfg.ReapGrace = d
		return nil
	}
}
