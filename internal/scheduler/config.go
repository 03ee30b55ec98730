package scheduler

import (
	"time"

	"jobsched/internal/lease"
)

// Config holds the tick knobs. Zero values take defaults; Apply swaps a
// config in at runtime.
type Config struct {
	// HandlerTimeout bounds one handler run unless the job sets its own.
	HandlerTimeout time.Duration
	// LeaseTTL is the claim duration. 0 derives it per job as timeout + 30s.
	LeaseTTL time.Duration
	// Concurrency caps handlers running in parallel within one tick.
	Concurrency int
	// BatchSize caps jobs fetched per tick; the rest wait for the next tick.
	BatchSize int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter is the +/- fraction applied to backoff delays.
	// 0 means the default (0.2); negative disables jitter.
	RetryJitter float64

	// DefaultMaxAttempts applies to jobs created without an explicit value.
	DefaultMaxAttempts int
	// MissedThreshold is how late a run may start before it counts as missed.
	MissedThreshold time.Duration
}

const (
	DefaultHandlerTimeout  = 30 * time.Second
	DefaultConcurrency     = 8
	DefaultBatchSize       = 500
	DefaultRetryBase       = time.Second
	DefaultRetryMaxDelay   = time.Hour
	DefaultRetryJitter     = 0.2
	DefaultMaxAttempts     = 3
	DefaultMissedThreshold = time.Minute
)

func (c Config) withDefaults() Config {
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = DefaultRetryJitter
	}
	if c.RetryJitter > 1 {
		c.RetryJitter = 1
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = DefaultMissedThreshold
	}
	return c
}

func (c Config) handlerTimeout(jobTimeout time.Duration) time.Duration {
	if jobTimeout > 0 {
		return jobTimeout
	}
	return c.HandlerTimeout
}

// leaseTTL never returns less than the handler timeout plus margin, so a
// slow but healthy run is not reclaimed mid-flight.
func (c Config) leaseTTL(timeout time.Duration) time.Duration {
	floor := lease.DefaultTTL(timeout)
	if c.LeaseTTL > floor {
		return c.LeaseTTL
	}
	return floor
}
