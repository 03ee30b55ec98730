package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffDelayExponential(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second, RetryJitter: -1}.withDefaults()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.failures, errors.New("x")); got != tt.want {
			t.Fatalf("failures=%d: got %v want %v", tt.failures, got, tt.want)
		}
	}
}

func TestBackoffDelayRetryAfterIsCapped(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: time.Second, RetryMaxDelay: time.Minute, RetryJitter: -1}.withDefaults()
	if got := backoffDelay(cfg, 1, RetryAfter(errors.New("429"), 5*time.Second)); got != 5*time.Second {
		t.Fatalf("hint: got %v", got)
	}
	if got := backoffDelay(cfg, 1, RetryAfter(errors.New("429"), time.Hour)); got != time.Minute {
		t.Fatalf("capped hint: got %v", got)
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 10 * time.Second, RetryMaxDelay: time.Hour, RetryJitter: 0.2}.withDefaults()
	for i := 0; i < 200; i++ {
		d := backoffDelay(cfg, 1, nil)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("delay %v outside +/-20%% of 10s", d)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	if c.HandlerTimeout != 30*time.Second || c.Concurrency != 8 || c.BatchSize != 500 ||
		c.RetryBase != time.Second || c.RetryMaxDelay != time.Hour || c.RetryJitter != 0.2 ||
		c.DefaultMaxAttempts != 3 || c.MissedThreshold != time.Minute {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if got := c.leaseTTL(c.HandlerTimeout); got != time.Minute {
		t.Fatalf("lease ttl: got %v want 1m", got)
	}
	c.LeaseTTL = time.Second
	if got := c.leaseTTL(10 * time.Second); got != 40*time.Second {
		t.Fatalf("short lease ttl must be raised to timeout+30s, got %v", got)
	}
}

func TestErrorWrappers(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatalf("nil errors must stay nil")
	}
	nr := NoRetry(base)
	if !IsNoRetry(nr) || !errors.Is(nr, base) {
		t.Fatalf("NoRetry must wrap: %v", nr)
	}
	if IsNoRetry(base) {
		t.Fatalf("plain error is retryable")
	}
	var ra RetryAfterError
	if !errors.As(RetryAfter(base, -time.Second), &ra) || ra.RetryAfter() != 0 {
		t.Fatalf("negative hints clamp to 0")
	}
}
