package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{
	"file": true, "sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true, "pg": true,
	"mongo": true, "mongodb": true,
	"redis": true,
}

// Validate checks a parsed config without touching the network or disk.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: %q is not console or json", cfg.Logging.Format))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch {
	case driver == "":
		errs = append(errs, errors.New("store.driver: required"))
	case !knownDrivers[driver]:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver))
	}
	if cfg.Store.MaxConns < 0 {
		errs = append(errs, errors.New("store.max_conns: must be >= 0"))
	}
	dur("store.busy_timeout", cfg.Store.BusyTimeout)
	dur("store.connect_timeout", cfg.Store.ConnectTimeout)

	s := cfg.Scheduler
	dur("scheduler.handler_timeout", s.HandlerTimeout)
	dur("scheduler.lease_ttl", s.LeaseTTL)
	dur("scheduler.retry_base", s.RetryBase)
	dur("scheduler.retry_max_delay", s.RetryMaxDelay)
	dur("scheduler.missed_threshold", s.MissedThreshold)
	dur("scheduler.purge_after", s.PurgeAfter)
	dur("scheduler.purge_every", s.PurgeEvery)
	if s.Concurrency < 0 || s.BatchSize < 0 || s.MaxAttempts < 0 {
		errs = append(errs, errors.New("scheduler: concurrency, batch_size and max_attempts must be >= 0"))
	}
	if s.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("scheduler.retry_jitter: %v > 1", s.RetryJitter))
	}

	if h := cfg.TickHTTP; h != nil {
		dur("tick_http.read_timeout", h.ReadTimeout)
		dur("tick_http.write_timeout", h.WriteTimeout)
		dur("tick_http.idle_timeout", h.IdleTimeout)
	}
	if l := cfg.TickLoop; l != nil {
		dur("tick_loop.interval", l.Interval)
	}
	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Telegram.Token) == "" || a.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("alerts.telegram: token and chat_id are required when alerts are enabled"))
		}
		if a.RatePerMin < 0 {
			errs = append(errs, errors.New("alerts.rate_per_min: must be >= 0"))
		}
	}
	if r := cfg.Relay; r != nil && r.Enabled {
		u := strings.TrimSpace(r.URL)
		if !strings.HasPrefix(u, "amqp://") && !strings.HasPrefix(u, "amqps://") {
			errs = append(errs, errors.New("relay.url: amqp:// or amqps:// url required when relay is enabled"))
		}
		for _, e := range r.Events {
			if !strings.HasPrefix(e, "job.") {
				errs = append(errs, fmt.Errorf("relay.events: %q is not a job.* event", e))
			}
		}
	}
	return errors.Join(errs...)
}
