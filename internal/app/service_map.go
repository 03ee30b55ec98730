package app

import (
	"time"

	"jobsched/internal/alert"
	"jobsched/internal/config"
	"jobsched/internal/driver/loop"
	"jobsched/internal/driver/tickhttp"
	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

// mapSchedulerConfig expects a config that passed config.Validate, so
// malformed durations fall back to scheduler defaults.
func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		HandlerTimeout:     config.DurationOr(s.HandlerTimeout, 0),
		LeaseTTL:           config.DurationOr(s.LeaseTTL, 0),
		Concurrency:        s.Concurrency,
		BatchSize:          s.BatchSize,
		RetryBase:          config.DurationOr(s.RetryBase, 0),
		RetryMaxDelay:      config.DurationOr(s.RetryMaxDelay, 0),
		RetryJitter:        s.RetryJitter,
		DefaultMaxAttempts: s.MaxAttempts,
		MissedThreshold:    config.DurationOr(s.MissedThreshold, 0),
	}
}

type purgeConfig struct {
	after time.Duration
	every time.Duration
}

func mapPurgeConfig(cfg *config.Config) purgeConfig {
	return purgeConfig{
		after: config.DurationOr(cfg.Scheduler.PurgeAfter, 0),
		every: config.DurationOr(cfg.Scheduler.PurgeEvery, time.Hour),
	}
}

func mapHTTPConfig(cfg *config.Config) (tickhttp.Config, bool) {
	h := cfg.TickHTTP
	if h == nil || !h.Enabled {
		return tickhttp.Config{}, false
	}
	return tickhttp.Config{
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   config.DurationOr(h.ReadTimeout, 10*time.Second),
		// a synchronous tick may run as long as its slowest handler
		WriteTimeout: config.DurationOr(h.WriteTimeout, 0),
		IdleTimeout:  config.DurationOr(h.IdleTimeout, 60*time.Second),
	}, true
}

func mapLoopInterval(cfg *config.Config) (time.Duration, bool) {
	l := cfg.TickLoop
	if l == nil || !l.Enabled {
		return 0, false
	}
	return config.DurationOr(l.Interval, loop.DefaultInterval), true
}

func mapAlertConfig(cfg *config.Config) (alert.Config, bool) {
	a := cfg.Alerts
	if a == nil || !a.Enabled {
		return alert.Config{}, false
	}
	return alert.Config{RatePerMin: a.RatePerMin, RetryMax: 2}, true
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
