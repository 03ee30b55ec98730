package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{"store": true, "tick_http.addr": true, "relay": true, "systemd": true}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never secrets such as tokens or DSNs), and the subset of
// changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed = make([]string, 0, 6)
	attrs = make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.Bool("store.dsn_set", strings.TrimSpace(newCfg.Store.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.handler_timeout", s.HandlerTimeout),
			logx.Int("scheduler.concurrency", s.Concurrency),
			logx.Int("scheduler.batch_size", s.BatchSize),
			logx.Int("scheduler.max_attempts", s.MaxAttempts),
			logx.String("scheduler.retry_base", s.RetryBase),
		)
	}

	oH, nH := derefHTTP(oldCfg.TickHTTP), derefHTTP(newCfg.TickHTTP)
	if strings.TrimSpace(oH.Addr) != strings.TrimSpace(nH.Addr) || oH.Enabled != nH.Enabled {
		changed = append(changed, "tick_http.addr")
	}
	oH.Addr, nH.Addr, oH.Enabled, nH.Enabled = "", "", false, false
	if !reflect.DeepEqual(oH, nH) {
		changed = append(changed, "tick_http")
		attrs = append(attrs, logx.Bool("tick_http.token_set", strings.TrimSpace(nH.Token) != ""))
	}

	oL, nL := derefLoop(oldCfg.TickLoop), derefLoop(newCfg.TickLoop)
	if oL != nL {
		changed = append(changed, "tick_loop")
		attrs = append(attrs,
			logx.Bool("tick_loop.enabled", nL.Enabled),
			logx.String("tick_loop.interval", nL.Interval),
		)
	}

	oA, nA := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if oA != nA {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Int64("alerts.chat_id", nA.Telegram.ChatID),
			logx.Int("alerts.rate_per_min", nA.RatePerMin),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		if newCfg.Relay != nil {
			attrs = append(attrs,
				logx.Bool("relay.enabled", newCfg.Relay.Enabled),
				logx.String("relay.exchange", newCfg.Relay.Exchange),
			)
		}
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	for _, c := range changed {
		if restartSections[c] {
			restart = append(restart, c)
		}
	}
	return changed, attrs, restart
}

func derefHTTP(c *TickHTTPConfig) TickHTTPConfig {
	if c == nil {
		return TickHTTPConfig{}
	}
	return *c
}

func derefLoop(c *TickLoopConfig) TickLoopConfig {
	if c == nil {
		return TickLoopConfig{}
	}
	return *c
}

func derefAlerts(c *AlertsConfig) AlertsConfig {
	if c == nil {
		return AlertsConfig{}
	}
	return *c
}
