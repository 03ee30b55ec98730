// Package alert turns job.exhausted events into operator messages. Sends
// are rate limited, deduplicated per job, and retried a few times; an alert
// that cannot be delivered is logged and dropped.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

// Sender delivers one formatted alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	// RatePerMin bounds alerts per minute (default 20). Excess is dropped.
	RatePerMin int
	// DedupWindow suppresses repeat alerts for the same job (default 10m).
	DedupWindow time.Duration
	RetryMax    int
	RetryBase   time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Alerter struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dedup   map[string]time.Time

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Alerter {
	a := &Alerter{sender: sender, bus: bus, log: log, dedup: map[string]time.Time{}}
	a.Apply(cfg)
	return a
}

// Apply swaps limits at runtime.
func (a *Alerter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	a.mu.Lock()
	a.cfg = cfg
	a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin)
	a.mu.Unlock()
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (a *Alerter) Stats() Stats {
	return Stats{Sent: a.sent.Load(), Dropped: a.dropped.Load(), Failed: a.failed.Load()}
}

// Run consumes the bus until ctx is done.
func (a *Alerter) Run(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64, scheduler.EventExhausted)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			je, ok := ev.Data.(scheduler.JobEvent)
			if !ok {
				continue
			}
			a.handle(ctx, je, ev.Time)
		}
	}
}

func (a *Alerter) handle(ctx context.Context, ev scheduler.JobEvent, at time.Time) {
	a.mu.Lock()
	cfg := a.cfg
	lim := a.limiter
	a.mu.Unlock()

	log := a.log.With(logx.String("job_id", ev.JobID), logx.String("job_type", ev.JobType))
	if !a.allowDedup(ev.JobID, at, cfg.DedupWindow) {
		log.Debug("alert suppressed (duplicate)")
		return
	}
	if !lim.Allow() {
		a.dropped.Add(1)
		log.Warn("alert dropped (rate limited)")
		return
	}

	text := Format(ev)
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.RetryBase << (attempt - 1)):
			}
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = a.sender.Send(sctx, text)
		cancel()
		if err == nil {
			a.sent.Add(1)
			log.Info("alert sent")
			return
		}
		log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt+1))
	}
	a.failed.Add(1)
	log.Error("alert delivery failed", logx.Err(err))
}

// allowDedup records key and reports whether it was outside the window.
// Expired entries are pruned on the way.
func (a *Alerter) allowDedup(key string, now time.Time, window time.Duration) bool {
	if now.IsZero() {
		now = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if until, ok := a.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range a.dedup {
		if !now.Before(until) {
			delete(a.dedup, k)
		}
	}
	a.dedup[key] = now.Add(window)
	return true
}

// Format renders an exhausted-job alert as plain text.
func Format(ev scheduler.JobEvent) string {
	var b strings.Builder
	name := ev.JobType
	if ev.Name != "" {
		name = ev.Name + " (" + ev.JobType + ")"
	}
	fmt.Fprintf(&b, "Job failed: %s\n", name)
	fmt.Fprintf(&b, "id: %s\n", ev.JobID)
	fmt.Fprintf(&b, "attempts: %d/%d\n", ev.Attempt, ev.MaxAttempts)
	if !ev.ScheduledFor.IsZero() {
		fmt.Fprintf(&b, "scheduled for: %s\n", ev.ScheduledFor.UTC().Format(time.RFC3339))
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", ev.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}
