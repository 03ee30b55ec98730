// Package loop drives ticks from an in-process timer. It suits a single
// instance; several processes sharing a distributed store should use an
// external trigger instead so the fleet does not tick N times per beat.
package loop

import (
	"context"
	"sync/atomic"
	"time"

	"jobsched/internal/scheduler"
	logx "jobsched/pkg/logx"
)

const DefaultInterval = 30 * time.Second

// Ticker is implemented by *scheduler.Scheduler.
type Ticker interface {
	RunTick(ctx context.Context, now time.Time) scheduler.TickResult
}

type Loop struct {
	ticker      Ticker
	log         logx.Logger
	clock       func() time.Time
	distributed bool

	interval atomic.Int64
	reset    chan struct{}

	ticks   atomic.Uint64
	skipped atomic.Uint64
}

type Option func(*Loop)

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

// WithClock sets the time passed to RunTick.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.clock = now } }

// WithDistributedStore marks the store as shared by several processes; Run
// then warns at startup.
func WithDistributedStore(v bool) Option { return func(l *Loop) { l.distributed = v } }

func New(t Ticker, interval time.Duration, opts ...Option) *Loop {
	l := &Loop{ticker: t, clock: time.Now, reset: make(chan struct{}, 1)}
	for _, o := range opts {
		o(l)
	}
	l.interval.Store(int64(normInterval(interval)))
	return l
}

func normInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultInterval
	}
	return d
}

func (l *Loop) Interval() time.Duration { return time.Duration(l.interval.Load()) }

// SetInterval applies a new interval from the next beat on.
func (l *Loop) SetInterval(d time.Duration) {
	d = normInterval(d)
	if time.Duration(l.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case l.reset <- struct{}{}:
	default:
	}
}

type Stats struct {
	Ticks    uint64        `json:"ticks"`
	Skipped  uint64        `json:"skipped_beats"`
	Interval time.Duration `json:"interval_ns"`
}

func (l *Loop) Stats() Stats {
	return Stats{Ticks: l.ticks.Load(), Skipped: l.skipped.Load(), Interval: l.Interval()}
}

// Run ticks immediately, then on every interval boundary until ctx is done.
// Ticks never overlap: beats that pass while a tick is still running are
// skipped, not queued.
func (l *Loop) Run(ctx context.Context) error {
	if l.distributed {
		l.log.Warn("in-process tick loop with a distributed store; every instance will tick, prefer the HTTP trigger")
	}
	l.log.Info("tick loop started", logx.Duration("interval", l.Interval()))

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-l.reset:
			next = time.Now().Add(l.Interval())
			timer.Reset(time.Until(next))
			l.log.Info("tick loop interval changed", logx.Duration("interval", l.Interval()))
			continue
		case <-timer.C:
		}

		l.runOnce(ctx)
		next = l.advance(next, time.Now())
		timer.Reset(time.Until(next))
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	l.ticks.Add(1)
	res := l.ticker.RunTick(ctx, l.clock())
	if res.Err != "" && ctx.Err() == nil {
		l.log.Warn("tick reported a store error", logx.String("err", res.Err))
	}
}

// advance returns the first beat after now on the grid started at prev.
func (l *Loop) advance(prev, now time.Time) time.Time {
	iv := l.Interval()
	next := prev.Add(iv)
	if next.After(now) {
		return next
	}
	missed := now.Sub(next)/iv + 1
	l.skipped.Add(uint64(missed))
	l.log.Warn("tick overran its interval; skipping beats",
		logx.Int64("skipped", int64(missed)),
		logx.Duration("interval", iv),
	)
	return next.Add(missed * iv)
}
