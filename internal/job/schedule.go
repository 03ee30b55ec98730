package job

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind string

const (
	KindCron     ScheduleKind = "cron"
	KindInterval ScheduleKind = "interval"
	KindOnce     ScheduleKind = "once"
)

// Schedule is a tagged union; only the fields of Kind are meaningful.
//
//	cron:     Expr (+ optional Timezone, IANA name; default UTC)
//	interval: EveryMS
//	once:     At
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	Expr     string       `json:"expr,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
	EveryMS  int64        `json:"every_ms,omitempty"`
	At       time.Time    `json:"at,omitzero"`
}

func Cron(expr, tz string) Schedule { return Schedule{Kind: KindCron, Expr: expr, Timezone: tz} }

func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindInterval, EveryMS: d.Milliseconds()}
}

func Once(at time.Time) Schedule { return Schedule{Kind: KindOnce, At: Millis(at)} }

// Every returns the interval period (0 for non-interval schedules).
func (s Schedule) Every() time.Duration { return time.Duration(s.EveryMS) * time.Millisecond }

func (s Schedule) Recurring() bool { return s.Kind == KindCron || s.Kind == KindInterval }

func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		if s.Timezone != "" {
			return "cron:" + s.Expr + " (" + s.Timezone + ")"
		}
		return "cron:" + s.Expr
	case KindInterval:
		return "interval:" + s.Every().String()
	case KindOnce:
		return "at:" + s.At.UTC().Format(time.RFC3339)
	default:
		return string(s.Kind)
	}
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return invalid("schedule.expr", "empty cron expression")
		}
		if _, err := loadLocation(s.Timezone); err != nil {
			return invalid("schedule.timezone", "unknown timezone %q", s.Timezone)
		}
		if _, err := parseCron(s.Expr); err != nil {
			return invalid("schedule.expr", "%v", err)
		}
	case KindInterval:
		if s.EveryMS <= 0 {
			return invalid("schedule.every_ms", "must be > 0, got %d", s.EveryMS)
		}
	case KindOnce:
		if s.At.IsZero() {
			return invalid("schedule.at", "missing time")
		}
	case "":
		return invalid("schedule.kind", "missing")
	default:
		return invalid("schedule.kind", "unknown kind %q", s.Kind)
	}
	return nil
}

// First returns the initial next_run_at for a job created at now.
// Interval jobs are due immediately; cron jobs wait for their first slot.
func (s Schedule) First(now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	now = Millis(now)
	switch s.Kind {
	case KindCron:
		t, ok := s.Next(now)
		if !ok {
			return time.Time{}, invalid("schedule.expr", "no future occurrence")
		}
		return t, nil
	case KindInterval:
		return now, nil
	default:
		return Millis(s.At), nil
	}
}

// Next returns the occurrence strictly after prev. prev is the previous
// next_run_at, never wall-clock now. ok is false for once schedules and for
// cron expressions with no further occurrence.
func (s Schedule) Next(prev time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		sched, err := parseCron(s.Expr)
		if err != nil {
			return time.Time{}, false
		}
		loc, err := loadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, false
		}
		t := sched.Next(prev.In(loc))
		if t.IsZero() {
			return time.Time{}, false
		}
		return Millis(t), true
	case KindInterval:
		if s.EveryMS <= 0 {
			return time.Time{}, false
		}
		return Millis(prev.Add(s.Every())), true
	default:
		return time.Time{}, false
	}
}

// NextAfter returns the first occurrence on prev's grid strictly after now.
// Used to skip missed runs without shifting the cadence.
func (s Schedule) NextAfter(prev, now time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindInterval:
		if s.EveryMS <= 0 {
			return time.Time{}, false
		}
		if prev.After(now) {
			return s.Next(prev)
		}
		every := s.Every()
		k := now.Sub(prev)/every + 1
		return Millis(prev.Add(k * every)), true
	case KindCron:
		if now.Before(prev) {
			now = prev
		}
		return s.Next(now)
	default:
		return time.Time{}, false
	}
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var cronCache sync.Map // expr -> cron.Schedule

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if v, ok := cronCache.Load(expr); ok {
		return v.(cron.Schedule), nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	cronCache.Store(expr, sched)
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// Millis normalizes t to UTC millisecond precision, the resolution every
// backend persists.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Millisecond)
}
