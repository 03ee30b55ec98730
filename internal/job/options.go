package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxAttempts = 3

type options struct {
	id          string
	name        string
	maxAttempts int
	timeout     time.Duration
	missed      MissedPolicy
	now         time.Time
	firstRun    time.Time
}

type Option func(*options)

func WithID(id string) Option            { return func(o *options) { o.id = id } }
func WithName(name string) Option        { return func(o *options) { o.name = name } }
func WithMaxAttempts(n int) Option       { return func(o *options) { o.maxAttempts = n } }
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }
func WithMissedPolicy(p MissedPolicy) Option {
	return func(o *options) { o.missed = p }
}

// WithNow sets the creation time (default time.Now).
func WithNow(t time.Time) Option { return func(o *options) { o.now = t } }

// WithFirstRun overrides the first next_run_at computed from the schedule.
func WithFirstRun(t time.Time) Option { return func(o *options) { o.firstRun = t } }

// New builds a validated pending job. Nothing is persisted.
func New(jobType string, sched Schedule, payload json.RawMessage, opts ...Option) (*Job, error) {
	o := options{maxAttempts: DefaultMaxAttempts, missed: MissedCatchUp}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.now.IsZero() {
		o.now = time.Now()
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	next := o.firstRun
	if next.IsZero() {
		var err error
		if next, err = sched.First(o.now); err != nil {
			return nil, err
		}
	}

	j := &Job{
		ID:          o.id,
		Type:        jobType,
		Name:        o.name,
		Schedule:    sched,
		Payload:     payload,
		Missed:      o.missed,
		Timeout:     o.timeout,
		Status:      StatusPending,
		NextRunAt:   next,
		MaxAttempts: o.maxAttempts,
		CreatedAt:   o.now,
		UpdatedAt:   o.now,
		Version:     1,
	}
	j.Normalize()
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

func newID() string { return uuid.NewString() }
