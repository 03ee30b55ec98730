package scheduler

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/handler"
	"jobsched/internal/job"
	"jobsched/internal/lease"
	logx "jobsched/pkg/logx"
)

// Handlers resolves a job type to its handler. *handler.Registry implements it.
type Handlers interface {
	Lookup(jobType string) (handler.Handler, error)
}

type Scheduler struct {
	store    job.Store
	handlers Handlers
	leases   *lease.Manager

	cfg atomic.Pointer[Config]

	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics
	owner   string
	clock   func() time.Time
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }
func WithBus(bus eventbus.Bus) Option    { return func(s *Scheduler) { s.bus = bus } }
func WithMetrics(m *Metrics) Option      { return func(s *Scheduler) { s.metrics = m } }

// WithOwner sets the lease owner identity (default hostname-pid-random).
func WithOwner(owner string) Option { return func(s *Scheduler) { s.owner = owner } }

// WithClock sets the time source for the job API. RunTick always uses the
// time it is given.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.clock = now } }

func New(cfg Config, store job.Store, handlers Handlers, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, handlers: handlers, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	if s.owner == "" {
		s.owner = defaultOwner()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	c := cfg.withDefaults()
	s.cfg.Store(&c)
	s.leases = lease.New(store, s.owner, c.leaseTTL(c.HandlerTimeout), s.log)
	return s
}

// Apply swaps the tick configuration. Ticks already running keep the
// config they started with.
func (s *Scheduler) Apply(cfg Config) {
	c := cfg.withDefaults()
	s.cfg.Store(&c)
	s.log.Info("scheduler config applied",
		logx.Duration("handler_timeout", c.HandlerTimeout),
		logx.Int("concurrency", c.Concurrency),
		logx.Int("batch_size", c.BatchSize),
	)
}

func (s *Scheduler) Config() Config   { return *s.cfg.Load() }
func (s *Scheduler) Owner() string    { return s.owner }
func (s *Scheduler) Now() time.Time   { return s.clock() }
func (s *Scheduler) Store() job.Store { return s.store }

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
