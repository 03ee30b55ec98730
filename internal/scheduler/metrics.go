package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for jobsched_jobs_total.
const (
	outcomeSucceeded     = "succeeded"
	outcomeRetried       = "retried"
	outcomeExhausted     = "exhausted"
	outcomeLeaseConflict = "lease_conflict"
	outcomeNoHandler     = "no_handler"
	outcomeMissed        = "missed"
	outcomeSkipped       = "skipped"
	outcomeInterrupted   = "interrupted"
	outcomeStoreError    = "store_error"
)

// Metrics holds the scheduler's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ticks        prometheus.Counter
	jobs         *prometheus.CounterVec
	tickDuration prometheus.Histogram
	jobDuration  *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them on reg (nil: not registered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "jobsched_tick_total",
			Help: "Ticks run by this process.",
		}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsched_jobs_total",
			Help: "Due jobs processed, by outcome.",
		}, []string{"outcome"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobsched_tick_duration_seconds",
			Help:    "Wall time of one tick.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobsched_job_duration_seconds",
			Help:    "Handler run time, by job type.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"type"}),
	}
}

func (m *Metrics) tick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) outcome(o string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(o).Inc()
}

func (m *Metrics) run(jobType string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}
