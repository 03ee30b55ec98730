package scheduler

import (
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
)

// Event types published on the bus.
const (
	EventSucceeded = "job.succeeded"
	EventRetry     = "job.retry"
	EventExhausted = "job.exhausted"
	EventMissed    = "job.missed"
	EventSkipped   = "job.skipped"
)

// JobEvent is the Data of every job.* event.
type JobEvent struct {
	JobID        string        `json:"job_id"`
	JobType      string        `json:"job_type"`
	Name         string        `json:"name,omitempty"`
	Attempt      int           `json:"attempt"`
	MaxAttempts  int           `json:"max_attempts"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	NextRunAt    time.Time     `json:"next_run_at,omitzero"`
	Lateness     time.Duration `json:"lateness,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func newJobEvent(j *job.Job) JobEvent {
	return JobEvent{
		JobID:        j.ID,
		JobType:      j.Type,
		Name:         j.Name,
		Attempt:      j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		ScheduledFor: j.Occurrence(),
	}
}

func (s *Scheduler) publish(typ string, now time.Time, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
