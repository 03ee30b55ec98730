package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

const resetRetries = 3

// CreateJob validates and stores a new pending job. Malformed schedules are
// rejected with *job.ValidationError and never stored.
func (s *Scheduler) CreateJob(ctx context.Context, jobType string, sched job.Schedule, payload json.RawMessage, opts ...job.Option) (*job.Job, error) {
	cfg := s.Config()
	base := []job.Option{job.WithMaxAttempts(cfg.DefaultMaxAttempts), job.WithNow(s.clock())}
	j, err := job.New(jobType, sched, payload, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	created, err := s.store.Create(ctx, j)
	if err != nil {
		return nil, err
	}
	s.log.Info("job created",
		logx.String("job_id", created.ID),
		logx.String("job_type", created.Type),
		logx.String("schedule", created.Schedule.String()),
		logx.Time("next_run_at", created.NextRunAt),
	)
	return created, nil
}

// CancelJob stops future runs. A run already claimed finishes once, but its
// outcome write is discarded.
func (s *Scheduler) CancelJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.Cancel(ctx, id, s.clock())
	if err != nil {
		return nil, err
	}
	s.log.Info("job cancelled", logx.String("job_id", id))
	return j, nil
}

func (s *Scheduler) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

// ListJobs lists jobs ordered by next_run_at, optionally by status.
func (s *Scheduler) ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	return s.store.List(ctx, job.Filter{Statuses: statuses})
}

// ResetJob returns a failed or cancelled job to pending with a clean attempt
// count. Its next run is computed from now.
func (s *Scheduler) ResetJob(ctx context.Context, id string) (*job.Job, error) {
	for i := 0; ; i++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case job.StatusFailed, job.StatusCancelled:
		case job.StatusDone:
			return nil, job.ErrTerminal
		default:
			return nil, ErrNotResettable
		}

		now := s.clock()
		next, err := cur.Schedule.First(now)
		if err != nil {
			return nil, err
		}
		upd := cur.Clone()
		upd.Status = job.StatusPending
		upd.AttemptCount = 0
		upd.NextRunAt = next
		upd.ScheduledFor = time.Time{}
		upd.LeaseOwner = ""
		upd.LeaseUntil = time.Time{}
		upd.UpdatedAt = now

		out, err := s.store.Update(ctx, upd, cur.Version)
		if errors.Is(err, job.ErrConcurrency) && i < resetRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("job reset", logx.String("job_id", id), logx.Time("next_run_at", out.NextRunAt))
		return out, nil
	}
}

// Purge deletes done, failed and cancelled jobs untouched for olderThan.
// It is maintenance, separate from ticks.
func (s *Scheduler) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.store.Purge(ctx, s.clock().Add(-olderThan), nil)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("jobs purged", logx.Int("count", n), logx.Duration("older_than", olderThan))
	}
	return n, nil
}
