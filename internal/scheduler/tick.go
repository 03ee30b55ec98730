package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobsched/internal/handler"
	"jobsched/internal/job"
	"jobsched/internal/lease"
	logx "jobsched/pkg/logx"
)

// releaseTimeout bounds the outcome write, which runs even when the tick
// context was cancelled mid-run.
const releaseTimeout = 10 * time.Second

const maxLastErrorLen = 1024

// shutdownGrace is how long a run cut short by shutdown may take to report
// its own result before it is treated as interrupted.
const shutdownGrace = 250 * time.Millisecond

// TickResult summarizes one tick. Checked counts every due candidate
// examined; Executed counts handler invocations.
type TickResult struct {
	Checked              int           `json:"checked"`
	Due                  int           `json:"due"`
	Executed             int           `json:"executed"`
	Succeeded            int           `json:"succeeded"`
	Failed               int           `json:"failed"`
	SkippedLeaseConflict int           `json:"skipped_lease_conflict"`
	SkippedNoHandler     int           `json:"skipped_no_handler"`
	Missed               int           `json:"missed"`
	SkippedMissed        int           `json:"skipped_missed"`
	Interrupted          int           `json:"interrupted"`
	StoreErrors          int           `json:"store_errors"`
	Duration             time.Duration `json:"-"`
	DurationMS           int64         `json:"duration_ms"`
	Err                  string        `json:"error,omitempty"`
}

type jobOutcome int

const (
	resSucceeded jobOutcome = iota
	resFailed
	resLeaseConflict
	resNoHandler
	resSkippedMissed
	resInterrupted
	resStoreError
)

type tally struct {
	mu sync.Mutex
	r  TickResult
}

func (t *tally) add(o jobOutcome, missed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Checked++
	if missed {
		t.r.Missed++
	}
	switch o {
	case resSucceeded:
		t.r.Executed++
		t.r.Succeeded++
	case resFailed:
		t.r.Executed++
		t.r.Failed++
	case resInterrupted:
		t.r.Executed++
		t.r.Interrupted++
	case resLeaseConflict:
		t.r.SkippedLeaseConflict++
	case resNoHandler:
		t.r.SkippedNoHandler++
	case resSkippedMissed:
		t.r.SkippedMissed++
	case resStoreError:
		t.r.StoreErrors++
	}
}

// RunTick processes every job due at now. It is safe to call concurrently
// and redundantly, from any number of processes. Per-job failures are
// isolated and never abort the tick; nothing is returned as an error.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) TickResult {
	start := time.Now()
	cfg := s.Config()
	now = job.Millis(now)

	var t tally
	due, err := s.store.ListDue(ctx, now, cfg.BatchSize)
	if err != nil {
		s.log.Error("list due jobs failed", logx.Time("now", now), logx.Err(err))
		t.r.Err = err.Error()
	}
	t.r.Due = len(due)

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o, missed := s.processJob(ctx, cfg, j, now)
			t.add(o, missed)
			return nil
		})
	}
	_ = g.Wait()

	res := t.r
	res.Duration = time.Since(start)
	res.DurationMS = res.Duration.Milliseconds()
	s.metrics.tick(res.Duration)

	fields := []logx.Field{
		logx.Time("now", now),
		logx.Int("due", res.Due),
		logx.Int("executed", res.Executed),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Int("lease_conflict", res.SkippedLeaseConflict),
		logx.Int("no_handler", res.SkippedNoHandler),
		logx.Duration("took", res.Duration),
	}
	if res.Executed > 0 || res.Failed > 0 {
		s.log.Info("tick done", fields...)
	} else {
		s.log.Debug("tick done", fields...)
	}
	return res
}

func (s *Scheduler) processJob(ctx context.Context, cfg Config, candidate *job.Job, now time.Time) (jobOutcome, bool) {
	log := s.log.With(logx.String("job_id", candidate.ID), logx.String("job_type", candidate.Type))
	timeout := cfg.handlerTimeout(candidate.Timeout)

	l, err := s.leases.Claim(ctx, candidate, now, cfg.leaseTTL(timeout))
	switch {
	case err == nil:
	case errors.Is(err, job.ErrLeaseConflict), errors.Is(err, job.ErrNotFound):
		// another caller won this occurrence, or it was removed meanwhile
		log.Debug("job skipped: lease conflict")
		s.metrics.outcome(outcomeLeaseConflict)
		return resLeaseConflict, false
	default:
		log.Warn("claim failed", logx.Err(err))
		s.metrics.outcome(outcomeStoreError)
		return resStoreError, false
	}

	// The release must land even if ctx is cancelled while the handler runs.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	j := l.Job
	h, err := s.handlers.Lookup(j.Type)
	if err != nil {
		log.Warn("no handler registered; job left pending")
		s.metrics.outcome(outcomeNoHandler)
		if !s.release(rctx, log, l, lease.Untouched(l), now) {
			return resStoreError, false
		}
		return resNoHandler, false
	}

	lateness := now.Sub(j.NextRunAt)
	missed := lateness > cfg.MissedThreshold
	if missed {
		ev := newJobEvent(j)
		ev.Lateness = lateness
		s.publish(EventMissed, now, ev)
		s.metrics.outcome(outcomeMissed)
		log.Info("missed run detected", logx.Time("scheduled_for", j.NextRunAt), logx.Duration("late", lateness))

		if j.Missed == job.MissedSkip && j.Schedule.Recurring() {
			return s.skipMissed(rctx, log, l, now, lateness), true
		}
	}

	info := handler.Info{
		JobID:        j.ID,
		JobType:      j.Type,
		Attempt:      j.AttemptCount + 1,
		ScheduledFor: j.Occurrence(),
	}
	started := time.Now()
	runErr := s.invoke(ctx, h, j, info, timeout)
	took := time.Since(started)
	s.metrics.run(j.Type, took)

	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
		// Shutdown mid-run: no attempt is charged; the occurrence runs again.
		// Any other error the handler returned while stopping is a failure.
		log.Warn("run interrupted by shutdown", logx.Err(runErr))
		s.metrics.outcome(outcomeInterrupted)
		s.release(rctx, log, l, lease.Untouched(l), now)
		return resInterrupted, missed
	}

	if runErr == nil {
		return s.onSuccess(rctx, log, l, now, took), missed
	}
	return s.onFailure(rctx, log, cfg, l, now, took, runErr), missed
}

// invoke runs the handler with a timeout. A handler that ignores its
// context is abandoned when the timeout fires; its lease simply expires.
func (s *Scheduler) invoke(ctx context.Context, h handler.Handler, j *job.Job, info handler.Info, timeout time.Duration) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				err = &PanicError{Value: r, Stack: stack}
				s.log.Error("handler panic", logx.String("job_id", j.ID), logx.Any("panic", r), logx.Stack(stack))
			}
			done <- err
		}()
		err = h.Handle(runCtx, j.Payload, info)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil {
			return &TimeoutError{Timeout: timeout}
		}
		return err
	case <-runCtx.Done():
		if ctx.Err() == nil {
			return &TimeoutError{Timeout: timeout}
		}
		grace := time.NewTimer(shutdownGrace)
		defer grace.Stop()
		select {
		case err := <-done:
			return err
		case <-grace.C:
			return ctx.Err()
		}
	}
}

func (s *Scheduler) onSuccess(ctx context.Context, log logx.Logger, l *lease.Lease, now time.Time, took time.Duration) jobOutcome {
	j := l.Job
	out := lease.Outcome{
		Status:        job.StatusPending,
		AttemptCount:  0,
		LastRunAt:     now,
		LastRunStatus: job.RunSuccess,
	}

	slot := j.Occurrence()
	next, ok := j.Schedule.Next(slot)
	switch {
	case !ok:
		out.Status = job.StatusDone
		out.NextRunAt = slot
	case !next.After(now):
		// Catch-up ran the late occurrence once; resume on the same grid.
		next, _ = j.Schedule.NextAfter(slot, now)
		out.NextRunAt = next
	default:
		out.NextRunAt = next
	}

	s.metrics.outcome(outcomeSucceeded)
	updated := s.releaseJob(ctx, log, l, out, now)

	ev := newJobEvent(j)
	ev.Attempt = j.AttemptCount + 1
	ev.NextRunAt = out.NextRunAt
	ev.Duration = took
	if out.Status == job.StatusDone {
		ev.NextRunAt = time.Time{}
	}
	s.publish(EventSucceeded, now, ev)
	log.Debug("job succeeded",
		logx.Duration("took", took),
		logx.String("status", string(out.Status)),
		logx.Time("next_run_at", out.NextRunAt),
		logx.Bool("recorded", updated),
	)
	return resSucceeded
}

func (s *Scheduler) onFailure(ctx context.Context, log logx.Logger, cfg Config, l *lease.Lease, now time.Time, took time.Duration, runErr error) jobOutcome {
	j := l.Job
	attempts := j.AttemptCount + 1
	out := lease.Outcome{
		Status:        job.StatusPending,
		NextRunAt:     j.NextRunAt,
		ScheduledFor:  j.Occurrence(),
		AttemptCount:  attempts,
		LastRunAt:     now,
		LastRunStatus: job.RunError,
		LastError:     truncate(runErr.Error(), maxLastErrorLen),
	}
	if isTimeout(runErr) {
		out.LastRunStatus = job.RunTimeout
	}

	ev := newJobEvent(j)
	ev.Attempt = attempts
	ev.Duration = took
	ev.Error = out.LastError

	if attempts >= j.MaxAttempts || IsNoRetry(runErr) {
		out.Status = job.StatusFailed
		s.metrics.outcome(outcomeExhausted)
		recorded := s.releaseJob(ctx, log, l, out, now)
		if recorded {
			s.publish(EventExhausted, now, ev)
		}
		log.Error("job failed permanently",
			logx.Int("attempt", attempts),
			logx.Int("max_attempts", j.MaxAttempts),
			logx.Bool("no_retry", IsNoRetry(runErr)),
			logx.Err(runErr),
		)
		return resFailed
	}

	delay := backoffDelay(cfg, attempts, runErr)
	out.NextRunAt = job.Millis(now.Add(delay))
	s.metrics.outcome(outcomeRetried)
	if s.releaseJob(ctx, log, l, out, now) {
		ev.NextRunAt = out.NextRunAt
		s.publish(EventRetry, now, ev)
	}
	log.Warn("job failed; will retry",
		logx.Int("attempt", attempts),
		logx.Int("max_attempts", j.MaxAttempts),
		logx.Duration("backoff", delay),
		logx.Err(runErr),
	)
	return resFailed
}

func (s *Scheduler) skipMissed(ctx context.Context, log logx.Logger, l *lease.Lease, now time.Time, lateness time.Duration) jobOutcome {
	j := l.Job
	next, ok := j.Schedule.NextAfter(j.Occurrence(), now)
	if !ok {
		// cron expression with no future occurrence left
		out := lease.Untouched(l)
		out.Status = job.StatusDone
		s.release(ctx, log, l, out, now)
		return resSkippedMissed
	}
	out := lease.Untouched(l)
	out.NextRunAt = next
	out.ScheduledFor = time.Time{}
	out.LastRunStatus = job.RunSkipped
	s.metrics.outcome(outcomeSkipped)
	if s.releaseJob(ctx, log, l, out, now) {
		ev := newJobEvent(j)
		ev.Lateness = lateness
		ev.NextRunAt = next
		s.publish(EventSkipped, now, ev)
	}
	log.Info("missed run skipped", logx.Time("next_run_at", next))
	return resSkippedMissed
}

// releaseJob releases and reports whether the outcome was recorded.
func (s *Scheduler) releaseJob(ctx context.Context, log logx.Logger, l *lease.Lease, out lease.Outcome, now time.Time) bool {
	_, ok, err := s.leases.Release(ctx, l, out, now)
	if err != nil {
		// The lease expires on its own; the run will be retried.
		log.Error("release failed", logx.Err(err))
		s.metrics.outcome(outcomeStoreError)
		return false
	}
	return ok
}

// release is releaseJob for callers that only care about storage errors.
func (s *Scheduler) release(ctx context.Context, log logx.Logger, l *lease.Lease, out lease.Outcome, now time.Time) bool {
	_, _, err := s.leases.Release(ctx, l, out, now)
	if err != nil {
		log.Error("release failed", logx.Err(err))
		s.metrics.outcome(outcomeStoreError)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
