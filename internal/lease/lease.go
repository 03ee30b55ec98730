// Package lease gives the scheduler a uniform claim/extend/release API over
// any job.Store. Exclusivity comes from the store's conditional writes; the
// manager only shapes the calls and logs lost leases.
package lease

import (
	"context"
	"errors"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// StoreLatencyMargin is added to the handler timeout to derive the default TTL.
const StoreLatencyMargin = 30 * time.Second

// DefaultTTL covers a full handler run plus store round trips.
func DefaultTTL(handlerTimeout time.Duration) time.Duration {
	return handlerTimeout + StoreLatencyMargin
}

// Lease is a claimed job. Job.Version is the token every later write is
// conditioned on.
type Lease struct {
	Job   *job.Job
	Owner string
	Until time.Time
}

// Outcome is what Release writes back in the same conditional update that
// drops the lease.
type Outcome struct {
	Status        job.Status
	NextRunAt     time.Time
	ScheduledFor  time.Time
	AttemptCount  int
	LastRunAt     time.Time
	LastRunStatus job.RunStatus
	LastError     string
}

// Untouched releases the lease and leaves every scheduling field as it was
// at claim time (missing handler, cancelled job).
func Untouched(l *Lease) Outcome {
	j := l.Job
	st := j.Status
	if st == job.StatusLeased {
		st = job.StatusPending
	}
	return Outcome{
		Status:        st,
		NextRunAt:     j.NextRunAt,
		ScheduledFor:  j.ScheduledFor,
		AttemptCount:  j.AttemptCount,
		LastRunAt:     j.LastRunAt,
		LastRunStatus: j.LastRunStatus,
		LastError:     j.LastError,
	}
}

type Manager struct {
	store job.Store
	owner string
	ttl   time.Duration
	log   logx.Logger
}

func New(store job.Store, owner string, ttl time.Duration, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL(30 * time.Second)
	}
	return &Manager{store: store, owner: owner, ttl: ttl, log: log.With(logx.String("comp", "lease"))}
}

func (m *Manager) Owner() string      { return m.owner }
func (m *Manager) TTL() time.Duration { return m.ttl }

// Claim leases j until now+ttl (ttl <= 0 uses the manager default). A job
// held by someone else, or no longer due, yields job.ErrLeaseConflict.
func (m *Manager) Claim(ctx context.Context, j *job.Job, now time.Time, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	claimed, err := m.store.TryClaim(ctx, j.ID, m.owner, now, ttl)
	if err != nil {
		return nil, err
	}
	return &Lease{Job: claimed, Owner: m.owner, Until: claimed.LeaseUntil}, nil
}

// Extend pushes the lease to now+ttl. job.ErrConcurrency means the lease
// was lost (expired and reclaimed, or the job was cancelled).
func (m *Manager) Extend(ctx context.Context, l *Lease, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	next := l.Job.Clone()
	next.LeaseUntil = job.Millis(now.Add(ttl))
	next.UpdatedAt = job.Millis(now)
	updated, err := m.store.Update(ctx, next, l.Job.Version)
	if err != nil {
		return err
	}
	l.Job = updated
	l.Until = updated.LeaseUntil
	return nil
}

// Release writes the outcome and clears the lease in one write conditioned
// on the version obtained at claim time.
//
// If the condition fails (lease expired and reclaimed, job cancelled or
// deleted) the release is a logged no-op: it returns (nil, false, nil).
// Storage errors are returned to the caller but leave the record unchanged.
func (m *Manager) Release(ctx context.Context, l *Lease, out Outcome, now time.Time) (*job.Job, bool, error) {
	next := l.Job.Clone()
	next.Status = out.Status
	next.NextRunAt = out.NextRunAt
	next.ScheduledFor = out.ScheduledFor
	next.AttemptCount = out.AttemptCount
	next.LastRunAt = out.LastRunAt
	next.LastRunStatus = out.LastRunStatus
	next.LastError = out.LastError
	next.LeaseOwner = ""
	next.LeaseUntil = time.Time{}
	next.UpdatedAt = job.Millis(now)

	updated, err := m.store.Update(ctx, next, l.Job.Version)
	switch {
	case err == nil:
		return updated, true, nil
	case errors.Is(err, job.ErrConcurrency), errors.Is(err, job.ErrNotFound):
		m.log.Warn("lease lost before release; outcome dropped",
			logx.String("job_id", l.Job.ID),
			logx.String("owner", l.Owner),
			logx.Time("lease_until", l.Until),
			logx.String("status", string(out.Status)),
			logx.Err(err),
		)
		return nil, false, nil
	default:
		return nil, false, err
	}
}
