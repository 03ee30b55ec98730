package job

import (
	"context"
	"time"
)

// Filter narrows List results. Zero value lists everything.
type Filter struct {
	Statuses []Status
	Type     string
	Limit    int
}

func (f Filter) Match(j *Job) bool {
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Store persists jobs. Every conditional write is atomic: when it fails the
// stored record is left exactly as it was.
//
// All returned jobs are copies owned by the caller.
type Store interface {
	// ListDue returns claimable jobs (see Job.Claimable) ordered by
	// next_run_at ascending. It is a plain read; correctness comes from TryClaim.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// TryClaim atomically leases a claimable job to owner until now+ttl,
	// setting status=leased and bumping version. It returns ErrLeaseConflict
	// when the job is not claimable and ErrNotFound when it does not exist.
	TryClaim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*Job, error)

	// Update replaces the job if its stored version equals expectedVersion,
	// storing it with version expectedVersion+1. ErrConcurrency otherwise.
	Update(ctx context.Context, j *Job, expectedVersion int64) (*Job, error)

	// Create stores a new job. Empty IDs get a fresh uuid. ErrExists on
	// duplicate IDs, *ValidationError on malformed jobs.
	Create(ctx context.Context, j *Job) (*Job, error)

	Get(ctx context.Context, id string) (*Job, error)

	// Cancel sets status=cancelled. Cancelling a cancelled job is a no-op;
	// cancelling a done job returns ErrTerminal.
	Cancel(ctx context.Context, id string, now time.Time) (*Job, error)

	List(ctx context.Context, f Filter) ([]*Job, error)

	// Purge deletes jobs in one of statuses whose updated_at is before
	// olderThan. It is a maintenance operation, never run by ticks.
	Purge(ctx context.Context, olderThan time.Time, statuses []Status) (int, error)

	Close() error
}

// PrepareCreate normalizes and validates j for insertion.
func PrepareCreate(j *Job, now time.Time) (*Job, error) {
	if j == nil {
		return nil, invalid("", "nil job")
	}
	cp := j.Clone()
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.MaxAttempts == 0 {
		cp.MaxAttempts = DefaultMaxAttempts
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	cp.Version = 1
	if cp.NextRunAt.IsZero() && !cp.Status.Terminal() {
		first, err := cp.Schedule.First(now)
		if err != nil {
			return nil, err
		}
		cp.NextRunAt = first
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return cp, nil
}

// ApplyClaim mutates j into its leased form. Backends evaluating the claim
// in process (file store) use it; SQL and document backends express the same
// write in their own query language.
func ApplyClaim(j *Job, owner string, now time.Time, ttl time.Duration) {
	j.Status = StatusLeased
	j.LeaseOwner = owner
	j.LeaseUntil = Millis(now.Add(ttl))
	j.UpdatedAt = Millis(now)
	j.Version++
}

// ApplyCancel mutates j into its cancelled form. It reports whether anything
// changed.
func ApplyCancel(j *Job, now time.Time) (bool, error) {
	switch j.Status {
	case StatusCancelled:
		return false, nil
	case StatusDone:
		return false, ErrTerminal
	}
	j.Status = StatusCancelled
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = Millis(now)
	j.Version++
	return true, nil
}
