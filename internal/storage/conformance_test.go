package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jobsched/internal/job"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type storeOpener func(t *testing.T) job.Store

func newTestJob(typ string, next time.Time) *job.Job {
	return &job.Job{
		Type:        typ,
		Schedule:    job.Every(time.Minute),
		Payload:     []byte(`{"n":1}`),
		NextRunAt:   next,
		MaxAttempts: 3,
	}
}

func mustCreate(t *testing.T, s job.Store, j *job.Job) *job.Job {
	t.Helper()
	out, err := s.Create(context.Background(), j)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return out
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func equalIDs(got []*job.Job, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

// runConformance exercises the job.Store contract against one backend.
func runConformance(t *testing.T, open storeOpener) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newTestJob("report", t0))
		if j.ID == "" || j.Version != 1 || j.Status != job.StatusPending {
			t.Fatalf("unexpected created job: %+v", j)
		}
		got, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Type != "report" || !got.NextRunAt.Equal(t0) || string(got.Payload) != `{"n":1}` {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if got.Schedule.Every() != time.Minute {
			t.Fatalf("schedule mismatch: %+v", got.Schedule)
		}

		dup := newTestJob("report", t0)
		dup.ID = j.ID
		if _, err := s.Create(ctx, dup); !errors.Is(err, job.ErrExists) {
			t.Fatalf("duplicate create: got %v want ErrExists", err)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
			t.Fatalf("missing get: got %v want ErrNotFound", err)
		}
		bad := newTestJob("report", t0)
		bad.Schedule = job.Schedule{Kind: job.KindInterval}
		if _, err := s.Create(ctx, bad); !job.IsValidation(err) {
			t.Fatalf("invalid create: got %v want ValidationError", err)
		}
	})

	t.Run("ListDueOrdering", func(t *testing.T) {
		s := open(t)
		late := mustCreate(t, s, newTestJob("a", t0.Add(2*time.Second)))
		early := mustCreate(t, s, newTestJob("a", t0))
		mid := mustCreate(t, s, newTestJob("a", t0.Add(time.Second)))
		mustCreate(t, s, newTestJob("a", t0.Add(time.Hour)))
		cancelled := mustCreate(t, s, newTestJob("a", t0))
		if _, err := s.Cancel(ctx, cancelled.ID, t0); err != nil {
			t.Fatalf("Cancel: %v", err)
		}

		due, err := s.ListDue(ctx, t0.Add(5*time.Second), 0)
		if err != nil {
			t.Fatalf("ListDue: %v", err)
		}
		if !equalIDs(due, early.ID, mid.ID, late.ID) {
			t.Fatalf("due order: got %v", ids(due))
		}
		due, _ = s.ListDue(ctx, t0.Add(5*time.Second), 2)
		if !equalIDs(due, early.ID, mid.ID) {
			t.Fatalf("due limit: got %v", ids(due))
		}
		due, _ = s.ListDue(ctx, t0.Add(-time.Millisecond), 0)
		if len(due) != 0 {
			t.Fatalf("nothing should be due yet, got %v", ids(due))
		}
	})

	t.Run("ClaimExclusive", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newTestJob("a", t0))

		const callers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   []string
			conflicts int
		)
		for i := 0; i < callers; i++ {
			owner := "owner-" + string(rune('a'+i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.TryClaim(ctx, j.ID, owner, t0, time.Minute)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, got.LeaseOwner)
				case errors.Is(err, job.ErrLeaseConflict):
					conflicts++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()

		if len(winners) != 1 || conflicts != callers-1 {
			t.Fatalf("winners=%v conflicts=%d, want exactly one winner", winners, conflicts)
		}
		got, _ := s.Get(ctx, j.ID)
		if got.Status != job.StatusLeased || got.LeaseOwner != winners[0] || got.Version != 2 {
			t.Fatalf("unexpected claimed job: %+v", got)
		}
		if !got.LeaseUntil.Equal(t0.Add(time.Minute)) {
			t.Fatalf("lease_until: got %v", got.LeaseUntil)
		}
		due, _ := s.ListDue(ctx, t0.Add(time.Second), 0)
		if len(due) != 0 {
			t.Fatalf("leased job must not be due while the lease is live: %v", ids(due))
		}
	})

	t.Run("ClaimNotDue", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newTestJob("a", t0.Add(time.Minute)))
		if _, err := s.TryClaim(ctx, j.ID, "x", t0, time.Minute); !errors.Is(err, job.ErrLeaseConflict) {
			t.Fatalf("claim before due: got %v want ErrLeaseConflict", err)
		}
		if _, err := s.TryClaim(ctx, "missing", "x", t0, time.Minute); !errors.Is(err, job.ErrNotFound) {
			t.Fatalf("claim missing: got %v want ErrNotFound", err)
		}
		got, _ := s.Get(ctx, j.ID)
		if got.Version != 1 || got.Status != job.StatusPending {
			t.Fatalf("failed claim must not modify the job: %+v", got)
		}
	})

	t.Run("ExpiredLeaseReclaim", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newTestJob("a", t0))
		ttl := 10 * time.Second
		if _, err := s.TryClaim(ctx, j.ID, "crashed", t0, ttl); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		if _, err := s.TryClaim(ctx, j.ID, "other", t0.Add(5*time.Second), ttl); !errors.Is(err, job.ErrLeaseConflict) {
			t.Fatalf("claim during live lease: got %v", err)
		}
		after := t0.Add(ttl + time.Millisecond)
		due, _ := s.ListDue(ctx, after, 0)
		if !equalIDs(due, j.ID) {
			t.Fatalf("expired lease must be due again, got %v", ids(due))
		}
		got, err := s.TryClaim(ctx, j.ID, "other", after, ttl)
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if got.LeaseOwner != "other" || got.Version != 3 {
			t.Fatalf("unexpected reclaimed job: %+v", got)
		}
	})

	t.Run("UpdateCAS", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newTestJob("a", t0))
		claimed, err := s.TryClaim(ctx, j.ID, "w", t0, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}

		stale := claimed.Clone()
		stale.Status = job.StatusPending
		stale.LastError = "stale"
		if _, err := s.Update(ctx, stale, j.Version); !errors.Is(err, job.ErrConcurrency) {
			t.Fatalf("stale update: got %v want ErrConcurrency", err)
		}
		cur, _ := s.Get(ctx, j.ID)
		if cur.LastError != "" || cur.Status != job.StatusLeased || cur.Version != claimed.Version {
			t.Fatalf("failed update must leave the record unchanged: %+v", cur)
		}

		rel := claimed.Clone()
		rel.Status = job.StatusPending
		rel.LeaseOwner = ""
		rel.LeaseUntil = time.Time{}
		rel.NextRunAt = t0.Add(time.Minute)
		rel.LastRunAt = t0
		rel.LastRunStatus = job.RunSuccess
		rel.ScheduledFor = t0
		out, err := s.Update(ctx, rel, claimed.Version)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if out.Version != claimed.Version+1 || out.LeaseOwner != "" || !out.NextRunAt.Equal(t0.Add(time.Minute)) {
			t.Fatalf("unexpected updated job: %+v", out)
		}
		if got, _ := s.Get(ctx, j.ID); !got.ScheduledFor.Equal(t0) {
			t.Fatalf("scheduled_for not persisted: %v", got.ScheduledFor)
		}

		ghost := newTestJob("a", t0)
		ghost.ID = "ghost"
		ghost.Status = job.StatusPending
		if _, err := s.Update(ctx, ghost, 1); !errors.Is(err, job.ErrNotFound) {
			t.Fatalf("update missing: got %v want ErrNotFound", err)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		s := open(t)
		j := mustCreate(t, s, newTestJob("a", t0))
		claimed, _ := s.TryClaim(ctx, j.ID, "w", t0, time.Minute)

		c, err := s.Cancel(ctx, j.ID, t0)
		if err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if c.Status != job.StatusCancelled || c.LeaseOwner != "" || c.Version != claimed.Version+1 {
			t.Fatalf("unexpected cancelled job: %+v", c)
		}
		again, err := s.Cancel(ctx, j.ID, t0)
		if err != nil || again.Status != job.StatusCancelled || again.Version != c.Version {
			t.Fatalf("second cancel must be a no-op: %+v, %v", again, err)
		}

		// the worker that claimed before the cancel cannot overwrite it
		rel := claimed.Clone()
		rel.Status = job.StatusPending
		if _, err := s.Update(ctx, rel, claimed.Version); !errors.Is(err, job.ErrConcurrency) {
			t.Fatalf("release after cancel: got %v want ErrConcurrency", err)
		}
		due, _ := s.ListDue(ctx, t0.Add(time.Hour), 0)
		if len(due) != 0 {
			t.Fatalf("cancelled job must not be due: %v", ids(due))
		}

		done := newTestJob("once", time.Time{})
		done.Schedule = job.Once(t0)
		done.Status = job.StatusDone
		done = mustCreate(t, s, done)
		if _, err := s.Cancel(ctx, done.ID, t0); !errors.Is(err, job.ErrTerminal) {
			t.Fatalf("cancel done: got %v want ErrTerminal", err)
		}
		if _, err := s.Cancel(ctx, "missing", t0); !errors.Is(err, job.ErrNotFound) {
			t.Fatalf("cancel missing: got %v want ErrNotFound", err)
		}
	})

	t.Run("ListFilter", func(t *testing.T) {
		s := open(t)
		a := mustCreate(t, s, newTestJob("a", t0))
		b := mustCreate(t, s, newTestJob("b", t0.Add(time.Second)))
		c := mustCreate(t, s, newTestJob("a", t0.Add(2*time.Second)))
		if _, err := s.Cancel(ctx, c.ID, t0); err != nil {
			t.Fatalf("Cancel: %v", err)
		}

		all, err := s.List(ctx, job.Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if !equalIDs(all, a.ID, b.ID, c.ID) {
			t.Fatalf("list all: got %v", ids(all))
		}
		pending, _ := s.List(ctx, job.Filter{Statuses: []job.Status{job.StatusPending}})
		if !equalIDs(pending, a.ID, b.ID) {
			t.Fatalf("list pending: got %v", ids(pending))
		}
		typed, _ := s.List(ctx, job.Filter{Type: "a"})
		if !equalIDs(typed, a.ID, c.ID) {
			t.Fatalf("list type a: got %v", ids(typed))
		}
		limited, _ := s.List(ctx, job.Filter{Limit: 1})
		if !equalIDs(limited, a.ID) {
			t.Fatalf("list limit: got %v", ids(limited))
		}
	})

	t.Run("Purge", func(t *testing.T) {
		s := open(t)
		keep := mustCreate(t, s, newTestJob("a", t0))
		gone := mustCreate(t, s, newTestJob("a", t0))
		if _, err := s.Cancel(ctx, gone.ID, t0); err != nil {
			t.Fatalf("Cancel: %v", err)
		}

		n, err := s.Purge(ctx, t0.Add(-time.Hour), nil)
		if err != nil || n != 0 {
			t.Fatalf("purge with old cutoff: n=%d err=%v", n, err)
		}
		n, err = s.Purge(ctx, t0.Add(time.Hour), nil)
		if err != nil || n != 1 {
			t.Fatalf("purge: n=%d err=%v, want 1", n, err)
		}
		if _, err := s.Get(ctx, gone.ID); !errors.Is(err, job.ErrNotFound) {
			t.Fatalf("purged job still present: %v", err)
		}
		if _, err := s.Get(ctx, keep.ID); err != nil {
			t.Fatalf("pending job must survive purge: %v", err)
		}
	})
}
