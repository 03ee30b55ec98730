package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

const fileFormatVersion = 1

// fileStore keeps the whole job table in memory and persists it to a single
// JSON file after every mutation (temp file + fsync + rename).
//
// All operations run under one mutex, so claims are exclusive within the
// process. An advisory lock on <path>.lock keeps a second opener (another
// daemon or a one-shot tick) out for as long as the store is open.
type fileStore struct {
	log  logx.Logger
	path string
	lock *flock.Flock

	mu     sync.Mutex
	jobs   map[string]*job.Job
	closed bool
}

type fileTable struct {
	Version int        `json:"version"`
	Jobs    []*job.Job `json:"jobs"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	jobs, err := loadFileTable(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	log.Debug("file store loaded", logx.String("path", path), logx.Int("jobs", len(jobs)))
	return &fileStore{log: log, path: path, lock: lock, jobs: jobs}, nil
}

func loadFileTable(path string) (map[string]*job.Job, error) {
	out := map[string]*job.Job{}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return out, nil
	}
	var t fileTable
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, errors.New("decode " + path + ": " + err.Error())
	}
	for _, j := range t.Jobs {
		if j == nil || j.ID == "" {
			continue
		}
		j.Normalize()
		out[j.ID] = j
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.lock.Unlock()
}

func (s *fileStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, job.Storage("list_due", ErrClosed)
	}

	due := make([]*job.Job, 0, 8)
	for _, j := range s.jobs {
		if j.Claimable(now) {
			due = append(due, j)
		}
	}
	sortByNextRun(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return cloneAll(due), nil
}

func (s *fileStore) TryClaim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, job.Storage("claim", ErrClosed)
	}

	cur, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if !cur.Claimable(now) {
		return nil, job.ErrLeaseConflict
	}
	next := cur.Clone()
	job.ApplyClaim(next, owner, now, ttl)
	if err := s.commitLocked("claim", next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *fileStore) Update(ctx context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j == nil {
		return nil, &job.ValidationError{Reason: "nil job"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, job.Storage("update", ErrClosed)
	}

	cur, ok := s.jobs[j.ID]
	if !ok {
		return nil, job.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, job.ErrConcurrency
	}
	next := j.Clone()
	next.Version = expectedVersion + 1
	next.CreatedAt = cur.CreatedAt
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.commitLocked("update", next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *fileStore) Create(ctx context.Context, j *job.Job) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next, err := job.PrepareCreate(j, time.Now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, job.Storage("create", ErrClosed)
	}
	if _, exists := s.jobs[next.ID]; exists {
		return nil, job.ErrExists
	}
	if err := s.commitLocked("create", next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *fileStore) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, job.Storage("get", ErrClosed)
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *fileStore) Cancel(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, job.Storage("cancel", ErrClosed)
	}
	cur, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	next := cur.Clone()
	changed, err := job.ApplyCancel(next, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return next, nil
	}
	if err := s.commitLocked("cancel", next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *fileStore) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, job.Storage("list", ErrClosed)
	}
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Match(j) {
			out = append(out, j)
		}
	}
	sortByNextRun(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return cloneAll(out), nil
}

func (s *fileStore) Purge(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	match := job.Filter{Statuses: defaultPurgeStatuses(statuses)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, job.Storage("purge", ErrClosed)
	}
	removed := map[string]*job.Job{}
	for id, j := range s.jobs {
		if match.Match(j) && j.UpdatedAt.Before(olderThan) {
			removed[id] = j
			delete(s.jobs, id)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		for id, j := range removed {
			s.jobs[id] = j
		}
		return 0, job.Storage("purge", err)
	}
	return len(removed), nil
}

// commitLocked installs j and persists the table. On write failure the
// previous record is restored, so memory and disk never diverge.
func (s *fileStore) commitLocked(op string, j *job.Job) error {
	prev, had := s.jobs[j.ID]
	s.jobs[j.ID] = j
	if err := s.persistLocked(); err != nil {
		if had {
			s.jobs[j.ID] = prev
		} else {
			delete(s.jobs, j.ID)
		}
		s.log.Warn("file store write failed", logx.String("op", op), logx.String("job_id", j.ID), logx.Err(err))
		return job.Storage(op, err)
	}
	return nil
}

func (s *fileStore) persistLocked() error {
	t := fileTable{Version: fileFormatVersion, Jobs: make([]*job.Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		t.Jobs = append(t.Jobs, j)
	}
	sort.Slice(t.Jobs, func(a, b int) bool { return t.Jobs[a].ID < t.Jobs[b].ID })

	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, b)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func sortByNextRun(jobs []*job.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].NextRunAt.Equal(jobs[b].NextRunAt) {
			return jobs[a].NextRunAt.Before(jobs[b].NextRunAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

func cloneAll(in []*job.Job) []*job.Job {
	out := make([]*job.Job, len(in))
	for i, j := range in {
		out[i] = j.Clone()
	}
	return out
}
