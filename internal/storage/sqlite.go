package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations.sql
var migrationsSQL string

// sqliteStore keeps one row per job. The claim is a single conditional
// UPDATE ... RETURNING, so it stays exclusive across processes sharing the
// database file.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	d   sqlDialect
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, d: qmarkDialect}
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	ms := toMillis(now)
	return s.query(ctx, "list_due", s.d.listDueSQL(), ms, ms, limit)
}

func (s *sqliteStore) TryClaim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*job.Job, error) {
	ms := toMillis(now)
	j, err := scanJob(s.db.QueryRowContext(ctx, s.d.claimSQL(),
		owner, toMillis(now.Add(ttl)), ms, id, ms, ms))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, job.Storage("claim", err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, job.ErrLeaseConflict
}

func (s *sqliteStore) Update(ctx context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	next, err := prepareUpdate(j)
	if err != nil {
		return nil, err
	}
	out, err := scanJob(s.db.QueryRowContext(ctx, s.d.updateSQL(), updateArgs(next, expectedVersion)...))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, job.Storage("update", err)
	}
	if _, err := s.Get(ctx, j.ID); err != nil {
		return nil, err
	}
	return nil, job.ErrConcurrency
}

func (s *sqliteStore) Create(ctx context.Context, j *job.Job) (*job.Job, error) {
	next, err := job.PrepareCreate(j, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, s.d.insertSQL(), jobArgs(next)...); err != nil {
		if isSQLiteDuplicate(err) {
			return nil, job.ErrExists
		}
		return nil, job.Storage("create", err)
	}
	return next, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.d.getSQL(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Storage("get", err)
	}
	return j, nil
}

func (s *sqliteStore) Cancel(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.d.cancelSQL(), toMillis(now), id))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, job.Storage("cancel", err)
	}
	return cancelNoop(s.Get(ctx, id))
}

func (s *sqliteStore) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	q, args := s.d.listSQL(f)
	return s.query(ctx, "list", q, args...)
}

func (s *sqliteStore) Purge(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error) {
	q, args := s.d.purgeSQL(defaultPurgeStatuses(statuses), olderThan)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, job.Storage("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, job.Storage("purge", err)
	}
	return int(n), nil
}

func (s *sqliteStore) query(ctx context.Context, op, q string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, job.Storage(op, err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, job.Storage(op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Storage(op, err)
	}
	return out, nil
}

func isSQLiteDuplicate(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// prepareUpdate normalizes and validates a job before a conditional write.
func prepareUpdate(j *job.Job) (*job.Job, error) {
	if j == nil {
		return nil, &job.ValidationError{Reason: "nil job"}
	}
	next := j.Clone()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// cancelNoop classifies a cancel whose conditional write matched nothing:
// the job is missing, already cancelled (idempotent), or done (terminal).
func cancelNoop(j *job.Job, err error) (*job.Job, error) {
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case job.StatusCancelled:
		return j, nil
	case job.StatusDone:
		return nil, job.ErrTerminal
	}
	// reset by an operator between the write and this read
	return nil, job.ErrConcurrency
}
