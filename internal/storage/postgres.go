package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore is the relational distributed backend. Row-level locking makes
// each conditional UPDATE linearizable per job, so any number of instances
// can share the table.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	d    sqlDialect
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*pgStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.HealthCheckPeriod = 30 * time.Second

	cctx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(cctx, migrationsSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &pgStore{pool: pool, log: log, d: dollarDialect}, nil
}

func (s *pgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *pgStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	ms := toMillis(now)
	var lim any = limit
	if limit <= 0 {
		lim = nil // LIMIT NULL means no limit
	}
	return s.query(ctx, "list_due", s.d.listDueSQL(), ms, ms, lim)
}

func (s *pgStore) TryClaim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*job.Job, error) {
	ms := toMillis(now)
	j, err := scanJob(s.pool.QueryRow(ctx, s.d.claimSQL(),
		owner, toMillis(now.Add(ttl)), ms, id, ms, ms))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, job.Storage("claim", err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, job.ErrLeaseConflict
}

func (s *pgStore) Update(ctx context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	next, err := prepareUpdate(j)
	if err != nil {
		return nil, err
	}
	out, err := scanJob(s.pool.QueryRow(ctx, s.d.updateSQL(), updateArgs(next, expectedVersion)...))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, job.Storage("update", err)
	}
	if _, err := s.Get(ctx, j.ID); err != nil {
		return nil, err
	}
	return nil, job.ErrConcurrency
}

func (s *pgStore) Create(ctx context.Context, j *job.Job) (*job.Job, error) {
	next, err := job.PrepareCreate(j, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, s.d.insertSQL(), jobArgs(next)...); err != nil {
		if isPgDuplicate(err) {
			return nil, job.ErrExists
		}
		return nil, job.Storage("create", err)
	}
	return next, nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, s.d.getSQL(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Storage("get", err)
	}
	return j, nil
}

func (s *pgStore) Cancel(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, s.d.cancelSQL(), toMillis(now), id))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, job.Storage("cancel", err)
	}
	return cancelNoop(s.Get(ctx, id))
}

func (s *pgStore) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	q, args := s.d.listSQL(f)
	return s.query(ctx, "list", q, args...)
}

func (s *pgStore) Purge(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error) {
	q, args := s.d.purgeSQL(defaultPurgeStatuses(statuses), olderThan)
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, job.Storage("purge", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) query(ctx context.Context, op, q string, args ...any) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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

// isPgDuplicate checks for a unique_violation (23505).
func isPgDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
