package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// redisStore is the key-value distributed backend. Each job is one JSON
// string; a sorted set scored by next_run_at (ms) indexes the pending and
// leased jobs, and a plain set tracks every id for listing.
//
// Conditional writes use WATCH/MULTI on the job key: the check runs in Go
// against the watched value and EXEC fails if anyone wrote the key in
// between, so a claim or versioned update is linearizable per job.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

const (
	defaultRedisPrefix = "jobsched:"
	// attempts per conditional write before contention is reported
	redisTxRetries = 8
	redisPage      = 256
)

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (*redisStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	opts.DialTimeout = cfg.connectTimeout()
	if cfg.MaxConns > 0 {
		opts.PoolSize = int(cfg.MaxConns)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := newRedisStore(client, cfg.Prefix, log)
	log.Debug("redis store opened", logx.String("addr", opts.Addr), logx.Int("db", opts.DB), logx.String("prefix", s.prefix))
	return s, nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *redisStore) schedKey() string        { return s.prefix + "sched" }
func (s *redisStore) idsKey() string          { return s.prefix + "ids" }

func (s *redisStore) Close() error { return s.client.Close() }

func schedulable(j *job.Job) bool {
	return j.Status == job.StatusPending || j.Status == job.StatusLeased
}

func encodeJob(j *job.Job) (string, error) {
	b, err := json.Marshal(j)
	return string(b), err
}

func decodeJob(raw string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	j.Normalize()
	return &j, nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// get reads one job through c, which is the client or a WATCH transaction.
func (s *redisStore) get(ctx context.Context, c redisGetter, op, id string) (*job.Job, error) {
	raw, err := c.Get(ctx, s.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Storage(op, err)
	}
	j, err := decodeJob(raw)
	if err != nil {
		return nil, job.Storage(op, fmt.Errorf("decode %s: %w", id, err))
	}
	return j, nil
}

// put queues the write of j and its index entries on a MULTI pipeline.
func (s *redisStore) put(ctx context.Context, p redis.Pipeliner, j *job.Job, raw string) {
	p.Set(ctx, s.jobKey(j.ID), raw, 0)
	p.SAdd(ctx, s.idsKey(), j.ID)
	if schedulable(j) {
		p.ZAdd(ctx, s.schedKey(), redis.Z{Score: float64(j.NextRunAt.UnixMilli()), Member: j.ID})
	} else {
		p.ZRem(ctx, s.schedKey(), j.ID)
	}
}

// casLoop runs fn under WATCH on the job key, retrying when another
// client wrote the key first. fn returns the job to store, or nil to
// commit nothing.
func (s *redisStore) casLoop(ctx context.Context, op, id string, fn func(tx *redis.Tx) (*job.Job, error)) (*job.Job, error) {
	var out *job.Job
	for range redisTxRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			next, err := fn(tx)
			if err != nil || next == nil {
				out = next
				return err
			}
			raw, err := encodeJob(next)
			if err != nil {
				return job.Storage(op, err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				s.put(ctx, p, next, raw)
				return nil
			})
			out = next
			return err
		}, s.jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if isStoreError(err) {
				return nil, err
			}
			return nil, job.Storage(op, err)
		}
		return out, nil
	}
	s.log.Debug("redis write contended", logx.String("op", op), logx.String("job_id", id))
	if op == "claim" {
		return nil, job.ErrLeaseConflict
	}
	return nil, job.ErrConcurrency
}

// isStoreError reports whether err already speaks the job.Store contract.
func isStoreError(err error) bool {
	for _, target := range []error{job.ErrStorage, job.ErrNotFound, job.ErrLeaseConflict, job.ErrConcurrency, job.ErrTerminal, job.ErrExists} {
		if errors.Is(err, target) {
			return true
		}
	}
	return job.IsValidation(err)
}

func (s *redisStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	now = job.Millis(now)
	upTo := strconv.FormatInt(now.UnixMilli(), 10)
	var due []*job.Job
	for offset := int64(0); ; offset += redisPage {
		// ZRANGEBYSCORE orders equal scores by member, i.e. by id
		idsPage, err := s.client.ZRangeByScore(ctx, s.schedKey(), &redis.ZRangeBy{
			Min: "-inf", Max: upTo, Offset: offset, Count: redisPage,
		}).Result()
		if err != nil {
			return nil, job.Storage("list_due", err)
		}
		jobs, err := s.mget(ctx, "list_due", idsPage)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.Claimable(now) {
				due = append(due, j)
				if limit > 0 && len(due) == limit {
					return due, nil
				}
			}
		}
		if len(idsPage) < redisPage {
			return due, nil
		}
	}
}

// mget loads ids in order, skipping ids deleted since they were indexed.
func (s *redisStore) mget(ctx context.Context, op string, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, job.Storage(op, err)
	}
	out := make([]*job.Job, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		j, err := decodeJob(raw)
		if err != nil {
			s.log.Warn("skipping undecodable job", logx.String("job_id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *redisStore) TryClaim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*job.Job, error) {
	now = job.Millis(now)
	return s.casLoop(ctx, "claim", id, func(tx *redis.Tx) (*job.Job, error) {
		cur, err := s.get(ctx, tx, "claim", id)
		if err != nil {
			return nil, err
		}
		if !cur.Claimable(now) {
			return nil, job.ErrLeaseConflict
		}
		job.ApplyClaim(cur, owner, now, ttl)
		return cur, nil
	})
}

func (s *redisStore) Update(ctx context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	next, err := prepareUpdate(j)
	if err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	return s.casLoop(ctx, "update", next.ID, func(tx *redis.Tx) (*job.Job, error) {
		cur, err := s.get(ctx, tx, "update", next.ID)
		if err != nil {
			return nil, err
		}
		if cur.Version != expectedVersion {
			return nil, job.ErrConcurrency
		}
		return next.Clone(), nil
	})
}

func (s *redisStore) Create(ctx context.Context, j *job.Job) (*job.Job, error) {
	next, err := job.PrepareCreate(j, time.Now())
	if err != nil {
		return nil, err
	}
	return s.casLoop(ctx, "create", next.ID, func(tx *redis.Tx) (*job.Job, error) {
		n, err := tx.Exists(ctx, s.jobKey(next.ID)).Result()
		if err != nil {
			return nil, job.Storage("create", err)
		}
		if n > 0 {
			return nil, job.ErrExists
		}
		return next.Clone(), nil
	})
}

func (s *redisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.get(ctx, s.client, "get", id)
}

func (s *redisStore) Cancel(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	var unchanged *job.Job
	out, err := s.casLoop(ctx, "cancel", id, func(tx *redis.Tx) (*job.Job, error) {
		cur, err := s.get(ctx, tx, "cancel", id)
		if err != nil {
			return nil, err
		}
		changed, err := job.ApplyCancel(cur, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			unchanged = cur
			return nil, nil
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return unchanged, nil
	}
	return out, nil
}

func (s *redisStore) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	all, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, job.Storage("list", err)
	}
	var out []*job.Job
	for start := 0; start < len(all); start += redisPage {
		jobs, err := s.mget(ctx, "list", all[start:min(start+redisPage, len(all))])
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if f.Match(j) {
				out = append(out, j)
			}
		}
	}
	sortByNextRun(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *redisStore) Purge(ctx context.Context, olderThan time.Time, statuses []job.Status) (int, error) {
	match := job.Filter{Statuses: defaultPurgeStatuses(statuses)}
	olderThan = job.Millis(olderThan)
	candidates, err := s.List(ctx, match)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range candidates {
		if !c.UpdatedAt.Before(olderThan) {
			continue
		}
		// re-check under WATCH so a job reset in the meantime survives
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := s.get(ctx, tx, "purge", c.ID)
			if err != nil {
				return err
			}
			if !match.Match(cur) || !cur.UpdatedAt.Before(olderThan) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, s.jobKey(c.ID))
				p.SRem(ctx, s.idsKey(), c.ID)
				p.ZRem(ctx, s.schedKey(), c.ID)
				return nil
			})
			if err == nil {
				n++
			}
			return err
		}, s.jobKey(c.ID))
		switch {
		case err == nil, errors.Is(err, job.ErrNotFound), errors.Is(err, redis.TxFailedErr):
		default:
			return n, job.Storage("purge", err)
		}
	}
	return n, nil
}
