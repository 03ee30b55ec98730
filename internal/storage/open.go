package storage

import (
	"context"
	"errors"
	"strings"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (job.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := normalizeDriver(cfg.Driver)
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(ctx, cfg, log)
	case "postgres":
		return openPostgres(ctx, cfg, log)
	case "mongo":
		return openMongo(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func normalizeDriver(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	switch d {
	case "sqlite3":
		return "sqlite"
	case "pg", "postgresql":
		return "postgres"
	case "mongodb":
		return "mongo"
	}
	return d
}

func defaultPurgeStatuses(statuses []job.Status) []job.Status {
	if len(statuses) > 0 {
		return statuses
	}
	return []job.Status{job.StatusDone, job.StatusFailed, job.StatusCancelled}
}
