package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// ErrLocked is returned when another process already holds the store open.
var ErrLocked = errors.New("store locked by another process")

// Config configures storage.
//
// Driver values:
//   - "file": JSON table file at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN (postgres://...)
//   - "mongo": DSN (mongodb://...), Database, Collection
//   - "redis": DSN (redis://...), Prefix
type Config struct {
	Driver string
	Path   string
	DSN    string

	Database   string // mongo only; default "jobsched"
	Collection string // mongo only; default "jobs"
	Prefix     string // redis only; default "jobsched:"

	BusyTimeout    time.Duration // sqlite only; 0 means 5s
	MaxConns       int32         // postgres/redis pool size; 0 means driver default
	ConnectTimeout time.Duration // postgres/mongo/redis; 0 means 10s
}

// Distributed reports whether the driver coordinates several hosts.
// The in-process tick loop is meant for single-instance deployments only.
func (c Config) Distributed() bool {
	switch normalizeDriver(c.Driver) {
	case "postgres", "mongo", "redis":
		return true
	}
	return false
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 10 * time.Second
}
