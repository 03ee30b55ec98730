package app

import (
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	connect, err := config.ParseDurationOrDefault("store.connect_timeout", sc.ConnectTimeout, 10*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:         driver,
		Path:           path,
		DSN:            strings.TrimSpace(sc.DSN),
		Database:       strings.TrimSpace(sc.Database),
		Collection:     strings.TrimSpace(sc.Collection),
		Prefix:         strings.TrimSpace(sc.Prefix),
		MaxConns:       int32(sc.MaxConns),
		ConnectTimeout: connect,
	}

	switch driver {
	case "file":
		if out.Path == "" {
			out.Path = "./data/jobs.json"
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("store.path is required when store.driver=sqlite")
		}
		if out.BusyTimeout, err = config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, 5*time.Second); err != nil {
			return storage.Config{}, err
		}
	case "postgres", "postgresql", "pg", "mongo", "mongodb", "redis":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("store.dsn is required when store.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown store.driver: %s", sc.Driver)
	}
	return out, nil
}
