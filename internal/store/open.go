package store

import (
	"context"
	"errors"
	"strings"

	logx "farmd/pkg/logx"
)

// Store is the persistence API used by the app's snapshot loop. A missing
// snapshot is not an error: Load returns an empty state.
type Store interface {
	SavePool(ctx context.Context, st PoolState) error
	LoadPool(ctx context.Context) (PoolState, error)
	SaveJobs(ctx context.Context, st JobState) error
	LoadJobs(ctx context.Context) (JobState, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
