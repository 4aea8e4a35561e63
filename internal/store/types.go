// Package store persists the farm's warm state across restarts: endpoint
// health records and job schedule positions. Losing this state is survivable
// but expensive; a cold pool re-learns endpoint health the hard way.
package store

import (
	"errors"
	"time"

	"farmd/internal/job"
	"farmd/internal/proxy"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free JSON snapshots next to Path
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PoolState is a point-in-time snapshot of endpoint health.
type PoolState struct {
	SavedAt   time.Time              `json:"saved_at"`
	Endpoints []proxy.EndpointRecord `json:"endpoints"`
}

// JobState is a point-in-time snapshot of job schedule positions.
type JobState struct {
	SavedAt time.Time    `json:"saved_at"`
	Jobs    []job.Record `json:"jobs"`
}
