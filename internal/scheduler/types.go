// Package scheduler runs the farm's dispatch loop: due jobs are pulled from
// the registry, bounded by a concurrency permit, paired with a pool
// assignment and handed to the per-site action collaborator. Every exit
// path releases the permit and the assignment exactly once.
package scheduler

import (
	"context"
	"time"

	"farmd/internal/fallback"
	"farmd/internal/proxy"
)

// OutcomeKind is the closed classification of a cycle result. The core
// never inspects site-specific content; it only consumes this enum.
type OutcomeKind int

const (
	// OutcomeSuccess: the action completed; WaitHint carries any
	// site-reported cooldown before the next run.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeTransient: network timeout, temporary rate limit, site
	// unreachable. Always retried with backoff; never disables the job.
	OutcomeTransient

	// OutcomeNonTransient: credential rejected, account banned. The only
	// classification that can disable a job.
	OutcomeNonTransient

	// OutcomeDeferred: the site reports not-yet-ready; WaitHint says when
	// to come back. Not a failure.
	OutcomeDeferred
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient_failure"
	case OutcomeNonTransient:
		return "non_transient_failure"
	case OutcomeDeferred:
		return "deferred"
	}
	return "unknown"
}

// Outcome is the structured result returned by the action collaborator.
type Outcome struct {
	Kind     OutcomeKind
	WaitHint time.Duration // Success/Deferred: site-reported wait
	Reason   string        // failures: short operator-readable cause

	// Detected marks a transient failure where the egress endpoint itself
	// was identified and blocked, charging the endpoint (not the job).
	Detected bool

	// LatencyMS is the observed action latency, fed to endpoint health.
	LatencyMS float64
}

// Runner is the external per-site automation collaborator. It receives the
// cycle's assignment (nil endpoint = direct egress) and the fallback
// executor for any paid challenge solving it needs.
type Runner interface {
	Run(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome

func (f RunnerFunc) Run(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
	return f(ctx, account, site, asg, solver)
}

// Config controls the dispatch loop.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - tick: 1s
//   - defer_delay: 2m
type Config struct {
	// Workers bounds concurrently Running jobs; it stands in for the number
	// of browser/network contexts the surrounding system can afford.
	Workers int

	// Tick is the dispatch loop interval.
	Tick time.Duration

	// DeferDelay reschedules a job whose account got nothing from the pool.
	DeferDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 2 * time.Minute
	}
	return c
}

// Stats are cumulative cycle counters for metrics.
type Stats struct {
	Success      uint64 `json:"success"`
	Transient    uint64 `json:"transient_failure"`
	NonTransient uint64 `json:"non_transient_failure"`
	Deferred     uint64 `json:"deferred"`
	PoolDeferred uint64 `json:"pool_deferred"`
	Panics       uint64 `json:"panics"`
	InFlight     int32  `json:"in_flight"`
}

// CycleEvent is published on the bus after every completed cycle.
type CycleEvent struct {
	CycleID  string        `json:"cycle_id"`
	Account  string        `json:"account"`
	Site     string        `json:"site"`
	Endpoint string        `json:"endpoint,omitempty"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Took     time.Duration `json:"took"`
	Disabled bool          `json:"disabled,omitempty"`
}
