// Package proxy tracks a set of shared network egress endpoints: health
// scoring, sticky per-account assignment, cooldown/eviction and reputation
// decay. The pool is the only writer of endpoint state; callers feed
// observed outcomes back through Release.
package proxy

import (
	"sync/atomic"
	"time"
)

// Endpoint is one network egress point. All mutable fields are owned by the
// Pool and changed only under its lock; once dead an endpoint is never
// selected again, but it stays in the in-memory set for inspection.
type Endpoint struct {
	Address string

	latency []float64 // ring buffer of recent latency samples (ms)
	latIdx  int
	latFill int

	fails         int
	reputation    float64
	cooldownUntil time.Time
	dead          bool

	lastTouch time.Time // last outcome or decay application
}

func newEndpoint(address string, window int, reputation float64, now time.Time) *Endpoint {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &Endpoint{
		Address:    address,
		latency:    make([]float64, window),
		reputation: reputation,
		lastTouch:  now,
	}
}

func (e *Endpoint) addLatency(ms float64) {
	if ms <= 0 || len(e.latency) == 0 {
		return
	}
	e.latency[e.latIdx] = ms
	e.latIdx = (e.latIdx + 1) % len(e.latency)
	if e.latFill < len(e.latency) {
		e.latFill++
	}
}

// avgLatency returns the mean over the sample window and the sample count.
func (e *Endpoint) avgLatency() (float64, int) {
	if e.latFill == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < e.latFill; i++ {
		sum += e.latency[i]
	}
	return sum / float64(e.latFill), e.latFill
}

func (e *Endpoint) coolingAt(now time.Time) bool {
	return !e.cooldownUntil.IsZero() && now.Before(e.cooldownUntil)
}

func (e *Endpoint) usableAt(now time.Time) bool {
	return !e.dead && !e.coolingAt(now)
}

// Dead reports whether the endpoint has been permanently evicted.
func (e *Endpoint) Dead() bool { return e.dead }

// Assignment binds an account to an endpoint for one cycle.
// A nil Endpoint means direct egress (bypass policy).
type Assignment struct {
	Account  string
	Endpoint *Endpoint

	pool     *Pool
	released atomic.Bool
}

// Bypass reports whether this assignment uses direct egress.
func (a *Assignment) Bypass() bool { return a == nil || a.Endpoint == nil }

// Outcome is the caller-observed result of using an assignment.
// Detected means the egress point itself was identified and blocked by the
// target, as opposed to a generic timeout.
type Outcome struct {
	Success   bool
	LatencyMS float64
	Detected  bool
}

// EndpointRecord is the persisted, human-inspectable form of endpoint state.
type EndpointRecord struct {
	Address             string     `json:"address"`
	LatencyMS           []float64  `json:"latency_ms,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Reputation          float64    `json:"reputation"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	SavedAt             time.Time  `json:"saved_at"`
}

// HealthStats is a point-in-time pool summary for metrics.
type HealthStats struct {
	Healthy     int `json:"healthy"`
	CoolingDown int `json:"cooling_down"`
	Dead        int `json:"dead"`
	Total       int `json:"total"`
}
