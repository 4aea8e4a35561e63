package proxy

import (
	"time"
)

const (
	defaultLatencyWindow    = 20
	defaultLatencyCeilingMS = 15000
	defaultMinSamples       = 5
	defaultHardFailureLimit = 10
	defaultCooldownBase     = 30 * time.Second
	defaultCooldownCap      = time.Hour
	defaultRepCeiling       = 1.0
	defaultSuccessGain      = 0.05
	defaultFailurePenalty   = 0.1
	defaultDetectedPenalty  = 0.25
	defaultDecayPerHour     = 0.01

	// reputationFloor keeps a weighted-selection chance for every live
	// endpoint, so a few bad cycles cannot starve it forever.
	reputationFloor = 0.01
)

// TrackerConfig holds the health-scoring tunables. The useful values are
// discovered empirically per target site, so everything is configuration.
type TrackerConfig struct {
	LatencyWindow    int
	LatencyCeilingMS float64
	MinSamples       int
	HardFailureLimit int

	CooldownBase time.Duration
	CooldownCap  time.Duration

	ReputationCeiling float64
	SuccessGain       float64
	FailurePenalty    float64
	DetectedPenalty   float64

	// DecayPerHour erodes reputation while an endpoint sits idle, so stale
	// "known good" scores do not outlive real-world endpoint drift.
	DecayPerHour float64
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = defaultLatencyWindow
	}
	if c.LatencyCeilingMS <= 0 {
		c.LatencyCeilingMS = defaultLatencyCeilingMS
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaultMinSamples
	}
	if c.HardFailureLimit <= 0 {
		c.HardFailureLimit = defaultHardFailureLimit
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = defaultCooldownBase
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = defaultCooldownCap
	}
	if c.ReputationCeiling <= 0 {
		c.ReputationCeiling = defaultRepCeiling
	}
	if c.SuccessGain <= 0 {
		c.SuccessGain = defaultSuccessGain
	}
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = defaultFailurePenalty
	}
	if c.DetectedPenalty <= 0 {
		c.DetectedPenalty = defaultDetectedPenalty
	}
	if c.DecayPerHour <= 0 {
		c.DecayPerHour = defaultDecayPerHour
	}
	return c
}

// Tracker applies outcome observations to endpoint state. It is a pure
// scoring component: no I/O, side effects confined to the Endpoint.
type Tracker struct {
	cfg TrackerConfig
}

func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{cfg: cfg.withDefaults()}
}

func (t *Tracker) Config() TrackerConfig { return t.cfg }

// RecordOutcome folds one observation into the endpoint.
// latencyMS <= 0 means no latency was observed for this cycle.
func (t *Tracker) RecordOutcome(ep *Endpoint, success bool, latencyMS float64, detected bool, now time.Time) {
	if ep == nil || ep.dead {
		return
	}

	// Materialize idle decay before applying the new observation.
	ep.reputation = t.reputationAt(ep, now)
	ep.lastTouch = now

	if success {
		ep.addLatency(latencyMS)
		ep.fails = 0
		ep.reputation += t.cfg.SuccessGain
		if ep.reputation > t.cfg.ReputationCeiling {
			ep.reputation = t.cfg.ReputationCeiling
		}
	} else {
		ep.fails++
		penalty := t.cfg.FailurePenalty
		if detected {
			penalty = t.cfg.DetectedPenalty
			ep.cooldownUntil = now.Add(t.cooldownFor(ep.fails))
		}
		ep.reputation -= penalty
		if ep.reputation < reputationFloor {
			ep.reputation = reputationFloor
		}
	}

	t.checkDead(ep)
}

// cooldownFor escalates with consecutive failures: base doubling per
// failure, clamped at the cap.
func (t *Tracker) cooldownFor(fails int) time.Duration {
	if fails < 1 {
		fails = 1
	}
	d := t.cfg.CooldownBase
	for i := 1; i < fails; i++ {
		d *= 2
		if d >= t.cfg.CooldownCap {
			return t.cfg.CooldownCap
		}
	}
	if d > t.cfg.CooldownCap {
		d = t.cfg.CooldownCap
	}
	return d
}

// checkDead marks the endpoint dead when failures exceed the hard limit, or
// when average latency is above the ceiling with enough samples to mean it.
func (t *Tracker) checkDead(ep *Endpoint) {
	if ep.fails > t.cfg.HardFailureLimit {
		ep.dead = true
		return
	}
	avg, n := ep.avgLatency()
	if n >= t.cfg.MinSamples && avg > t.cfg.LatencyCeilingMS {
		ep.dead = true
	}
}

// reputationAt returns the reputation with idle decay applied, without
// mutating the endpoint.
func (t *Tracker) reputationAt(ep *Endpoint, now time.Time) float64 {
	rep := ep.reputation
	if !ep.lastTouch.IsZero() && now.After(ep.lastTouch) {
		hours := now.Sub(ep.lastTouch).Hours()
		rep -= hours * t.cfg.DecayPerHour
	}
	if rep < reputationFloor {
		rep = reputationFloor
	}
	return rep
}
