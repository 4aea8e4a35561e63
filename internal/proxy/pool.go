package proxy

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"farmd/internal/eventbus"
	logx "farmd/pkg/logx"
)

// Event types published on the bus.
const (
	EventDegraded     = "pool.degraded"
	EventRecovered    = "pool.recovered"
	EventEndpointDead = "pool.endpoint_dead"
)

// ErrExhausted is returned by Acquire when no usable endpoint remains
// (all dead or cooling down). Callers decide between bypass and deferral.
var ErrExhausted = errors.New("proxy: no usable endpoint")

type Config struct {
	Endpoints []string

	// StalenessHorizon bounds how old persisted endpoint state may be
	// before Restore discards it (default 7 days).
	StalenessHorizon time.Duration

	Tracker TrackerConfig
}

// Pool owns the endpoint set. It hands out assignments (sticky per account),
// folds outcomes back into health state and persists/restores snapshots.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	tracker *Tracker

	endpoints []*Endpoint
	byAddr    map[string]*Endpoint
	sticky    map[string]*Endpoint
	bypass    map[string]bool

	rng      *rand.Rand
	degraded bool

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.StalenessHorizon <= 0 {
		cfg.StalenessHorizon = 7 * 24 * time.Hour
	}
	tracker := NewTracker(cfg.Tracker)
	cfg.Tracker = tracker.Config()

	p := &Pool{
		cfg:     cfg,
		tracker: tracker,
		byAddr:  map[string]*Endpoint{},
		sticky:  map[string]*Endpoint{},
		bypass:  map[string]bool{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     log,
		bus:     bus,
		now:     time.Now,
	}
	now := p.now()
	for _, addr := range cfg.Endpoints {
		if addr == "" || p.byAddr[addr] != nil {
			continue
		}
		ep := newEndpoint(addr, cfg.Tracker.LatencyWindow, cfg.Tracker.ReputationCeiling, now)
		p.endpoints = append(p.endpoints, ep)
		p.byAddr[addr] = ep
	}
	return p
}

// SetBypassAccounts marks accounts that always use direct egress.
func (p *Pool) SetBypassAccounts(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bypass = make(map[string]bool, len(ids))
	for _, id := range ids {
		p.bypass[id] = true
	}
}

// Acquire returns an assignment for the account.
//
// Bypass accounts get a nil-endpoint assignment. Sticky bindings are honored
// while the bound endpoint is usable; otherwise a fresh endpoint is chosen
// by reputation-weighted selection and the binding is updated.
func (p *Pool) Acquire(account string) (*Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bypass[account] {
		return &Assignment{Account: account, pool: p}, nil
	}

	now := p.now()
	if st := p.sticky[account]; st != nil && st.usableAt(now) {
		return &Assignment{Account: account, Endpoint: st, pool: p}, nil
	}

	ep := p.selectLocked(now)
	if ep == nil {
		if !p.degraded {
			p.degraded = true
			p.log.Warn("pool degraded: no usable endpoint", logx.Int("total", len(p.endpoints)))
			p.publish(EventDegraded, p.healthLocked(now))
		}
		return nil, ErrExhausted
	}
	if p.degraded {
		p.degraded = false
		p.publish(EventRecovered, p.healthLocked(now))
	}

	p.sticky[account] = ep
	return &Assignment{Account: account, Endpoint: ep, pool: p}, nil
}

// selectLocked picks among usable endpoints, weighted by decayed reputation.
// A small latency term breaks ties between equally reputable endpoints
// without letting latency dominate the reputation signal.
func (p *Pool) selectLocked(now time.Time) *Endpoint {
	var cands []*Endpoint
	var weights []float64
	var total float64
	for _, ep := range p.endpoints {
		if !ep.usableAt(now) {
			continue
		}
		w := p.tracker.reputationAt(ep, now)
		if avg, n := ep.avgLatency(); n > 0 {
			w += 0.05 / (1 + avg/1000)
		}
		cands = append(cands, ep)
		weights = append(weights, w)
		total += w
	}
	if len(cands) == 0 {
		return nil
	}
	r := p.rng.Float64() * total
	for i, ep := range cands {
		r -= weights[i]
		if r <= 0 {
			return ep
		}
	}
	return cands[len(cands)-1]
}

// Release folds the outcome back into endpoint health. It is idempotent:
// only the first call per assignment has any effect. Bypass assignments are
// a no-op on the endpoint set.
func (p *Pool) Release(a *Assignment, out Outcome) {
	if a == nil || !a.released.CompareAndSwap(false, true) {
		return
	}
	ep := a.Endpoint
	if ep == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	wasDead := ep.dead
	wasCooling := ep.coolingAt(now)
	p.tracker.RecordOutcome(ep, out.Success, out.LatencyMS, out.Detected, now)

	if ep.dead && !wasDead {
		p.log.Warn("endpoint marked dead",
			logx.String("endpoint", ep.Address),
			logx.Int("consecutive_failures", ep.fails))
		p.publish(EventEndpointDead, map[string]any{"endpoint": ep.Address})
		return
	}
	if ep.coolingAt(now) && !wasCooling {
		p.log.Info("endpoint cooling down",
			logx.String("endpoint", ep.Address),
			logx.Time("until", ep.cooldownUntil),
			logx.Int("consecutive_failures", ep.fails))
	}
}

// Health returns a point-in-time pool summary.
func (p *Pool) Health() HealthStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthLocked(p.now())
}

func (p *Pool) healthLocked(now time.Time) HealthStats {
	var h HealthStats
	h.Total = len(p.endpoints)
	for _, ep := range p.endpoints {
		switch {
		case ep.dead:
			h.Dead++
		case ep.coolingAt(now):
			h.CoolingDown++
		default:
			h.Healthy++
		}
	}
	return h
}

// Snapshot exports persistable endpoint state. Dead endpoints are excluded:
// they must not survive a restart back into selection.
func (p *Pool) Snapshot() []EndpointRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	recs := make([]EndpointRecord, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.dead {
			continue
		}
		rec := EndpointRecord{
			Address:             ep.Address,
			ConsecutiveFailures: ep.fails,
			Reputation:          ep.reputation,
			SavedAt:             now,
		}
		for i := 0; i < ep.latFill; i++ {
			rec.LatencyMS = append(rec.LatencyMS, ep.latency[i])
		}
		if !ep.cooldownUntil.IsZero() && now.Before(ep.cooldownUntil) {
			until := ep.cooldownUntil
			rec.CooldownUntil = &until
		}
		recs = append(recs, rec)
	}
	return recs
}

// Restore applies persisted records to configured endpoints. Records older
// than the staleness horizon are discarded: real-world endpoint quality
// drifts too much to trust them. Returns the number of records applied.
func (p *Pool) Restore(recs []EndpointRecord) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	applied := 0
	for _, rec := range recs {
		ep := p.byAddr[rec.Address]
		if ep == nil || ep.dead {
			continue
		}
		if rec.SavedAt.IsZero() || now.Sub(rec.SavedAt) > p.cfg.StalenessHorizon {
			p.log.Debug("discarding stale endpoint state",
				logx.String("endpoint", rec.Address),
				logx.Time("saved_at", rec.SavedAt))
			continue
		}
		ep.fails = rec.ConsecutiveFailures
		ep.reputation = rec.Reputation
		if ep.reputation < reputationFloor {
			ep.reputation = reputationFloor
		}
		if ep.reputation > p.cfg.Tracker.ReputationCeiling {
			ep.reputation = p.cfg.Tracker.ReputationCeiling
		}
		if rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil) {
			ep.cooldownUntil = *rec.CooldownUntil
		}
		for _, ms := range rec.LatencyMS {
			ep.addLatency(ms)
		}
		ep.lastTouch = rec.SavedAt
		applied++
	}
	return applied
}

func (p *Pool) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
