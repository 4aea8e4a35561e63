package job

import (
	"sync"
	"time"

	logx "farmd/pkg/logx"
)

type Config struct {
	// DefaultInterval is the claim interval after a success with no
	// site-reported wait hint.
	DefaultInterval time.Duration

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	// DisableAfter is the consecutive-failure count at which a job
	// reporting a non-transient failure is disabled.
	DisableAfter int
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = time.Hour
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = 30 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = time.Hour
	}
	if c.DisableAfter <= 0 {
		c.DisableAfter = 3
	}
	return c
}

// Registry owns the job set and the timer heap. Jobs popped via PopDue are
// in Running state and out of the heap until rescheduled, which is what
// enforces "at most one run per (account, site) at a time".
type Registry struct {
	mu   sync.Mutex
	cfg  Config
	jobs map[string]*Job
	heap timerHeap

	now func() time.Time
	log logx.Logger
}

func NewRegistry(cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:  cfg.withDefaults(),
		jobs: map[string]*Job{},
		now:  time.Now,
		log:  log,
	}
}

// Add registers a job due immediately. interval == 0 uses the default claim
// interval. Adding an existing key is a no-op (restart safety).
func (r *Registry) Add(account, site string, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &Job{
		Account:  account,
		Site:     site,
		state:    StateIdle,
		interval: interval,
		backoff:  r.cfg.BackoffFloor,
		heapIdx:  -1,
	}
	if r.jobs[j.Key()] != nil {
		return
	}
	j.nextDueAt = r.now()
	r.jobs[j.Key()] = j
	pushJob(&r.heap, j)
}

// PopDue removes and returns up to max due jobs, earliest first, marking
// them Running. The caller must hand every returned job back through one of
// the Reschedule methods.
func (r *Registry) PopDue(now time.Time, max int) []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Job
	for len(due) < max {
		j := peekJob(r.heap)
		if j == nil || j.nextDueAt.After(now) {
			break
		}
		popJob(&r.heap)
		j.state = StateRunning
		due = append(due, j)
	}
	return due
}

// NextDue reports the earliest due-time among queued jobs.
func (r *Registry) NextDue() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := peekJob(r.heap)
	if j == nil {
		return time.Time{}, false
	}
	return j.nextDueAt, true
}

// RescheduleSuccess re-queues after a successful cycle. hint > 0 is a
// site-reported wait (e.g. a claim cooldown); otherwise the claim interval
// applies. Failure counters and backoff reset.
func (r *Registry) RescheduleSuccess(j *Job, now time.Time, hint time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wait := hint
	if wait <= 0 {
		wait = j.interval
	}
	if wait <= 0 {
		wait = r.cfg.DefaultInterval
	}

	j.state = StateIdle
	j.lastSuccessAt = now
	j.consecutiveFailures = 0
	j.backoff = r.cfg.BackoffFloor
	r.requeueLocked(j, now.Add(wait))
}

// RescheduleFailure re-queues with exponential backoff. Only a non-transient
// classification can disable the job, and only once the consecutive-failure
// count reaches the configured threshold; transient failures back off
// forever without disabling. Returns true when the job was disabled.
func (r *Registry) RescheduleFailure(j *Job, now time.Time, nonTransient bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j.consecutiveFailures++

	if nonTransient && j.consecutiveFailures >= r.cfg.DisableAfter {
		j.state = StateDisabled
		r.log.Warn("job disabled",
			logx.String("job", j.Key()),
			logx.Int("consecutive_failures", j.consecutiveFailures))
		return true
	}

	j.state = StateCooldownWait
	r.requeueLocked(j, now.Add(j.backoff))

	// Double after use, clamped at the ceiling.
	j.backoff *= 2
	if j.backoff > r.cfg.BackoffCeiling {
		j.backoff = r.cfg.BackoffCeiling
	}
	return false
}

// Defer re-queues without touching failure counters or backoff: the site
// reported not-ready (or the pool had nothing to offer).
func (r *Registry) Defer(j *Job, now time.Time, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wait <= 0 {
		wait = r.cfg.BackoffFloor
	}
	j.state = StateCooldownWait
	r.requeueLocked(j, now.Add(wait))
}

func (r *Registry) requeueLocked(j *Job, due time.Time) {
	j.nextDueAt = due
	if j.heapIdx < 0 {
		pushJob(&r.heap, j)
	}
}

// Counts returns jobs per state for metrics.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int{}
	for _, j := range r.jobs {
		counts[j.state.String()]++
	}
	return counts
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Snapshot exports persistable schedule state for every job.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recs := make([]Record, 0, len(r.jobs))
	for _, j := range r.jobs {
		recs = append(recs, Record{
			Account:             j.Account,
			Site:                j.Site,
			State:               j.state.String(),
			NextDueAt:           j.nextDueAt,
			ConsecutiveFailures: j.consecutiveFailures,
			LastSuccessAt:       j.lastSuccessAt,
			BackoffSeconds:      int(j.backoff / time.Second),
			SavedAt:             now,
		})
	}
	return recs
}

// Restore applies persisted schedule positions to already-Added jobs.
// Records older than horizon are ignored (the schedule information is no
// longer meaningful); unknown (account, site) pairs are skipped, so removing
// an account from config drops its state naturally. Returns applied count.
func (r *Registry) Restore(recs []Record, horizon time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	applied := 0
	for _, rec := range recs {
		j := r.jobs[rec.Account+"/"+rec.Site]
		if j == nil {
			continue
		}
		if horizon > 0 && (rec.SavedAt.IsZero() || now.Sub(rec.SavedAt) > horizon) {
			continue
		}
		j.state = parseState(rec.State)
		j.consecutiveFailures = rec.ConsecutiveFailures
		j.lastSuccessAt = rec.LastSuccessAt
		if rec.BackoffSeconds > 0 {
			j.backoff = time.Duration(rec.BackoffSeconds) * time.Second
			if j.backoff > r.cfg.BackoffCeiling {
				j.backoff = r.cfg.BackoffCeiling
			}
		}

		if j.state == StateDisabled {
			if j.heapIdx >= 0 {
				// Disabled jobs do not participate in scheduling.
				removeJob(&r.heap, j)
			}
			applied++
			continue
		}
		due := rec.NextDueAt
		if due.IsZero() {
			due = now
		}
		j.nextDueAt = due
		if j.heapIdx >= 0 {
			fixJob(&r.heap, j)
		} else {
			pushJob(&r.heap, j)
		}
		applied++
	}
	return applied
}
