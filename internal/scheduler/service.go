package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"farmd/internal/eventbus"
	"farmd/internal/fallback"
	"farmd/internal/job"
	"farmd/internal/proxy"
	rtsup "farmd/internal/runtime/supervisor"
	logx "farmd/pkg/logx"
)

// Event types published on the bus.
const (
	EventCycle       = "scheduler.cycle"
	EventJobDisabled = "scheduler.job_disabled"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	reg    *job.Registry
	pool   *proxy.Pool
	solver *fallback.Executor
	runner Runner

	sup    *rtsup.Supervisor
	stopCh chan struct{}
	queue  chan *job.Job

	stats struct {
		success      uint64
		transient    uint64
		nonTransient uint64
		deferred     uint64
		poolDeferred uint64
		panics       uint64
		inFlight     int32
	}

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

func New(cfg Config, reg *job.Registry, pool *proxy.Pool, solver *fallback.Executor, runner Runner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		pool:   pool,
		solver: solver,
		runner: runner,
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	stopCh := make(chan struct{})
	queue := make(chan *job.Job, cfg.Workers*4)
	permits := make(chan struct{}, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		permits <- struct{}{}
	}
	// Workers run on a context detached from the caller's: a shutdown
	// signal stops intake via stopCh but must not cut off the current
	// external call. Stop cancels this context only when the wait budget
	// runs out.
	sup := rtsup.New(context.WithoutCancel(ctx), s.log)
	s.sup = sup
	s.stopCh = stopCh
	s.queue = queue
	s.mu.Unlock()

	sup.Go("dispatch", func(ctx context.Context) {
		s.dispatch(ctx, stopCh, queue)
	})
	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		sup.Go(name, func(ctx context.Context) {
			s.worker(ctx, stopCh, queue, permits)
		})
	}
	s.log.Info("scheduler started",
		logx.Int("workers", cfg.Workers),
		logx.Int("jobs", s.reg.Len()),
		logx.Duration("tick", cfg.Tick))
}

// Stop halts new dispatch immediately and waits for in-flight cycles to
// finish their current external call, bounded by ctx. Jobs are never killed
// mid-call: that would leak an assignment or a partially charged budget.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	stopCh := s.stopCh
	queue := s.queue
	s.sup = nil
	s.stopCh = nil
	s.queue = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	close(stopCh)
	start := time.Now()
	if err := sup.Wait(ctx); err != nil {
		// Wait budget exhausted; hard-cancel whatever is still running.
		sup.Cancel()
		s.log.Warn("scheduler stop timed out; in-flight cycles cancelled", logx.Err(err))
	}

	// Jobs still queued were popped as Running but never picked up by a
	// worker; hand them back so a later Start sees them due again.
	requeued := 0
drain:
	for {
		select {
		case j := <-queue:
			s.reg.Defer(j, s.now(), s.cfg.Tick)
			requeued++
		default:
			break drain
		}
	}
	if requeued > 0 {
		s.log.Debug("undispatched jobs handed back", logx.Int("count", requeued))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// dispatch pops due jobs every tick and feeds the worker queue, earliest
// due first. Queue capacity bounds each batch so a burst of due jobs cannot
// pile up unbounded behind busy workers.
func (s *Service) dispatch(ctx context.Context, stopCh <-chan struct{}, queue chan *job.Job) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		now := s.now()
		free := cap(queue) - len(queue)
		if free <= 0 {
			continue
		}
		for _, j := range s.reg.PopDue(now, free) {
			select {
			case queue <- j:
			default:
				// Queue filled under us; hand the job back for the next tick.
				s.reg.Defer(j, now, s.cfg.Tick)
			}
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan *job.Job, permits chan struct{}) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			if !s.acquirePermit(ctx, stopCh, permits) {
				// Shutting down: the job must not be stranded in Running.
				s.reg.Defer(j, s.now(), s.cfg.Tick)
				return
			}
			s.runGuarded(ctx, j, permits)
		}
	}
}

func (s *Service) acquirePermit(ctx context.Context, stopCh <-chan struct{}, permits chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-permits:
		atomic.AddInt32(&s.stats.inFlight, 1)
		return true
	}
}

// runGuarded guarantees the permit is returned exactly once, whatever the
// cycle does.
func (s *Service) runGuarded(ctx context.Context, j *job.Job, permits chan struct{}) {
	defer func() {
		atomic.AddInt32(&s.stats.inFlight, -1)
		select {
		case permits <- struct{}{}:
		default:
		}
	}()
	s.runOne(ctx, j)
}

// runOne executes a single cycle for a Running job: acquire an assignment,
// invoke the collaborator, interpret the outcome, release and reschedule.
func (s *Service) runOne(ctx context.Context, j *job.Job) {
	now := s.now()

	asg, err := s.pool.Acquire(j.Account)
	if err != nil {
		// Degraded pool and the account's policy does not allow bypass:
		// defer without burning a failure.
		atomic.AddUint64(&s.stats.poolDeferred, 1)
		s.reg.Defer(j, now, s.cfg.DeferDelay)
		return
	}

	cycleID := uuid.NewString()
	start := time.Now()
	out := s.invoke(ctx, j, asg)
	took := time.Since(start)

	// Release is idempotent; releasing here (not deferred) keeps the health
	// observation ahead of the reschedule that may re-dispatch the account.
	s.pool.Release(asg, releaseOutcome(out))

	disabled := false
	switch out.Kind {
	case OutcomeSuccess:
		atomic.AddUint64(&s.stats.success, 1)
		s.reg.RescheduleSuccess(j, s.now(), out.WaitHint)
	case OutcomeDeferred:
		atomic.AddUint64(&s.stats.deferred, 1)
		s.reg.Defer(j, s.now(), out.WaitHint)
	case OutcomeNonTransient:
		atomic.AddUint64(&s.stats.nonTransient, 1)
		disabled = s.reg.RescheduleFailure(j, s.now(), true)
	default:
		atomic.AddUint64(&s.stats.transient, 1)
		s.reg.RescheduleFailure(j, s.now(), false)
	}

	ev := CycleEvent{
		CycleID: cycleID,
		Account: j.Account,
		Site:    j.Site,
		Outcome: out.Kind.String(),
		Reason:  out.Reason,
		Took:    took,
	}
	if asg.Endpoint != nil {
		ev.Endpoint = asg.Endpoint.Address
	}
	if disabled {
		ev.Disabled = true
		s.publish(EventJobDisabled, ev)
		s.log.Warn("job disabled after non-transient failures",
			logx.String("job", j.Key()), logx.String("reason", out.Reason))
	}
	s.publish(EventCycle, ev)

	s.log.Debug("cycle finished",
		logx.String("cycle", cycleID),
		logx.String("job", j.Key()),
		logx.String("outcome", out.Kind.String()),
		logx.Duration("took", took))
}

// invoke calls the external collaborator with a panic guard. A collaborator
// panic is classified Transient: fail safe, not fail disabled.
func (s *Service) invoke(ctx context.Context, j *job.Job, asg *proxy.Assignment) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			atomic.AddUint64(&s.stats.panics, 1)
			s.log.Error("action collaborator panicked",
				logx.String("job", j.Key()),
				logx.Any("panic", p))
			out = Outcome{Kind: OutcomeTransient, Reason: fmt.Sprintf("collaborator panic: %v", p)}
		}
	}()
	return s.runner.Run(ctx, j.Account, j.Site, asg, s.solver)
}

// releaseOutcome maps a cycle outcome to the endpoint health observation.
// Deferred and non-transient outcomes mean the egress worked well enough to
// get a definitive site answer, so the endpoint is not penalized.
func releaseOutcome(out Outcome) proxy.Outcome {
	switch out.Kind {
	case OutcomeSuccess, OutcomeDeferred, OutcomeNonTransient:
		return proxy.Outcome{Success: true, LatencyMS: out.LatencyMS}
	default:
		return proxy.Outcome{Success: false, LatencyMS: out.LatencyMS, Detected: out.Detected}
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Success:      atomic.LoadUint64(&s.stats.success),
		Transient:    atomic.LoadUint64(&s.stats.transient),
		NonTransient: atomic.LoadUint64(&s.stats.nonTransient),
		Deferred:     atomic.LoadUint64(&s.stats.deferred),
		PoolDeferred: atomic.LoadUint64(&s.stats.poolDeferred),
		Panics:       atomic.LoadUint64(&s.stats.panics),
		InFlight:     atomic.LoadInt32(&s.stats.inFlight),
	}
}

// InFlight reports how many concurrency permits are currently held.
func (s *Service) InFlight() int {
	return int(atomic.LoadInt32(&s.stats.inFlight))
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
