package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmd/internal/eventbus"
	"farmd/internal/fallback"
	"farmd/internal/job"
	"farmd/internal/proxy"
	logx "farmd/pkg/logx"
)

type fixture struct {
	svc    *Service
	reg    *job.Registry
	pool   *proxy.Pool
	bus    eventbus.Bus
	cycles <-chan eventbus.Event
	unsub  func()
}

func newFixture(t *testing.T, endpoints []string, jobCfg job.Config, runner Runner) *fixture {
	t.Helper()

	bus := eventbus.New()
	reg := job.NewRegistry(jobCfg, logx.Nop())
	pool := proxy.New(proxy.Config{Endpoints: endpoints}, logx.Nop(), bus)
	budget := fallback.NewBudget(100)
	solver := fallback.NewExecutor(fallback.Config{
		Providers: []fallback.Provider{{Name: "stub", Cost: 1}},
	}, budget, logx.Nop(), bus)

	cycles, unsub := bus.Subscribe(64)

	svc := New(Config{Workers: 2, Tick: 5 * time.Millisecond, DeferDelay: time.Minute},
		reg, pool, solver, runner, logx.Nop(), bus)

	f := &fixture{svc: svc, reg: reg, pool: pool, bus: bus, cycles: cycles, unsub: unsub}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		unsub()
	})
	return f
}

// waitEvent blocks until an event of the given type arrives or the deadline
// passes.
func (f *fixture) waitEvent(t *testing.T, typ string, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-f.cycles:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event within %v", typ, timeout)
		}
	}
}

func record(t *testing.T, reg *job.Registry, account, site string) job.Record {
	t.Helper()
	for _, rec := range reg.Snapshot() {
		if rec.Account == account && rec.Site == site {
			return rec
		}
	}
	t.Fatalf("job %s/%s not in snapshot", account, site)
	return job.Record{}
}

func TestSuccessWaitHintSchedulesNextRun(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		return Outcome{Kind: OutcomeSuccess, WaitHint: 60 * time.Minute, LatencyMS: 120}
	})
	f := newFixture(t, []string{"10.0.0.1:1080"}, job.Config{}, runner)
	f.reg.Add("acct-1", "site-a", 0)

	start := time.Now()
	f.svc.Start(context.Background())

	ev := f.waitEvent(t, EventCycle, 2*time.Second)
	cycle, ok := ev.Data.(CycleEvent)
	require.True(t, ok)
	assert.Equal(t, "success", cycle.Outcome)
	assert.Equal(t, "acct-1", cycle.Account)
	assert.Equal(t, "10.0.0.1:1080", cycle.Endpoint)
	assert.NotEmpty(t, cycle.CycleID)

	rec := record(t, f.reg, "acct-1", "site-a")
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.False(t, rec.LastSuccessAt.IsZero())

	// Next due is the site-reported hour, not the default interval.
	lo := start.Add(60 * time.Minute)
	hi := time.Now().Add(60 * time.Minute)
	assert.False(t, rec.NextDueAt.Before(lo), "next due %v before %v", rec.NextDueAt, lo)
	assert.False(t, rec.NextDueAt.After(hi), "next due %v after %v", rec.NextDueAt, hi)
}

func TestPanickingRunnerCountsTransientAndReturnsPermit(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		panic("browser context lost")
	})
	f := newFixture(t, []string{"10.0.0.1:1080"}, job.Config{BackoffFloor: time.Hour}, runner)
	f.reg.Add("acct-1", "site-a", 0)

	f.svc.Start(context.Background())

	ev := f.waitEvent(t, EventCycle, 2*time.Second)
	cycle := ev.Data.(CycleEvent)
	assert.Equal(t, "transient_failure", cycle.Outcome)
	assert.Contains(t, cycle.Reason, "panic")

	stats := f.svc.Stats()
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(1), stats.Transient)

	// The permit came back even though the collaborator blew up.
	deadline := time.Now().Add(time.Second)
	for f.svc.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, f.svc.InFlight())

	rec := record(t, f.reg, "acct-1", "site-a")
	assert.Equal(t, "cooldown_wait", rec.State)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestExhaustedPoolDefersWithoutRunning(t *testing.T) {
	ran := make(chan struct{}, 8)
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		ran <- struct{}{}
		return Outcome{Kind: OutcomeSuccess}
	})
	f := newFixture(t, nil, job.Config{}, runner)
	f.reg.Add("acct-1", "site-a", 0)

	f.svc.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for f.svc.Stats().PoolDeferred == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, f.svc.Stats().PoolDeferred)

	select {
	case <-ran:
		t.Fatal("runner invoked with no assignment available")
	default:
	}

	// No failure charged for a starved pool.
	rec := record(t, f.reg, "acct-1", "site-a")
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, "cooldown_wait", rec.State)
}

func TestBypassAccountRunsWithoutEndpoint(t *testing.T) {
	got := make(chan *proxy.Assignment, 1)
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		select {
		case got <- asg:
		default:
		}
		return Outcome{Kind: OutcomeSuccess, WaitHint: time.Hour}
	})
	f := newFixture(t, nil, job.Config{}, runner)
	f.pool.SetBypassAccounts([]string{"acct-direct"})
	f.reg.Add("acct-direct", "site-a", 0)

	f.svc.Start(context.Background())
	f.waitEvent(t, EventCycle, 2*time.Second)

	asg := <-got
	require.NotNil(t, asg)
	assert.Nil(t, asg.Endpoint)
}

func TestNonTransientFailuresDisableJob(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		return Outcome{Kind: OutcomeNonTransient, Reason: "credentials rejected"}
	})
	f := newFixture(t, []string{"10.0.0.1:1080"},
		job.Config{DisableAfter: 2, BackoffFloor: time.Millisecond}, runner)
	f.reg.Add("acct-1", "site-a", 0)

	f.svc.Start(context.Background())

	ev := f.waitEvent(t, EventJobDisabled, 3*time.Second)
	cycle := ev.Data.(CycleEvent)
	assert.True(t, cycle.Disabled)
	assert.Equal(t, "non_transient_failure", cycle.Outcome)
	assert.Equal(t, "credentials rejected", cycle.Reason)

	rec := record(t, f.reg, "acct-1", "site-a")
	assert.Equal(t, "disabled", rec.State)
	assert.Equal(t, 2, rec.ConsecutiveFailures)
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		close(started)
		<-release
		return Outcome{Kind: OutcomeSuccess}
	})
	f := newFixture(t, []string{"10.0.0.1:1080"}, job.Config{}, runner)
	f.reg.Add("acct-1", "site-a", 0)

	f.svc.Start(context.Background())
	<-started

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.svc.Stop(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while a cycle was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}

	s := f.svc.Stats()
	assert.Equal(t, uint64(1), s.Success)
	assert.Zero(t, f.svc.InFlight())
}

func TestShutdownSignalDoesNotCancelInFlightCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var sawCancel atomic.Bool
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-release:
		}
		return Outcome{Kind: OutcomeSuccess, WaitHint: time.Hour}
	})
	f := newFixture(t, []string{"10.0.0.1:1080"}, job.Config{}, runner)
	f.reg.Add("acct-1", "site-a", 0)

	parent, cancelParent := context.WithCancel(context.Background())
	f.svc.Start(parent)
	<-started

	// The process-level signal context firing must not reach a cycle that
	// is mid external call.
	cancelParent()

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.svc.Stop(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}

	assert.False(t, sawCancel.Load(), "collaborator call was cancelled during graceful stop")
	assert.Equal(t, uint64(1), f.svc.Stats().Success)
}

func TestStopHandsBackQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	runner := RunnerFunc(func(ctx context.Context, account, site string, asg *proxy.Assignment, solver *fallback.Executor) Outcome {
		started <- struct{}{}
		<-release
		return Outcome{Kind: OutcomeSuccess, WaitHint: time.Hour}
	})
	f := newFixture(t, []string{"10.0.0.1:1080"}, job.Config{}, runner)
	f.reg.Add("acct-1", "site-a", 0)
	f.reg.Add("acct-1", "site-b", 0)
	f.reg.Add("acct-1", "site-c", 0)

	f.svc.Start(context.Background())
	<-started
	<-started

	// Both workers are held mid-call; wait for dispatch to pop the third
	// job into the queue.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		running := 0
		for _, rec := range f.reg.Snapshot() {
			if rec.State == "running" {
				running++
			}
		}
		if running == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.svc.Stop(ctx)
		close(done)
	}()
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// The queued job was never run, so it must come back schedulable with
	// no failure charged.
	for _, rec := range f.reg.Snapshot() {
		assert.NotEqual(t, "running", rec.State,
			"job %s/%s stranded in running after Stop", rec.Account, rec.Site)
		assert.Zero(t, rec.ConsecutiveFailures)
	}
}

func TestReleaseOutcomeMapping(t *testing.T) {
	cases := []struct {
		name    string
		in      Outcome
		success bool
	}{
		{"success", Outcome{Kind: OutcomeSuccess, LatencyMS: 50}, true},
		{"deferred counts as healthy egress", Outcome{Kind: OutcomeDeferred}, true},
		{"non-transient does not blame the endpoint", Outcome{Kind: OutcomeNonTransient}, true},
		{"transient", Outcome{Kind: OutcomeTransient}, false},
		{"detected block", Outcome{Kind: OutcomeTransient, Detected: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := releaseOutcome(tc.in)
			assert.Equal(t, tc.success, got.Success)
			assert.Equal(t, tc.in.Detected, got.Detected)
			assert.Equal(t, tc.in.LatencyMS, got.LatencyMS)
		})
	}
}
