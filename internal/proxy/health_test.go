package proxy

import (
	"testing"
	"time"
)

func testTracker() *Tracker {
	return NewTracker(TrackerConfig{
		CooldownBase:     30 * time.Second,
		CooldownCap:      3600 * time.Second,
		HardFailureLimit: 50,
	})
}

func TestCooldownEscalation(t *testing.T) {
	t.Parallel()
	tr := testTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ep := newEndpoint("socks5://10.0.0.1:1080", 20, 1.0, now)

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}
	for i, w := range want {
		tr.RecordOutcome(ep, false, 0, true, now)
		got := ep.cooldownUntil.Sub(now)
		if got != w {
			t.Fatalf("failure %d: cooldown = %v, want %v", i+1, got, w)
		}
	}

	// Keep failing: the cooldown must clamp at the cap.
	for i := 0; i < 20; i++ {
		tr.RecordOutcome(ep, false, 0, true, now)
	}
	if got := ep.cooldownUntil.Sub(now); got != 3600*time.Second {
		t.Fatalf("cooldown after many failures = %v, want cap 3600s", got)
	}
}

func TestHardFailureLimitMarksDead(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{HardFailureLimit: 3})
	now := time.Now()
	ep := newEndpoint("socks5://10.0.0.2:1080", 20, 1.0, now)

	for i := 0; i < 3; i++ {
		tr.RecordOutcome(ep, false, 0, false, now)
		if ep.dead {
			t.Fatalf("dead after %d failures, limit is 3", i+1)
		}
	}
	tr.RecordOutcome(ep, false, 0, false, now)
	if !ep.dead {
		t.Fatal("expected dead after exceeding hard failure limit")
	}
}

func TestLatencyCeilingMarksDead(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{LatencyCeilingMS: 1000, MinSamples: 3})
	now := time.Now()
	ep := newEndpoint("socks5://10.0.0.3:1080", 20, 1.0, now)

	// Two slow samples: not statistically meaningful yet.
	tr.RecordOutcome(ep, true, 5000, false, now)
	tr.RecordOutcome(ep, true, 5000, false, now)
	if ep.dead {
		t.Fatal("dead with fewer samples than min_samples")
	}

	tr.RecordOutcome(ep, true, 5000, false, now)
	if !ep.dead {
		t.Fatal("expected dead: avg latency above ceiling with enough samples")
	}
}

func TestReputationBounds(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{ReputationCeiling: 1.0, SuccessGain: 0.1, FailurePenalty: 0.3, HardFailureLimit: 100})
	now := time.Now()
	ep := newEndpoint("socks5://10.0.0.4:1080", 20, 1.0, now)

	for i := 0; i < 10; i++ {
		tr.RecordOutcome(ep, false, 0, false, now)
	}
	if ep.reputation != reputationFloor {
		t.Fatalf("reputation = %v, want floor %v", ep.reputation, reputationFloor)
	}

	for i := 0; i < 50; i++ {
		tr.RecordOutcome(ep, true, 100, false, now)
	}
	if ep.reputation != 1.0 {
		t.Fatalf("reputation = %v, want ceiling 1.0", ep.reputation)
	}
	if ep.fails != 0 {
		t.Fatalf("consecutive failures = %d, want 0 after success", ep.fails)
	}
}

func TestIdleDecay(t *testing.T) {
	t.Parallel()
	tr := NewTracker(TrackerConfig{DecayPerHour: 0.1})
	now := time.Now()
	ep := newEndpoint("socks5://10.0.0.5:1080", 20, 1.0, now)

	rep := tr.reputationAt(ep, now.Add(5*time.Hour))
	if rep >= 1.0 {
		t.Fatalf("expected decayed reputation, got %v", rep)
	}
	if want := 0.5; rep < want-1e-9 || rep > want+1e-9 {
		t.Fatalf("reputation after 5h = %v, want %v", rep, want)
	}

	// Decay never pushes below the floor.
	if got := tr.reputationAt(ep, now.Add(1000*time.Hour)); got != reputationFloor {
		t.Fatalf("reputation after long idle = %v, want floor", got)
	}
}
