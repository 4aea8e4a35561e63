package proxy

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmd/internal/eventbus"
	logx "farmd/pkg/logx"
)

func newTestPool(t *testing.T, addrs []string) *Pool {
	t.Helper()
	p := New(Config{
		Endpoints: addrs,
		Tracker: TrackerConfig{
			CooldownBase:     30 * time.Second,
			CooldownCap:      time.Hour,
			HardFailureLimit: 5,
		},
	}, logx.Nop(), eventbus.New())
	p.rng = rand.New(rand.NewSource(42))
	return p
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080", "socks5://b:1080"})

	a, err := p.Acquire("acct-1")
	require.NoError(t, err)
	require.NotNil(t, a.Endpoint)
	assert.False(t, a.Bypass())

	p.Release(a, Outcome{Success: true, LatencyMS: 120})
	assert.Equal(t, 0, a.Endpoint.fails)
	_, n := a.Endpoint.avgLatency()
	assert.Equal(t, 1, n)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080"})

	a, err := p.Acquire("acct-1")
	require.NoError(t, err)

	p.Release(a, Outcome{Success: false})
	p.Release(a, Outcome{Success: false})
	assert.Equal(t, 1, a.Endpoint.fails, "double release must not double-count")
}

func TestStickyBindingPersists(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080", "socks5://b:1080", "socks5://c:1080"})

	first, err := p.Acquire("acct-1")
	require.NoError(t, err)
	p.Release(first, Outcome{Success: true, LatencyMS: 100})

	for i := 0; i < 10; i++ {
		a, err := p.Acquire("acct-1")
		require.NoError(t, err)
		assert.Same(t, first.Endpoint, a.Endpoint, "sticky account must keep its endpoint")
		p.Release(a, Outcome{Success: true, LatencyMS: 100})
	}
}

func TestStickyRebindsWhenEndpointCoolsDown(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080", "socks5://b:1080"})

	a, err := p.Acquire("acct-1")
	require.NoError(t, err)
	bound := a.Endpoint
	p.Release(a, Outcome{Success: false, Detected: true}) // cooldown on the bound endpoint

	b, err := p.Acquire("acct-1")
	require.NoError(t, err)
	require.NotSame(t, bound, b.Endpoint, "cooled-down endpoint must not be handed out")
	p.Release(b, Outcome{Success: true, LatencyMS: 80})

	// New binding persists.
	c, err := p.Acquire("acct-1")
	require.NoError(t, err)
	assert.Same(t, b.Endpoint, c.Endpoint)
	p.Release(c, Outcome{Success: true, LatencyMS: 80})
}

func TestDeadEndpointNeverReturned(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080", "socks5://b:1080"})

	// Kill endpoint a via hard failures.
	dead := p.byAddr["socks5://a:1080"]
	for i := 0; i <= 5; i++ {
		a := &Assignment{Account: "x", Endpoint: dead, pool: p}
		p.Release(a, Outcome{Success: false})
	}
	require.True(t, dead.Dead())

	for i := 0; i < 50; i++ {
		a, err := p.Acquire(fmt.Sprintf("acct-%d", i))
		require.NoError(t, err)
		require.NotSame(t, dead, a.Endpoint)
		p.Release(a, Outcome{Success: true, LatencyMS: 50})
	}

	// Dead endpoints are excluded from persistence too.
	for _, rec := range p.Snapshot() {
		assert.NotEqual(t, dead.Address, rec.Address)
	}
}

func TestExhaustedPoolDegrades(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	p := New(Config{
		Endpoints: []string{"socks5://a:1080"},
		Tracker:   TrackerConfig{CooldownBase: time.Hour, HardFailureLimit: 50},
	}, logx.Nop(), bus)

	a, err := p.Acquire("acct-1")
	require.NoError(t, err)
	p.Release(a, Outcome{Success: false, Detected: true})

	_, err = p.Acquire("acct-1")
	require.ErrorIs(t, err, ErrExhausted)

	ev := <-events
	assert.Equal(t, EventDegraded, ev.Type)

	h := p.Health()
	assert.Equal(t, HealthStats{CoolingDown: 1, Total: 1}, h)
}

func TestWeightedSelectionPrefersReputation(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://good:1080", "socks5://bad:1080"})
	p.byAddr["socks5://good:1080"].reputation = 1.0
	p.byAddr["socks5://bad:1080"].reputation = 0.05

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		// Fresh account each time so sticky bindings don't mask selection.
		a, err := p.Acquire(fmt.Sprintf("acct-%d", i))
		require.NoError(t, err)
		counts[a.Endpoint.Address]++
	}
	assert.Greater(t, counts["socks5://good:1080"], 5*counts["socks5://bad:1080"],
		"high-reputation endpoint should dominate selection: %v", counts)
}

func TestBypassAccount(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080"})
	p.SetBypassAccounts([]string{"direct-1"})

	a, err := p.Acquire("direct-1")
	require.NoError(t, err)
	assert.True(t, a.Bypass())
	assert.Nil(t, a.Endpoint)

	// Release on a bypass assignment is a no-op on the endpoint set.
	p.Release(a, Outcome{Success: false, Detected: true})
	h := p.Health()
	assert.Equal(t, 1, h.Healthy)
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080", "socks5://b:1080"})

	a, err := p.Acquire("acct-1")
	require.NoError(t, err)
	p.Release(a, Outcome{Success: true, LatencyMS: 150})
	recs := p.Snapshot()
	require.Len(t, recs, 2)

	fresh := newTestPool(t, []string{"socks5://a:1080", "socks5://b:1080"})
	applied := fresh.Restore(recs)
	assert.Equal(t, 2, applied)
	restored := fresh.byAddr[a.Endpoint.Address]
	assert.InDelta(t, a.Endpoint.reputation, restored.reputation, 1e-9)
	_, n := restored.avgLatency()
	assert.Equal(t, 1, n)
}

func TestRestoreDiscardsStaleRecords(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, []string{"socks5://a:1080"})
	recs := []EndpointRecord{{
		Address:    "socks5://a:1080",
		Reputation: 0.2,
		SavedAt:    time.Now().Add(-8 * 24 * time.Hour),
	}}
	assert.Equal(t, 0, p.Restore(recs), "week-old state must be discarded")
	assert.InDelta(t, 1.0, p.byAddr["socks5://a:1080"].reputation, 1e-9)
}
