package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmd/internal/eventbus"
	"farmd/internal/proxy"
	"farmd/internal/scheduler"
	logx "farmd/pkg/logx"
)

type captureSender struct {
	msgs chan string
}

func (c *captureSender) Send(text string) error {
	c.msgs <- text
	return nil
}

func newTestSink(t *testing.T) (*Service, eventbus.Bus, *captureSender) {
	t.Helper()
	bus := eventbus.New()
	snd := &captureSender{msgs: make(chan string, 16)}
	svc := newWithSender(Config{Enabled: true, ChatID: 1, RatePerSec: 100}, logx.Nop(), bus, snd)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, bus, snd
}

func waitMsg(t *testing.T, snd *captureSender) string {
	t.Helper()
	select {
	case m := <-snd.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
		return ""
	}
}

func TestDisabledConfigYieldsNilService(t *testing.T) {
	svc, err := New(Config{Enabled: false}, logx.Nop(), eventbus.New())
	require.NoError(t, err)
	assert.Nil(t, svc)

	// nil Service methods are no-ops.
	svc.Start(context.Background())
	svc.Stop(context.Background())
}

func TestEnabledConfigRequiresToken(t *testing.T) {
	_, err := New(Config{Enabled: true, ChatID: 1}, logx.Nop(), eventbus.New())
	require.Error(t, err)
}

func TestJobDisabledAlert(t *testing.T) {
	_, bus, snd := newTestSink(t)

	bus.Publish(eventbus.Event{
		Type: scheduler.EventJobDisabled,
		Data: scheduler.CycleEvent{Account: "acct-1", Site: "site-a", Reason: "credentials rejected"},
	})

	msg := waitMsg(t, snd)
	assert.Contains(t, msg, "job disabled: acct-1/site-a")
	assert.Contains(t, msg, "credentials rejected")
}

func TestPoolDegradedAndRecoveredAlerts(t *testing.T) {
	_, bus, snd := newTestSink(t)

	bus.Publish(eventbus.Event{
		Type: proxy.EventDegraded,
		Data: proxy.HealthStats{Dead: 2, CoolingDown: 1, Total: 3},
	})
	assert.Contains(t, waitMsg(t, snd), "pool degraded")

	bus.Publish(eventbus.Event{
		Type: proxy.EventRecovered,
		Data: proxy.HealthStats{Healthy: 1, Total: 3},
	})
	assert.Contains(t, waitMsg(t, snd), "pool recovered: 1 healthy of 3")
}

func TestRoutineCycleEventsAreSkipped(t *testing.T) {
	_, bus, snd := newTestSink(t)

	bus.Publish(eventbus.Event{Type: scheduler.EventCycle, Data: scheduler.CycleEvent{Account: "a"}})
	bus.Publish(eventbus.Event{
		Type: proxy.EventEndpointDead,
		Data: map[string]any{"endpoint": "10.0.0.9:1080"},
	})

	// Only the dead-endpoint alert comes through.
	msg := waitMsg(t, snd)
	assert.Contains(t, msg, "endpoint marked dead: 10.0.0.9:1080")
	select {
	case extra := <-snd.msgs:
		t.Fatalf("unexpected alert: %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDailySummaryFormat(t *testing.T) {
	msg, want := formatEvent(eventbus.Event{
		Type: EventDailySummary,
		Data: map[string]any{"cycles": 42, "spend": 3.5},
	})
	require.True(t, want)
	assert.Contains(t, msg, "daily summary")
	assert.Contains(t, msg, "cycles: 42")
	assert.Contains(t, msg, "spend: 3.5")
}
