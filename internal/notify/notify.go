// Package notify pushes operator alerts for farm state changes to a Telegram
// chat. Alerts are best-effort: a full queue or a failed send never blocks
// the scheduler.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"golang.org/x/time/rate"

	"farmd/internal/eventbus"
	"farmd/internal/fallback"
	"farmd/internal/proxy"
	rtsup "farmd/internal/runtime/supervisor"
	"farmd/internal/scheduler"
	logx "farmd/pkg/logx"
)

// EventDailySummary carries the once-a-day digest published by the app.
const EventDailySummary = "farm.daily_summary"

// Config configures the alert sink.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 1
//   - queue_size: 128
type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
	QueueSize  int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// sender abstracts the chat transport so tests can capture messages.
type sender interface {
	Send(text string) error
}

type telegramSender struct {
	bot *tele.Bot
	to  tele.Recipient
}

func (t *telegramSender) Send(text string) error {
	_, err := t.bot.Send(t.to, text)
	return err
}

// Service subscribes to farm events and forwards the alert-worthy ones,
// rate limited so a flapping pool cannot flood the chat.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	send    sender
	limiter *rate.Limiter

	sup   *rtsup.Supervisor
	unsub func()
}

// New builds the alert sink. Disabled config yields (nil, nil); callers
// treat a nil Service as a no-op.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: chat_id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return newWithSender(cfg, log, bus, &telegramSender{bot: bot, to: tele.ChatID(cfg.ChatID)}), nil
}

func newWithSender(cfg Config, log logx.Logger, bus eventbus.Bus, snd sender) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		send:    snd,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(ctx, s.log)
	s.sup.Go("alerts", func(ctx context.Context) {
		s.loop(ctx, events)
	})
	s.log.Info("alert sink started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	if s == nil || s.sup == nil {
		return
	}
	s.unsub()
	if err := s.sup.Stop(ctx); err != nil {
		s.log.Warn("alert sink stop timed out", logx.Err(err))
	}
}

func (s *Service) loop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			text, want := formatEvent(ev)
			if !want {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.send.Send(text); err != nil {
				s.log.Warn("alert send failed", logx.Err(err), logx.String("event", ev.Type))
			}
		}
	}
}

// formatEvent renders alert-worthy events; everything else is skipped.
// Routine cycle events stay out of the chat.
func formatEvent(ev eventbus.Event) (string, bool) {
	switch ev.Type {
	case scheduler.EventJobDisabled:
		c, ok := ev.Data.(scheduler.CycleEvent)
		if !ok {
			return "", false
		}
		msg := fmt.Sprintf("job disabled: %s/%s", c.Account, c.Site)
		if c.Reason != "" {
			msg += "\nreason: " + c.Reason
		}
		return msg, true

	case proxy.EventDegraded:
		h, _ := ev.Data.(proxy.HealthStats)
		return fmt.Sprintf("pool degraded: no usable endpoint (%d dead, %d cooling, %d total)",
			h.Dead, h.CoolingDown, h.Total), true

	case proxy.EventRecovered:
		h, _ := ev.Data.(proxy.HealthStats)
		return fmt.Sprintf("pool recovered: %d healthy of %d", h.Healthy, h.Total), true

	case proxy.EventEndpointDead:
		return "endpoint marked dead: " + mapField(ev.Data, "endpoint"), true

	case fallback.EventBudgetExhausted:
		return "solver budget exhausted: " + mapField(ev.Data, "remaining") + " remaining", true

	case EventDailySummary:
		return formatSummary(ev.Data), true
	}
	return "", false
}

func formatSummary(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return "daily summary unavailable"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("daily summary " + time.Now().Format("2006-01-02"))
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, m[k])
	}
	return b.String()
}

func mapField(data any, key string) string {
	m, ok := data.(map[string]any)
	if !ok {
		return "?"
	}
	v, ok := m[key]
	if !ok {
		return "?"
	}
	return fmt.Sprintf("%v", v)
}
