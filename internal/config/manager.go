package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "farmd/pkg/logx"
)

const debounceDelay = 250 * time.Millisecond

// Manager loads the config file and, when watching, republishes validated
// changes to subscribers. A partial or invalid edit never replaces the last
// good config.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// If a subscriber is slow, drop its oldest item and push the newest.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch follows the config file for edits until ctx is done.
// Editors replace files with rename+create, so we watch the directory and
// match on the base name, debouncing bursts of events.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, err := m.Parse()
		if err != nil || cfg == nil {
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
			return
		}

		// Skip redundant reloads when the content is unchanged.
		h := hashConfig(cfg)
		m.mu.RLock()
		unchanged := h != 0 && h == m.lastHash
		m.mu.RUnlock()
		if unchanged {
			return
		}

		if m.validator != nil {
			vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := m.validator(vctx, cfg)
			cancel()
			if err != nil {
				m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
				return
			}
		}

		m.commit(cfg)
		m.publish(cfg)
		m.log.Info("config reloaded", logx.String("path", m.path))
	}
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}

// Validate applies structural checks shared by Load-time and Watch-time use.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("accounts: at least one account is required")
	}
	seen := map[string]bool{}
	for i, a := range cfg.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if len(a.Sites) == 0 {
			return fmt.Errorf("accounts[%d] (%s): at least one site is required", i, id)
		}
		if _, err := ParseDurationField(fmt.Sprintf("accounts[%d].interval", i), a.Interval); err != nil {
			return err
		}
		if !a.Bypass && len(cfg.Pool.Endpoints) == 0 {
			return fmt.Errorf("accounts[%d] (%s): no pool endpoints configured and bypass is off", i, id)
		}
	}
	if cfg.Fallback.DailyBudget < 0 {
		return fmt.Errorf("fallback.daily_budget: must be >= 0")
	}
	for i, p := range cfg.Fallback.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("fallback.providers[%d]: name is required", i)
		}
		if p.Cost < 0 {
			return fmt.Errorf("fallback.providers[%d] (%s): cost must be >= 0", i, p.Name)
		}
		for cat, act := range p.ErrorClasses {
			switch act {
			case "retry", "next", "abort":
			default:
				return fmt.Errorf("fallback.providers[%d] (%s): error_classes[%s]: unknown action %q", i, p.Name, cat, act)
			}
		}
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	if cfg.Alerts != nil && cfg.Alerts.Enabled {
		if strings.TrimSpace(cfg.Alerts.Token) == "" || cfg.Alerts.ChatID == 0 {
			return fmt.Errorf("alerts: token and chat_id are required when enabled")
		}
	}
	// Duration fields are validated by parsing them the same way the app does.
	durations := []struct{ path, raw string }{
		{"scheduler.tick", cfg.Scheduler.Tick},
		{"scheduler.default_interval", cfg.Scheduler.DefaultInterval},
		{"scheduler.backoff_floor", cfg.Scheduler.BackoffFloor},
		{"scheduler.backoff_ceiling", cfg.Scheduler.BackoffCeiling},
		{"scheduler.defer_delay", cfg.Scheduler.DeferDelay},
		{"pool.staleness_horizon", cfg.Pool.StalenessHorizon},
		{"pool.cooldown_base", cfg.Pool.CooldownBase},
		{"pool.cooldown_cap", cfg.Pool.CooldownCap},
		{"fallback.retry_delay", cfg.Fallback.RetryDelay},
	}
	if cfg.Storage != nil {
		durations = append(durations,
			struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout},
			struct{ path, raw string }{"storage.snapshot_interval", cfg.Storage.SnapshotInterval},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
