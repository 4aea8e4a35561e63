package config

// Config is the full farmd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be JSON or YAML; YAML is coerced to JSON and decoded strictly,
// so unknown keys are rejected in both formats.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pool      PoolConfig      `json:"pool"`
	Fallback  FallbackConfig  `json:"fallback"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Accounts  []AccountConfig `json:"accounts"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls dispatch and per-job retry behavior.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - tick: "1s"
//   - default_interval: "1h"
//   - backoff_floor: "30s"
//   - backoff_ceiling: "1h"
//   - defer_delay: "2m"
//   - disable_after: 3
type SchedulerConfig struct {
	// Workers is the concurrency ceiling: the number of jobs that may be
	// in the Running state at once.
	Workers int `json:"workers,omitempty"`

	// Tick is the dispatch loop interval.
	Tick string `json:"tick,omitempty"`

	// DefaultInterval is used after a success with no site-reported wait hint.
	DefaultInterval string `json:"default_interval,omitempty"`

	BackoffFloor   string `json:"backoff_floor,omitempty"`
	BackoffCeiling string `json:"backoff_ceiling,omitempty"`

	// DeferDelay is applied when the pool has no usable endpoint for a job.
	DeferDelay string `json:"defer_delay,omitempty"`

	// DisableAfter is the consecutive-failure count at which a job reporting
	// a non-transient failure is disabled. Transient failures never disable.
	DisableAfter int `json:"disable_after,omitempty"`
}

// PoolConfig lists egress endpoints and the health-tracker tunables.
//
// The scoring constants are deliberately configuration, not code: useful
// values are discovered empirically per target site.
type PoolConfig struct {
	Endpoints []string `json:"endpoints"`

	// StalenessHorizon discards persisted endpoint state older than this
	// on reload (default "168h", i.e. 7 days).
	StalenessHorizon string `json:"staleness_horizon,omitempty"`

	LatencyWindow    int     `json:"latency_window,omitempty"`     // ring size, default 20
	LatencyCeilingMS float64 `json:"latency_ceiling_ms,omitempty"` // avg above this = dead, default 15000
	MinSamples       int     `json:"min_samples,omitempty"`        // default 5
	HardFailureLimit int     `json:"hard_failure_limit,omitempty"` // default 10

	CooldownBase string `json:"cooldown_base,omitempty"` // default "30s"
	CooldownCap  string `json:"cooldown_cap,omitempty"`  // default "1h"

	ReputationCeiling float64 `json:"reputation_ceiling,omitempty"` // default 1.0
	SuccessGain       float64 `json:"success_gain,omitempty"`       // default 0.05
	FailurePenalty    float64 `json:"failure_penalty,omitempty"`    // default 0.1
	DetectedPenalty   float64 `json:"detected_penalty,omitempty"`   // default 0.25
	DecayPerHour      float64 `json:"decay_per_hour,omitempty"`     // default 0.01
}

// FallbackConfig controls the paid-solver fallback chain.
type FallbackConfig struct {
	// DailyBudget is the process-wide spend ceiling per rolling 24h window,
	// in the provider's currency unit.
	DailyBudget float64 `json:"daily_budget"`

	AttemptsPerProvider int    `json:"attempts_per_provider,omitempty"` // default 2
	RetryDelay          string `json:"retry_delay,omitempty"`           // default "3s"

	Providers []ProviderConfig `json:"providers"`
}

// ProviderConfig describes one paid solver in chain order.
type ProviderConfig struct {
	Name string  `json:"name"`
	Cost float64 `json:"cost"` // expected cost per solve, used for budget pre-checks

	// ErrorClasses maps a provider-reported error category to an action:
	// "retry", "next" (skip to next provider) or "abort".
	ErrorClasses map[string]string `json:"error_classes,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./farmd_state", "snapshot_interval": "5m" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	// SnapshotInterval is how often pool/job state is flushed (default "5m").
	SnapshotInterval string `json:"snapshot_interval,omitempty"`
}

// AlertsConfig controls the optional Telegram ops alerter.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

// AccountConfig declares one automation account and the sites it runs on.
type AccountConfig struct {
	ID    string   `json:"id"`
	Sites []string `json:"sites"`

	// Bypass accounts use direct egress instead of a pool endpoint.
	Bypass bool `json:"bypass,omitempty"`

	// Interval overrides scheduler.default_interval for this account.
	Interval string `json:"interval,omitempty"`
}
