package app

import (
	"fmt"
	"time"

	"farmd/internal/config"
	"farmd/internal/fallback"
	"farmd/internal/job"
	"farmd/internal/notify"
	"farmd/internal/proxy"
	"farmd/internal/scheduler"
	"farmd/internal/store"
	logx "farmd/pkg/logx"
)

// Config mapping: the file format keeps durations as strings; component
// configs want time.Duration. Each mapper owns its section's parsing so a
// bad value names the offending key.

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapPoolConfig(cfg *config.Config) (proxy.Config, error) {
	pc := cfg.Pool

	horizon, err := config.ParseDurationOrDefault("pool.staleness_horizon", pc.StalenessHorizon, 0)
	if err != nil {
		return proxy.Config{}, err
	}
	coolBase, err := config.ParseDurationOrDefault("pool.cooldown_base", pc.CooldownBase, 0)
	if err != nil {
		return proxy.Config{}, err
	}
	coolCap, err := config.ParseDurationOrDefault("pool.cooldown_cap", pc.CooldownCap, 0)
	if err != nil {
		return proxy.Config{}, err
	}

	return proxy.Config{
		Endpoints:        pc.Endpoints,
		StalenessHorizon: horizon,
		Tracker: proxy.TrackerConfig{
			LatencyWindow:     pc.LatencyWindow,
			LatencyCeilingMS:  pc.LatencyCeilingMS,
			MinSamples:        pc.MinSamples,
			HardFailureLimit:  pc.HardFailureLimit,
			CooldownBase:      coolBase,
			CooldownCap:       coolCap,
			ReputationCeiling: pc.ReputationCeiling,
			SuccessGain:       pc.SuccessGain,
			FailurePenalty:    pc.FailurePenalty,
			DetectedPenalty:   pc.DetectedPenalty,
			DecayPerHour:      pc.DecayPerHour,
		},
	}, nil
}

func mapJobConfig(cfg *config.Config) (job.Config, error) {
	sc := cfg.Scheduler

	interval, err := config.ParseDurationOrDefault("scheduler.default_interval", sc.DefaultInterval, 0)
	if err != nil {
		return job.Config{}, err
	}
	floor, err := config.ParseDurationOrDefault("scheduler.backoff_floor", sc.BackoffFloor, 0)
	if err != nil {
		return job.Config{}, err
	}
	ceiling, err := config.ParseDurationOrDefault("scheduler.backoff_ceiling", sc.BackoffCeiling, 0)
	if err != nil {
		return job.Config{}, err
	}

	return job.Config{
		DefaultInterval: interval,
		BackoffFloor:    floor,
		BackoffCeiling:  ceiling,
		DisableAfter:    sc.DisableAfter,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler

	tick, err := config.ParseDurationOrDefault("scheduler.tick", sc.Tick, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	deferDelay, err := config.ParseDurationOrDefault("scheduler.defer_delay", sc.DeferDelay, 0)
	if err != nil {
		return scheduler.Config{}, err
	}

	return scheduler.Config{
		Workers:    sc.Workers,
		Tick:       tick,
		DeferDelay: deferDelay,
	}, nil
}

func mapFallbackConfig(cfg *config.Config) (fallback.Config, error) {
	fc := cfg.Fallback

	retryDelay, err := config.ParseDurationOrDefault("fallback.retry_delay", fc.RetryDelay, 0)
	if err != nil {
		return fallback.Config{}, err
	}

	providers := make([]fallback.Provider, 0, len(fc.Providers))
	for _, pc := range fc.Providers {
		p := fallback.Provider{Name: pc.Name, Cost: pc.Cost}
		if len(pc.ErrorClasses) > 0 {
			p.ErrorClasses = make(map[string]fallback.Action, len(pc.ErrorClasses))
			for class, raw := range pc.ErrorClasses {
				act, ok := fallback.ParseAction(raw)
				if !ok {
					return fallback.Config{}, fmt.Errorf(
						"fallback.providers[%s].error_classes[%s]: unknown action %q", pc.Name, class, raw)
				}
				p.ErrorClasses[class] = act
			}
		}
		providers = append(providers, p)
	}

	return fallback.Config{
		Providers:           providers,
		AttemptsPerProvider: fc.AttemptsPerProvider,
		RetryDelay:          retryDelay,
	}, nil
}

// mapStoreConfig returns (cfg, enabled, err). Absent or "none" storage
// disables persistence.
func mapStoreConfig(cfg *config.Config) (store.Config, bool, error) {
	if cfg.Storage == nil || cfg.Storage.Driver == "" || cfg.Storage.Driver == "none" {
		return store.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return store.Config{}, false, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	if cfg.Alerts == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		RatePerSec: cfg.Alerts.RatePerSec,
	}
}

func snapshotInterval(cfg *config.Config) (time.Duration, error) {
	if cfg.Storage == nil {
		return 0, nil
	}
	return config.ParseDurationOrDefault("storage.snapshot_interval", cfg.Storage.SnapshotInterval, 5*time.Minute)
}

// bypassAccounts lists the account IDs allowed to use direct egress.
func bypassAccounts(cfg *config.Config) []string {
	var ids []string
	for _, a := range cfg.Accounts {
		if a.Bypass {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
