// Package app wires the farm together: config, logging, persistence, the
// endpoint pool, the job registry, the fallback executor, the scheduler and
// the alert sink. It owns startup order, the snapshot loop and config hot
// reload.
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"farmd/internal/config"
	"farmd/internal/eventbus"
	"farmd/internal/fallback"
	"farmd/internal/job"
	"farmd/internal/notify"
	"farmd/internal/proxy"
	rtsup "farmd/internal/runtime/supervisor"
	"farmd/internal/scheduler"
	"farmd/internal/store"
	logx "farmd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st     store.Store
	pool   *proxy.Pool
	reg    *job.Registry
	budget *fallback.Budget
	solver *fallback.Executor
	sched  *scheduler.Service
	alerts *notify.Service

	cron          *cron.Cron
	snapshotEvery time.Duration
	stalenessHzn  time.Duration

	sup *rtsup.Supervisor
}

// New builds the full dependency graph from the config file. runner is the
// per-site action collaborator the scheduler drives.
func New(cfgPath string, runner scheduler.Runner) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	bus := eventbus.New()

	var st store.Store
	if sc, enabled, err := mapStoreConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		s, err := store.Open(sc, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, err
		}
		st = s
		log.Info("persistence enabled", logx.String("driver", sc.Driver))
	}

	poolCfg, err := mapPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := proxy.New(poolCfg, log.With(logx.String("comp", "pool")), bus)
	pool.SetBypassAccounts(bypassAccounts(cfg))

	jobCfg, err := mapJobConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := job.NewRegistry(jobCfg, log.With(logx.String("comp", "jobs")))
	for _, a := range cfg.Accounts {
		interval, err := config.ParseDurationOrDefault("accounts."+a.ID+".interval", a.Interval, 0)
		if err != nil {
			return nil, err
		}
		for _, site := range a.Sites {
			reg.Add(a.ID, site, interval)
		}
	}

	budget := fallback.NewBudget(cfg.Fallback.DailyBudget)
	fbCfg, err := mapFallbackConfig(cfg)
	if err != nil {
		return nil, err
	}
	solver := fallback.NewExecutor(fbCfg, budget, log.With(logx.String("comp", "fallback")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, reg, pool, solver, runner,
		log.With(logx.String("comp", "scheduler")), bus)

	alerts, err := notify.New(mapNotifyConfig(cfg), log.With(logx.String("comp", "alerts")), bus)
	if err != nil {
		return nil, err
	}

	snapEvery, err := snapshotInterval(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		st:            st,
		pool:          pool,
		reg:           reg,
		budget:        budget,
		solver:        solver,
		sched:         sched,
		alerts:        alerts,
		cron:          cron.New(),
		snapshotEvery: snapEvery,
		stalenessHzn:  poolCfg.StalenessHorizon,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, a.log)

	a.restoreState(ctx)

	if a.alerts != nil {
		a.alerts.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())

	if a.st != nil && a.snapshotEvery > 0 {
		spec := "@every " + a.snapshotEvery.String()
		if _, err := a.cron.AddFunc(spec, func() { a.saveState(context.Background()) }); err != nil {
			return err
		}
	}
	// Budget window roll and the operator digest, at local midnight.
	if _, err := a.cron.AddFunc("0 0 * * *", a.daily); err != nil {
		return err
	}
	a.cron.Start()

	a.sup.Go("config.watch", func(ctx context.Context) {
		if err := a.cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("config watch failed", logx.Err(err))
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})

	a.log.Info("farm started",
		logx.Int("accounts", len(a.cfgm.Get().Accounts)),
		logx.Int("jobs", a.reg.Len()),
		logx.Float64("daily_budget", a.cfgm.Get().Fallback.DailyBudget))
	return nil
}

// Stop shuts the farm down in dependency order: no new dispatch, finish
// in-flight cycles, flush state, then close the sinks.
func (a *App) Stop(ctx context.Context) {
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	a.sched.Stop(ctx)
	if a.alerts != nil {
		a.alerts.Stop(ctx)
	}

	a.saveState(ctx)
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop timed out", logx.Err(err))
		}
	}
	a.log.Info("farm stopped")
	_ = a.logs.Close()
}

func (a *App) restoreState(ctx context.Context) {
	if a.st == nil {
		return
	}
	if ps, err := a.st.LoadPool(ctx); err != nil {
		a.log.Warn("pool state load failed", logx.Err(err))
	} else if len(ps.Endpoints) > 0 {
		n := a.pool.Restore(ps.Endpoints)
		a.log.Info("pool state restored",
			logx.Int("restored", n), logx.Int("persisted", len(ps.Endpoints)))
	}
	if js, err := a.st.LoadJobs(ctx); err != nil {
		a.log.Warn("job state load failed", logx.Err(err))
	} else if len(js.Jobs) > 0 {
		n := a.reg.Restore(js.Jobs, a.stalenessHzn)
		a.log.Info("job state restored",
			logx.Int("restored", n), logx.Int("persisted", len(js.Jobs)))
	}
}

func (a *App) saveState(ctx context.Context) {
	if a.st == nil {
		return
	}
	now := time.Now()
	if err := a.st.SavePool(ctx, store.PoolState{SavedAt: now, Endpoints: a.pool.Snapshot()}); err != nil {
		a.log.Warn("pool snapshot failed", logx.Err(err))
	}
	if err := a.st.SaveJobs(ctx, store.JobState{SavedAt: now, Jobs: a.reg.Snapshot()}); err != nil {
		a.log.Warn("job snapshot failed", logx.Err(err))
	}
}

// daily rolls the spend window and publishes the operator digest.
func (a *App) daily() {
	a.budget.Roll()

	health := a.pool.Health()
	stats := a.sched.Stats()
	summary := map[string]any{
		"cycles_ok":        stats.Success,
		"cycles_transient": stats.Transient,
		"cycles_fatal":     stats.NonTransient,
		"cycles_deferred":  stats.Deferred + stats.PoolDeferred,
		"pool_healthy":     health.Healthy,
		"pool_cooling":     health.CoolingDown,
		"pool_dead":        health.Dead,
		"budget_spent":     a.budget.Spent(),
		"budget_remaining": a.budget.Remaining(),
	}
	a.bus.Publish(eventbus.Event{Type: notify.EventDailySummary, Data: summary})
	a.log.Info("daily window rolled",
		logx.Float64("budget_remaining", a.budget.Remaining()),
		logx.Int("pool_healthy", health.Healthy))
}

// applyReload applies the hot-reloadable subset of the config. Topology
// changes (endpoints, accounts, storage driver) require a restart and are
// called out in the log instead of half-applied.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg.Logging))
	a.budget.SetLimit(cfg.Fallback.DailyBudget)
	a.pool.SetBypassAccounts(bypassAccounts(cfg))

	a.log.Info("config reloaded",
		logx.String("log_level", cfg.Logging.Level),
		logx.Float64("daily_budget", cfg.Fallback.DailyBudget))
}
