// Package fallback implements the retry/fallback protocol for paid external
// service calls (here: automated challenge solving). Providers are tried in
// order under a shared daily budget; provider-reported error categories
// route between retrying, skipping to the next provider, and aborting the
// whole chain.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farmd/internal/eventbus"
	logx "farmd/pkg/logx"
)

// Event types published on the bus.
const (
	EventSpend           = "fallback.spend"
	EventBudgetExhausted = "fallback.budget_exhausted"
)

var (
	// ErrChainExhausted means every provider was tried and none succeeded.
	// Callers must treat this as a hard failure for the cycle; retrying the
	// chain at a higher layer would duplicate spend.
	ErrChainExhausted = errors.New("fallback: all providers exhausted")

	// ErrAborted means a provider reported a structural error (it cannot
	// handle this request type at all) classified as abort.
	ErrAborted = errors.New("fallback: chain aborted")
)

// Action routes a classified provider error.
type Action int

const (
	ActionRetry Action = iota
	ActionNextProvider
	ActionAbort
)

// ParseAction maps the config strings to actions.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "retry":
		return ActionRetry, true
	case "next":
		return ActionNextProvider, true
	case "abort":
		return ActionAbort, true
	}
	return ActionRetry, false
}

// Provider describes one paid solver in chain order. Cost is the expected
// per-call price used for the budget pre-check; the actual charge comes back
// in the Result.
type Provider struct {
	Name string
	Cost float64

	// ErrorClasses maps a provider-reported error category to an Action.
	// Unlisted categories default to ActionRetry.
	ErrorClasses map[string]Action
}

// Result is a successful provider response.
type Result struct {
	Provider string
	Value    string
	Cost     float64
	Elapsed  time.Duration
}

// Error is a classified provider failure. Category is matched against the
// provider's ErrorClasses; an empty category defaults to retry.
type Error struct {
	Category string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Category
	}
	if e.Category == "" {
		return e.Err.Error()
	}
	return e.Category + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Task is one chain invocation. Constructed per call, discarded after.
type Task struct {
	Providers           []Provider
	AttemptsPerProvider int
	RetryDelay          time.Duration
}

func (t Task) withDefaults(cfg Config) Task {
	if len(t.Providers) == 0 {
		t.Providers = cfg.Providers
	}
	if t.AttemptsPerProvider <= 0 {
		t.AttemptsPerProvider = cfg.AttemptsPerProvider
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = cfg.RetryDelay
	}
	return t
}

// Invoke performs the actual provider call. It is supplied by the action
// collaborator; the executor never talks to a provider directly.
type Invoke func(ctx context.Context, p Provider) (*Result, error)

type Config struct {
	Providers           []Provider
	AttemptsPerProvider int
	RetryDelay          time.Duration
}

func (c Config) withDefaults() Config {
	if c.AttemptsPerProvider <= 0 {
		c.AttemptsPerProvider = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	return c
}

// Executor runs fallback chains against the shared budget.
type Executor struct {
	cfg    Config
	budget *Budget
	log    logx.Logger
	bus    eventbus.Bus

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg Config, budget *Budget, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if budget == nil {
		budget = NewBudget(0)
	}
	return &Executor{
		cfg:    cfg.withDefaults(),
		budget: budget,
		log:    log,
		bus:    bus,
		sleep:  sleepCtx,
	}
}

func (e *Executor) Budget() *Budget { return e.budget }

// Execute runs the chain. Zero-value Task fields fall back to the executor
// config (providers in configured order, default attempt limit).
func (e *Executor) Execute(ctx context.Context, task Task, invoke Invoke) (*Result, error) {
	task = task.withDefaults(e.cfg)
	if len(task.Providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrChainExhausted)
	}

	budgetBlocked := true
	for _, p := range task.Providers {
		res, err := e.runProvider(ctx, task, p, invoke)
		if err == nil && res != nil {
			return res, nil
		}
		if errors.Is(err, ErrAborted) || ctx.Err() != nil {
			return nil, err
		}
		if !errors.Is(err, errBudgetShort) {
			budgetBlocked = false
		}
	}

	if budgetBlocked {
		e.publish(EventBudgetExhausted, map[string]any{"remaining": e.budget.Remaining()})
	}
	return nil, ErrChainExhausted
}

// errBudgetShort is internal: the provider was skipped without charging.
var errBudgetShort = errors.New("fallback: budget cannot cover provider")

func (e *Executor) runProvider(ctx context.Context, task Task, p Provider, invoke Invoke) (*Result, error) {
	for attempt := 1; attempt <= task.AttemptsPerProvider; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Budget pre-check: a charge that could exceed the remaining budget
		// is rejected before the call is attempted.
		if !e.budget.Reserve(p.Cost) {
			e.log.Warn("provider skipped: budget short",
				logx.String("provider", p.Name),
				logx.Float64("cost", p.Cost),
				logx.Float64("remaining", e.budget.Remaining()))
			return nil, errBudgetShort
		}

		start := time.Now()
		res, err := invoke(ctx, p)
		elapsed := time.Since(start)

		if err == nil && res != nil {
			e.budget.Commit(p.Cost, res.Cost)
			res.Provider = p.Name
			res.Elapsed = elapsed
			e.log.Debug("chain solved",
				logx.String("provider", p.Name),
				logx.Int("attempt", attempt),
				logx.Duration("took", elapsed),
				logx.Float64("cost", res.Cost))
			e.publish(EventSpend, map[string]any{
				"provider": p.Name,
				"cost":     res.Cost,
				"spent":    e.budget.Spent(),
			})
			return res, nil
		}

		e.budget.Release(p.Cost)
		if err == nil {
			err = errors.New("provider returned no result")
		}

		switch classify(p, err) {
		case ActionAbort:
			e.log.Warn("chain aborted by provider error",
				logx.String("provider", p.Name), logx.Err(err))
			return nil, fmt.Errorf("%w: %s: %v", ErrAborted, p.Name, err)
		case ActionNextProvider:
			e.log.Debug("skipping to next provider",
				logx.String("provider", p.Name), logx.Err(err))
			return nil, err
		default: // retry
			e.log.Debug("provider attempt failed",
				logx.String("provider", p.Name),
				logx.Int("attempt", attempt),
				logx.Err(err))
			if attempt < task.AttemptsPerProvider {
				if serr := e.sleep(ctx, task.RetryDelay); serr != nil {
					return nil, serr
				}
			}
		}
	}
	return nil, fmt.Errorf("provider %s: attempts exhausted", p.Name)
}

func classify(p Provider, err error) Action {
	var fe *Error
	if !errors.As(err, &fe) || fe.Category == "" {
		return ActionRetry
	}
	if act, ok := p.ErrorClasses[fe.Category]; ok {
		return act
	}
	return ActionRetry
}

func (e *Executor) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
