// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, best-effort counters, and timeout-aware graceful stop.
package supervisor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "farmd/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	// Counters are best-effort operational metrics.
	started uint64
	active  int64
	panics  uint64

	wg sync.WaitGroup
}

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
		Panics:  atomic.LoadUint64(&s.panics),
	}
}

// Go starts a named goroutine under the supervisor context.
// Panics are recovered and logged; they never take down the process.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	if s == nil || fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)

	go func() {
		started := time.Now()
		defer func() {
			if p := recover(); p != nil {
				atomic.AddUint64(&s.panics, 1)
				s.log.Error("goroutine panic",
					logx.String("name", name),
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())))
			}
			atomic.AddInt64(&s.active, -1)
			s.log.Debug("goroutine stopped",
				logx.String("name", name),
				logx.Duration("ran", time.Since(started)))
			s.wg.Done()
		}()
		fn(s.ctx)
	}()
}

// Stop cancels the context and waits for all goroutines to exit,
// bounded by the given context's deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines exit or ctx expires. Unlike Stop it
// leaves the supervisor context alone, so callers can wait first and
// reserve Cancel for the deadline path.
func (s *Supervisor) Wait(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
