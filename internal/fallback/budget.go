package fallback

import (
	"sync"
	"time"
)

// Budget is the process-wide daily spend counter shared by every fallback
// chain. Charges are two-phase: Reserve before the provider call, then
// Commit (actual cost) or Release on failure, so concurrent chains can
// never drive the remaining amount negative.
type Budget struct {
	mu sync.Mutex

	limit    float64
	spent    float64
	reserved float64

	windowStart time.Time
	window      time.Duration

	now func() time.Time
}

func NewBudget(limit float64) *Budget {
	b := &Budget{
		limit:  limit,
		window: 24 * time.Hour,
		now:    time.Now,
	}
	b.windowStart = b.now()
	return b
}

// rollLocked resets the window when the rolling 24h boundary has passed.
func (b *Budget) rollLocked(now time.Time) {
	if now.Sub(b.windowStart) < b.window {
		return
	}
	b.spent = 0
	b.windowStart = now
}

// Remaining returns the spendable amount right now.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	r := b.limit - b.spent - b.reserved
	if r < 0 {
		return 0
	}
	return r
}

// Reserve holds amount against the budget. It fails (without charging) when
// the remaining budget cannot cover it.
func (b *Budget) Reserve(amount float64) bool {
	if amount < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	if b.limit-b.spent-b.reserved < amount {
		return false
	}
	b.reserved += amount
	return true
}

// Commit converts a reservation into actual spend. If the provider billed
// more than was reserved, the overage is still recorded: the budget reflects
// real spend, and the next Reserve absorbs the difference.
func (b *Budget) Commit(reserved, actual float64) {
	if actual < 0 {
		actual = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(reserved)
	b.spent += actual
}

// Release returns an unused reservation.
func (b *Budget) Release(reserved float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(reserved)
}

func (b *Budget) releaseLocked(amount float64) {
	b.reserved -= amount
	if b.reserved < 0 {
		b.reserved = 0
	}
}

// SetLimit applies a new daily ceiling (config hot reload).
func (b *Budget) SetLimit(limit float64) {
	b.mu.Lock()
	b.limit = limit
	b.mu.Unlock()
}

// Spent returns the spend inside the current window.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	return b.spent
}

// Roll forces a window check; wired to the daily cron tick so the reset does
// not depend on chain traffic.
func (b *Budget) Roll() {
	b.mu.Lock()
	b.rollLocked(b.now())
	b.mu.Unlock()
}
