package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testProvider(mutate func(cfg *config.Config)) *config.Provider {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return config.Static(cfg)
}

func openRecord(id, symbol string, side domain.Side, qty, entry float64, openedAt time.Time) *domain.Position {
	return &domain.Position{
		ID:         id,
		Exchange:   "paper",
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Quantity:   qty,
		Status:     domain.StatusOpen,
		Source:     "test",
		OpenedAt:   openedAt,
	}
}

// fakePauser records breaker driven pause/resume calls.
type fakePauser struct {
	mu      sync.Mutex
	paused  bool
	reasons []string
	resumes int
}

func (p *fakePauser) Pause(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.reasons = append(p.reasons, reason)
	return nil
}

func (p *fakePauser) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.resumes++
	return nil
}

type fakeCanceller struct {
	calls int
}

func (c *fakeCanceller) CancelAllOrders(_ context.Context) (*ActionResult, error) {
	c.calls++
	return &ActionResult{Action: "cancel_all_orders"}, nil
}
