package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/zap"
)

// Pauser is the part of the lifecycle the breaker drives.
type Pauser interface {
	Pause(reason string) error
	Resume() error
}

// OrderCanceller cancels every resting order.
type OrderCanceller interface {
	CancelAllOrders(ctx context.Context) (*ActionResult, error)
}

// EmergencyStopper stops the bot and cancels its orders, leaving positions
// open.
type EmergencyStopper interface {
	EmergencyStop(ctx context.Context, reason string) (*ActionResult, error)
}

// CircuitBreaker blocks new risk-taking while active. Existing positions
// are left alone.
type CircuitBreaker struct {
	cfg     *config.Provider
	logger  *zap.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	state     domain.BreakerState
	pauser    Pauser
	canceller OrderCanceller
	stopper   EmergencyStopper
	timeNow   func() time.Time
}

func NewCircuitBreaker(cfg *config.Provider, logger *zap.Logger, metrics *observability.Metrics) *CircuitBreaker {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &CircuitBreaker{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		timeNow: time.Now,
	}
}

// SetPauser attaches the lifecycle to pause on trigger and resume on release.
func (b *CircuitBreaker) SetPauser(p Pauser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pauser = p
}

// SetEmergencyStopper attaches the stop used when
// circuit_breaker.stop_on_trigger is set.
func (b *CircuitBreaker) SetEmergencyStopper(s EmergencyStopper) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopper = s
}

// SetCanceller attaches the order canceller used when
// circuit_breaker.cancel_orders_on_trigger is set.
func (b *CircuitBreaker) SetCanceller(c OrderCanceller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceller = c
}

// Trigger activates the breaker for cooldown. A non-positive cooldown uses
// the configured one. Triggering an active breaker is a no-op and returns
// false.
func (b *CircuitBreaker) Trigger(ctx context.Context, reason string, cooldown time.Duration) bool {
	cfg := b.cfg.Current().Breaker
	if cooldown <= 0 {
		cooldown = cfg.Cooldown()
	}

	b.mu.Lock()
	if b.state.Active {
		b.mu.Unlock()
		b.logger.Debug("Circuit breaker already active", zap.String("reason", reason))
		return false
	}
	now := b.timeNow()
	b.state = domain.BreakerState{
		Active:        true,
		Reason:        reason,
		TriggeredAt:   now,
		CooldownUntil: now.Add(cooldown),
	}
	pauser, canceller, stopper := b.pauser, b.canceller, b.stopper
	b.mu.Unlock()

	b.metrics.BreakerActive.Set(1)
	b.metrics.BreakerTrips.Inc()
	b.logger.Warn("Circuit breaker triggered",
		zap.String("reason", reason),
		zap.Time("triggered_at", now),
		zap.Time("cooldown_until", now.Add(cooldown)))

	if cfg.StopOnTrigger && stopper != nil {
		// a stopped bot stays stopped after cooldown
		if _, err := stopper.EmergencyStop(ctx, "circuit breaker: "+reason); err != nil {
			b.logger.Error("Emergency stop on trigger failed", zap.Error(err))
		}
		return true
	}
	if pauser != nil {
		if err := pauser.Pause("circuit breaker: " + reason); err != nil {
			b.logger.Info("Lifecycle not paused", zap.Error(err))
		}
	}
	if cfg.CancelOrdersOnTrigger && canceller != nil {
		if _, err := canceller.CancelAllOrders(ctx); err != nil {
			b.logger.Error("Cancel orders on trigger failed", zap.Error(err))
		}
	}
	return true
}

// CheckCooldown releases the breaker once its cooldown has passed. It
// reports whether this call performed the release.
func (b *CircuitBreaker) CheckCooldown() bool {
	b.mu.Lock()
	if !b.state.Active || b.timeNow().Before(b.state.CooldownUntil) {
		b.mu.Unlock()
		return false
	}
	prev := b.state
	b.state = domain.BreakerState{}
	pauser := b.pauser
	b.mu.Unlock()

	b.metrics.BreakerActive.Set(0)
	b.logger.Info("Circuit breaker cooldown expired",
		zap.String("reason", prev.Reason),
		zap.Time("triggered_at", prev.TriggeredAt),
		zap.Time("released_at", b.timeNow()))
	b.resume(pauser)
	return true
}

// Reset forces the breaker inactive regardless of cooldown.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.state = domain.BreakerState{}
	pauser := b.pauser
	b.mu.Unlock()

	b.metrics.BreakerActive.Set(0)
	if !prev.Active {
		return
	}
	b.logger.Warn("Circuit breaker manually reset",
		zap.String("reason", prev.Reason),
		zap.Time("reset_at", b.timeNow()))
	b.resume(pauser)
}

func (b *CircuitBreaker) resume(pauser Pauser) {
	if pauser == nil {
		return
	}
	if err := pauser.Resume(); err != nil {
		b.logger.Info("Lifecycle not resumed", zap.Error(err))
	}
}

func (b *CircuitBreaker) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Active
}

// State returns a copy of the current state.
func (b *CircuitBreaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
