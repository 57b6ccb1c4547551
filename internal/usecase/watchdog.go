package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/zap"
)

const ReasonHealLimit = "auto-heal limit reached"

// Lifecycle is what the watchdog needs from the orchestrator.
type Lifecycle interface {
	State() domain.LifecycleState
	Restart(ctx context.Context) error
	ErrorCount() int64
}

// CapitalReader reads the classified capital state.
type CapitalReader interface {
	GetCapitalState(ctx context.Context) (*domain.CapitalState, error)
}

// Watchdog supervises loop heartbeats, process resources and capital,
// restarting the bot when it looks stuck and tripping the breaker when
// restarts do not help.
type Watchdog struct {
	cfg        *config.Provider
	heartbeats *HeartbeatRegistry
	sampler    ResourceSampler
	lifecycle  Lifecycle
	breaker    *CircuitBreaker
	capital    CapitalReader
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu         sync.Mutex
	heals      []time.Time // within the heal window, oldest first
	history    []domain.HealthSnapshot
	lastSample domain.ResourceSample
	timeNow    func() time.Time
}

type WatchdogOptions struct {
	Config     *config.Provider
	Heartbeats *HeartbeatRegistry
	Sampler    ResourceSampler
	Lifecycle  Lifecycle
	Breaker    *CircuitBreaker
	Capital    CapitalReader
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

func NewWatchdog(opts WatchdogOptions) *Watchdog {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	return &Watchdog{
		cfg:        opts.Config,
		heartbeats: opts.Heartbeats,
		sampler:    opts.Sampler,
		lifecycle:  opts.Lifecycle,
		breaker:    opts.Breaker,
		capital:    opts.Capital,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		timeNow:    time.Now,
	}
}

// Run ticks on watchdog.interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("Watchdog started")
	for {
		w.Tick(ctx)

		timer := time.NewTimer(w.cfg.Current().Watchdog.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("Watchdog stopped")
			return
		case <-timer.C:
		}
	}
}

// Tick runs one supervision pass. At most one auto-heal happens per tick.
func (w *Watchdog) Tick(ctx context.Context) domain.HealthSnapshot {
	var healReason string

	heartbeats := w.heartbeats.Check()
	for _, hb := range heartbeats {
		switch hb.Status {
		case domain.HeartbeatFrozen:
			w.logger.Error("Component heartbeat frozen",
				zap.String("component", hb.Component),
				zap.Duration("age", hb.Age),
				zap.Duration("threshold", hb.Threshold))
			if healReason == "" {
				healReason = fmt.Sprintf("%s frozen for %s", hb.Component, hb.Age.Truncate(time.Second))
			}
		case domain.HeartbeatSlow:
			w.logger.Warn("Component heartbeat slow",
				zap.String("component", hb.Component),
				zap.Duration("age", hb.Age),
				zap.Duration("threshold", hb.Threshold))
		}
	}

	sample := w.sampleResources(ctx)
	if sample.Level == domain.ResourceCritical {
		w.logger.Error("Resources critical", zap.Strings("reasons", sample.Reasons))
		if healReason == "" {
			healReason = "resources critical"
		}
	} else if sample.Level == domain.ResourceWarning {
		w.logger.Warn("Resources high", zap.Strings("reasons", sample.Reasons))
	}

	if healReason != "" {
		w.AutoHeal(ctx, healReason)
	}

	if w.capital != nil && w.breaker != nil {
		state, err := w.capital.GetCapitalState(ctx)
		if err != nil {
			w.logger.Warn("Capital state unavailable", zap.Error(err))
		} else if state.Status == domain.CapitalEmergency {
			w.breaker.Trigger(ctx, fmt.Sprintf("capital emergency: margin %.1f%%, pnl %.1f%%",
				state.Snapshot.MarginUsedPct, state.Snapshot.UnrealizedPnLPct), 0)
		}
	}

	if w.breaker != nil {
		w.breaker.CheckCooldown()
	}

	snap := domain.HealthSnapshot{
		Timestamp:     w.timeNow(),
		Status:        w.level(heartbeats, sample),
		MemoryMB:      sample.MemoryMB,
		CPUPercent:    sample.CPUPercent,
		DiskPercent:   sample.DiskPercent,
		ErrorCount:    w.errorCount(),
		BreakerActive: w.breaker != nil && w.breaker.IsActive(),
	}
	w.record(snap)
	return snap
}

func (w *Watchdog) sampleResources(ctx context.Context) domain.ResourceSample {
	if w.sampler == nil {
		return domain.ResourceSample{Level: domain.ResourceOK, Timestamp: w.timeNow()}
	}
	raw, err := w.sampler.Sample(ctx)
	if err != nil {
		w.logger.Warn("Resource sample failed", zap.Error(err))
		w.mu.Lock()
		last := w.lastSample
		w.mu.Unlock()
		return last
	}

	sample := ClassifyResources(raw, w.cfg.Current().Watchdog.Resources)
	w.metrics.MemoryMB.Set(sample.MemoryMB)
	w.metrics.CPUPercent.Set(sample.CPUPercent)
	w.metrics.DiskPercent.Set(sample.DiskPercent)

	w.mu.Lock()
	w.lastSample = sample
	w.mu.Unlock()
	return sample
}

// AutoHeal restarts the bot unless it is deliberately stopped. Past
// watchdog.max_heals within watchdog.heal_window it trips the breaker
// instead. It reports whether a restart was attempted.
func (w *Watchdog) AutoHeal(ctx context.Context, reason string) bool {
	if w.lifecycle == nil || w.lifecycle.State() == domain.LifecycleStopped {
		w.metrics.AutoHeals.WithLabelValues("skipped").Inc()
		w.logger.Info("Auto-heal skipped, bot is stopped", zap.String("reason", reason))
		return false
	}

	wd := w.cfg.Current().Watchdog
	now := w.timeNow()

	w.mu.Lock()
	w.pruneHeals(now, wd.HealWindow)
	if len(w.heals) >= wd.MaxHeals {
		count := len(w.heals)
		w.mu.Unlock()

		w.metrics.AutoHeals.WithLabelValues("limited").Inc()
		w.logger.Error("Auto-heal limit reached, manual intervention required",
			zap.String("reason", reason),
			zap.Int("heals", count),
			zap.Duration("window", wd.HealWindow))
		if w.breaker != nil {
			w.breaker.Trigger(ctx, ReasonHealLimit, 0)
		}
		return false
	}
	w.heals = append(w.heals, now)
	w.mu.Unlock()

	w.logger.Warn("Auto-heal restarting bot", zap.String("reason", reason))
	w.heartbeats.Reset()
	if err := w.lifecycle.Restart(ctx); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		w.metrics.AutoHeals.WithLabelValues("error").Inc()
		w.logger.Error("Auto-heal restart failed", zap.String("reason", reason), zap.Error(err))
		return true
	}
	w.metrics.AutoHeals.WithLabelValues("restarted").Inc()
	return true
}

// pruneHeals drops heals older than window. Caller holds w.mu.
func (w *Watchdog) pruneHeals(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.heals) && !w.heals[i].After(cutoff) {
		i++
	}
	w.heals = w.heals[i:]
}

func (w *Watchdog) record(snap domain.HealthSnapshot) {
	size := w.cfg.Current().Watchdog.HistorySize

	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, snap)
	if size > 0 && len(w.history) > size {
		w.history = append([]domain.HealthSnapshot(nil), w.history[len(w.history)-size:]...)
	}
}

func (w *Watchdog) errorCount() int64 {
	if w.lifecycle == nil {
		return 0
	}
	return w.lifecycle.ErrorCount()
}

// level is CRITICAL on a frozen heartbeat or critical resources and
// DEGRADED on a slow heartbeat, high resources or an active breaker.
func (w *Watchdog) level(heartbeats []domain.HeartbeatEntry, sample domain.ResourceSample) domain.HealthLevel {
	level := domain.HealthOK
	for _, hb := range heartbeats {
		switch hb.Status {
		case domain.HeartbeatFrozen:
			return domain.HealthCritical
		case domain.HeartbeatSlow:
			level = domain.HealthDegraded
		}
	}
	switch sample.Level {
	case domain.ResourceCritical:
		return domain.HealthCritical
	case domain.ResourceWarning:
		level = domain.HealthDegraded
	}
	if w.breaker != nil && w.breaker.IsActive() {
		level = domain.HealthDegraded
	}
	return level
}

// GetHealthStatus aggregates the latest view of every supervised part
// without performing a tick.
func (w *Watchdog) GetHealthStatus() domain.HealthStatus {
	heartbeats := w.heartbeats.Check()
	wd := w.cfg.Current().Watchdog

	w.mu.Lock()
	w.pruneHeals(w.timeNow(), wd.HealWindow)
	heals := len(w.heals)
	sample := w.lastSample
	history := make([]domain.HealthSnapshot, len(w.history))
	copy(history, w.history)
	w.mu.Unlock()

	status := domain.HealthStatus{
		Status:        w.level(heartbeats, sample),
		Heartbeats:    heartbeats,
		Resources:     sample,
		HealsLastHour: heals,
		History:       history,
	}
	if w.lifecycle != nil {
		status.Lifecycle = w.lifecycle.State()
	}
	if w.breaker != nil {
		status.Breaker = w.breaker.State()
	}
	return status
}
