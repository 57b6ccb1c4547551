package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/zap"
)

// CapitalMonitor classifies account health from broker snapshots and keeps
// an hourly balance history for trend analysis.
type CapitalMonitor struct {
	broker  domain.Broker
	cfg     *config.Provider
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	cached   *domain.CapitalSnapshot
	cachedAt time.Time
	history  []domain.CapitalSnapshot // oldest first
	timeNow  func() time.Time
}

func NewCapitalMonitor(broker domain.Broker, cfg *config.Provider, logger *zap.Logger, metrics *observability.Metrics) *CapitalMonitor {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &CapitalMonitor{
		broker:  broker,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		timeNow: time.Now,
	}
}

// GetCapitalState returns the current snapshot with its classification.
func (m *CapitalMonitor) GetCapitalState(ctx context.Context) (*domain.CapitalState, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	risk := m.cfg.Current().Risk
	status := ClassifyCapital(snap, risk)
	zone, action := ClassifyMarginZone(snap.MarginUsedPct, risk)

	m.metrics.WalletBalance.Set(snap.WalletBalance)
	m.metrics.MarginUsedPct.Set(snap.MarginUsedPct)
	m.metrics.UnrealizedPnL.Set(snap.UnrealizedPnL)
	m.metrics.CapitalStatus.Set(capitalStatusValue(status))

	return &domain.CapitalState{
		Snapshot: snap,
		Status:   status,
		Zone:     zone,
		Action:   action,
		Trend:    m.Trend(),
	}, nil
}

// snapshot returns the cached snapshot while it is younger than the TTL.
func (m *CapitalMonitor) snapshot(ctx context.Context) (domain.CapitalSnapshot, error) {
	risk := m.cfg.Current().Risk

	m.mu.Lock()
	if m.cached != nil && m.timeNow().Sub(m.cachedAt) < risk.CapitalCacheTTL {
		cachedCopy := *m.cached
		m.mu.Unlock()
		m.metrics.CapitalFetches.WithLabelValues("cache").Inc()
		return cachedCopy, nil
	}
	m.mu.Unlock()

	acc, err := m.broker.GetAccountSnapshot(ctx)
	if err != nil {
		m.metrics.CapitalFetches.WithLabelValues("error").Inc()
		return domain.CapitalSnapshot{}, fmt.Errorf("account snapshot: %w", err)
	}
	m.metrics.CapitalFetches.WithLabelValues("broker").Inc()

	now := m.timeNow()
	snap := BuildCapitalSnapshot(acc, risk.MaxLeverage, now)

	m.mu.Lock()
	m.cached = &snap
	m.cachedAt = now
	m.mu.Unlock()

	return snap, nil
}

// Invalidate drops the cached snapshot.
func (m *CapitalMonitor) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// BuildCapitalSnapshot derives the percentages from a raw account reading.
// A non-positive wallet yields zero percentages.
func BuildCapitalSnapshot(acc *domain.AccountSnapshot, maxLeverage float64, at time.Time) domain.CapitalSnapshot {
	snap := domain.CapitalSnapshot{
		WalletBalance:    acc.WalletBalance,
		AvailableBalance: acc.AvailableBalance,
		MarginUsed:       acc.MarginUsed,
		UnrealizedPnL:    acc.UnrealizedPnL,
		BuyingPower:      acc.AvailableBalance * maxLeverage,
		Timestamp:        at,
	}
	if acc.WalletBalance > 0 {
		snap.MarginUsedPct = acc.MarginUsed / acc.WalletBalance * 100
		snap.UnrealizedPnLPct = acc.UnrealizedPnL / acc.WalletBalance * 100
	}
	return snap
}

// ClassifyCapital maps a snapshot to a status. First match wins, in order
// EMERGENCY, CRITICAL, WARNING.
func ClassifyCapital(s domain.CapitalSnapshot, r config.RiskConfig) domain.CapitalStatus {
	margin := s.MarginUsedPct
	pnl := s.UnrealizedPnLPct

	switch {
	case margin > r.EmergencyMarginPct,
		margin > r.CriticalMarginPct && pnl < -r.EmergencyLossPct:
		return domain.CapitalEmergency
	case margin > r.CriticalMarginPct:
		return domain.CapitalCritical
	case margin > r.WarningMarginPct, pnl < -r.WarningLossPct:
		return domain.CapitalWarning
	default:
		return domain.CapitalHealthy
	}
}

// ClassifyMarginZone is advisory and independent of ClassifyCapital.
func ClassifyMarginZone(marginPct float64, r config.RiskConfig) (domain.MarginZone, domain.MarginAction) {
	switch {
	case marginPct > r.ZoneRedPct:
		return domain.ZoneRed, domain.ActionEmergencyClose
	case marginPct > r.ZoneOrangePct:
		return domain.ZoneOrange, domain.ActionReducePositions
	case marginPct > r.ZoneYellowPct:
		return domain.ZoneYellow, domain.ActionPauseNewEntries
	default:
		return domain.ZoneGreen, domain.ActionNormal
	}
}

// GetAvailableForNewPosition reports how much margin is left under
// maxMarginPct. A non-positive maxMarginPct uses the configured cap.
func (m *CapitalMonitor) GetAvailableForNewPosition(ctx context.Context, maxMarginPct float64) (*domain.Headroom, error) {
	if maxMarginPct <= 0 {
		maxMarginPct = m.cfg.Current().Risk.MaxMarginPct
	}
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	headroom := maxMarginPct - snap.MarginUsedPct
	if headroom <= 0 {
		return &domain.Headroom{
			CanOpenNew:    false,
			HeadroomPct:   headroom,
			MarginUsedPct: snap.MarginUsedPct,
		}, nil
	}
	return &domain.Headroom{
		CanOpenNew:      true,
		HeadroomPct:     headroom,
		HeadroomCapital: snap.WalletBalance * headroom / 100,
		MarginUsedPct:   snap.MarginUsedPct,
	}, nil
}

// RecordHourly appends a snapshot to the history when the newest entry is
// at least one snapshot interval old. It reports whether one was added.
func (m *CapitalMonitor) RecordHourly(ctx context.Context) (bool, error) {
	risk := m.cfg.Current().Risk

	m.mu.Lock()
	due := len(m.history) == 0 || m.timeNow().Sub(m.history[len(m.history)-1].Timestamp) >= risk.SnapshotInterval
	m.mu.Unlock()
	if !due {
		return false, nil
	}

	snap, err := m.snapshot(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, snap)
	if size := risk.SnapshotHistorySize; size > 0 && len(m.history) > size {
		m.history = append([]domain.CapitalSnapshot(nil), m.history[len(m.history)-size:]...)
	}

	m.logger.Info("Capital snapshot recorded",
		zap.Float64("wallet", snap.WalletBalance),
		zap.Float64("margin_pct", snap.MarginUsedPct),
		zap.Int("history", len(m.history)))
	return true, nil
}

// History returns the buffered hourly snapshots, oldest first.
func (m *CapitalMonitor) History() []domain.CapitalSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CapitalSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Trend compares the oldest and newest buffered wallet balances.
func (m *CapitalMonitor) Trend() domain.CapitalTrend {
	threshold := m.cfg.Current().Risk.TrendThresholdPct

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < 2 {
		return domain.TrendStable
	}
	oldest := m.history[0].WalletBalance
	newest := m.history[len(m.history)-1].WalletBalance
	if oldest <= 0 {
		return domain.TrendStable
	}

	change := (newest - oldest) / oldest * 100
	switch {
	case change > threshold:
		return domain.TrendGrowing
	case change < -threshold:
		return domain.TrendDeclining
	default:
		return domain.TrendStable
	}
}

func capitalStatusValue(s domain.CapitalStatus) float64 {
	switch s {
	case domain.CapitalWarning:
		return 1
	case domain.CapitalCritical:
		return 2
	case domain.CapitalEmergency:
		return 3
	default:
		return 0
	}
}
