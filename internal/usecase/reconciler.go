package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// quantities within this distance are considered equal
	reconcileEpsilon = 1e-9

	ReconcilerComponent = "reconciler"

	CloseReasonStale     = "reconcile_stale"
	CloseReasonDirection = "reconcile_direction"
	CloseReasonExcess    = "reconcile_excess"
)

// PositionReconciler corrects the ledger to match the broker. It only reads
// from the broker and only writes to the ledger.
type PositionReconciler struct {
	broker     domain.Broker
	ledger     domain.Ledger
	locks      *SymbolLocks
	heartbeats *HeartbeatRegistry
	logger     *zap.Logger
	metrics    *observability.Metrics
	timeNow    func() time.Time
}

func NewPositionReconciler(broker domain.Broker, ledger domain.Ledger, locks *SymbolLocks, heartbeats *HeartbeatRegistry, logger *zap.Logger, metrics *observability.Metrics) *PositionReconciler {
	if locks == nil {
		locks = NewSymbolLocks()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &PositionReconciler{
		broker:     broker,
		ledger:     ledger,
		locks:      locks,
		heartbeats: heartbeats,
		logger:     logger,
		metrics:    metrics,
		timeNow:    time.Now,
	}
}

// Reconcile closes ledger records the broker no longer backs. NORMAL closes
// records of symbols without broker exposure. STRICT additionally closes
// records on the wrong side and, oldest first, records that push the local
// sum above the broker quantity. Ledger failures are collected and returned
// alongside a report of what did succeed.
func (r *PositionReconciler) Reconcile(ctx context.Context, mode domain.ReconcileMode) (*domain.ReconcileReport, error) {
	if mode != domain.ReconcileNormal && mode != domain.ReconcileStrict {
		return nil, fmt.Errorf("%w: reconcile mode %q", domain.ErrInvalidInput, mode)
	}

	report := &domain.ReconcileReport{Mode: mode, StartedAt: r.timeNow()}

	brokerPositions, err := r.broker.GetOpenPositions(ctx)
	if err != nil {
		r.metrics.ReconcileRuns.WithLabelValues(string(mode), "error").Inc()
		return nil, fmt.Errorf("broker positions: %w", err)
	}
	net := domain.NetQuantities(brokerPositions)
	for symbol, qty := range net {
		if math.Abs(qty) > reconcileEpsilon {
			report.BrokerOpen = append(report.BrokerOpen, symbol)
		}
	}
	sort.Strings(report.BrokerOpen)

	open, err := r.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.StatusOpen})
	if err != nil {
		r.metrics.ReconcileRuns.WithLabelValues(string(mode), "error").Inc()
		return nil, fmt.Errorf("ledger positions: %w", err)
	}

	symbols := make(map[string]struct{})
	for _, p := range open {
		symbols[p.Symbol] = struct{}{}
	}
	ordered := make([]string, 0, len(symbols))
	for s := range symbols {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	var errs error
	for _, symbol := range ordered {
		if err := r.reconcileSymbol(ctx, mode, symbol, net[symbol], report); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	report.FinishedAt = r.timeNow()
	result := "ok"
	if errs != nil {
		result = "partial"
	}
	r.metrics.ReconcileRuns.WithLabelValues(string(mode), result).Inc()

	if report.Closed() > 0 {
		r.logger.Warn("Ledger diverged from broker, reconciled",
			zap.String("mode", string(mode)),
			zap.Int("closed_stale", report.ClosedStale),
			zap.Int("closed_strict", report.ClosedStrict),
			zap.Strings("closed_ids", report.ClosedIDs))
	} else {
		r.logger.Debug("Ledger in sync with broker", zap.String("mode", string(mode)))
	}
	return report, errs
}

func (r *PositionReconciler) reconcileSymbol(ctx context.Context, mode domain.ReconcileMode, symbol string, brokerQty float64, report *domain.ReconcileReport) error {
	unlock := r.locks.Lock(symbol)
	defer unlock()

	// re-read under the lock; another loop may have changed the symbol
	records, err := r.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.StatusOpen, Symbol: symbol})
	if err != nil {
		return fmt.Errorf("%s: %w", symbol, err)
	}
	if len(records) == 0 {
		return nil
	}

	var errs error
	closeRecord := func(p *domain.Position, reason string) bool {
		if err := r.ledger.ClosePosition(ctx, p.ID, p.MarkPrice(), r.timeNow(), reason); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s (%s): %w", p.ID, symbol, err))
			return false
		}
		report.ClosedIDs = append(report.ClosedIDs, p.ID)
		r.metrics.ReconcileClosed.WithLabelValues(reason).Inc()
		r.logger.Info("Ledger position closed by reconciliation",
			zap.String("id", p.ID),
			zap.String("symbol", symbol),
			zap.String("side", string(p.Side)),
			zap.Float64("qty", p.Quantity),
			zap.String("reason", reason))
		return true
	}

	if math.Abs(brokerQty) <= reconcileEpsilon {
		for _, p := range records {
			if closeRecord(p, CloseReasonStale) {
				report.ClosedStale++
			}
		}
		return errs
	}

	if mode != domain.ReconcileStrict {
		return nil
	}

	desired := domain.SideFromQuantity(brokerQty)
	var agreeing []*domain.Position
	for _, p := range records {
		if p.Side != desired {
			if closeRecord(p, CloseReasonDirection) {
				report.ClosedStrict++
			}
			continue
		}
		agreeing = append(agreeing, p)
	}

	sort.SliceStable(agreeing, func(i, j int) bool {
		if agreeing[i].OpenedAt.Equal(agreeing[j].OpenedAt) {
			return agreeing[i].ID < agreeing[j].ID
		}
		return agreeing[i].OpenedAt.Before(agreeing[j].OpenedAt)
	})

	sum := decimal.Zero
	for _, p := range agreeing {
		sum = sum.Add(decimal.NewFromFloat(p.Quantity))
	}
	limit := decimal.NewFromFloat(math.Abs(brokerQty)).Add(decimal.NewFromFloat(reconcileEpsilon))

	for _, p := range agreeing {
		if sum.LessThanOrEqual(limit) {
			break
		}
		if closeRecord(p, CloseReasonExcess) {
			report.ClosedStrict++
			sum = sum.Sub(decimal.NewFromFloat(p.Quantity))
		} else {
			// the record stays open; later ones must not be closed in its place
			break
		}
	}
	return errs
}

// RunPeriodic reconciles on the configured interval and mode until ctx is
// done. It beats its own heartbeat so a stuck reconciler is visible.
func (r *PositionReconciler) RunPeriodic(ctx context.Context, cfg *config.Provider) {
	if r.heartbeats != nil {
		r.heartbeats.Register(ReconcilerComponent)
		defer r.heartbeats.Unregister(ReconcilerComponent)
	}
	r.logger.Info("Periodic reconciliation started")

	for {
		rc := cfg.Current().Reconcile
		mode, err := domain.ParseReconcileMode(rc.Mode)
		if err != nil {
			mode = domain.ReconcileStrict
		}

		if r.heartbeats != nil {
			r.heartbeats.Beat(ReconcilerComponent)
		}
		if _, err := r.Reconcile(ctx, mode); err != nil {
			r.logger.Error("Periodic reconciliation failed", zap.Error(err))
		} else if r.heartbeats != nil {
			r.heartbeats.Success(ReconcilerComponent)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Periodic reconciliation stopped")
			return
		case <-time.After(rc.Interval):
		}
	}
}
