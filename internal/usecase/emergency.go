package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// reduce quantities are truncated to this many decimals
const quantityPrecision = 8

// Stopper is the part of the lifecycle emergency actions need.
type Stopper interface {
	Stop(ctx context.Context) error
}

// ItemResult is the outcome of one per-symbol step of an emergency action.
type ItemResult struct {
	Symbol   string      `json:"symbol"`
	Side     domain.Side `json:"side,omitempty"`
	Quantity float64     `json:"quantity,omitempty"`
	OrderID  string      `json:"order_id,omitempty"`
	Count    int         `json:"count,omitempty"`
	Error    string      `json:"error,omitempty"`
	err      error
}

func (i ItemResult) OK() bool {
	return i.err == nil
}

// ActionResult lists every item of an emergency action. Partial completion
// is normal and shows up as failed items, not as a single error.
type ActionResult struct {
	Action     string       `json:"action"`
	Reason     string       `json:"reason,omitempty"`
	Orders     []ItemResult `json:"orders"`
	Cancels    []ItemResult `json:"cancels"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

func (r *ActionResult) addOrder(item ItemResult) {
	if item.err != nil {
		item.Error = item.err.Error()
	}
	r.Orders = append(r.Orders, item)
}

// Failed counts failed items.
func (r *ActionResult) Failed() int {
	n := 0
	for _, i := range r.Orders {
		if !i.OK() {
			n++
		}
	}
	for _, i := range r.Cancels {
		if !i.OK() {
			n++
		}
	}
	return n
}

// Err combines every item error, or nil when all succeeded.
func (r *ActionResult) Err() error {
	var errs error
	for _, i := range r.Orders {
		if i.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s order: %w", i.Symbol, i.err))
		}
	}
	for _, i := range r.Cancels {
		if i.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s cancel: %w", i.Symbol, i.err))
		}
	}
	return errs
}

// EmergencyControl holds the destructive operator actions.
type EmergencyControl struct {
	broker  domain.Broker
	stopper Stopper
	logger  *zap.Logger
	metrics *observability.Metrics
	timeNow func() time.Time
}

func NewEmergencyControl(broker domain.Broker, stopper Stopper, logger *zap.Logger, metrics *observability.Metrics) *EmergencyControl {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &EmergencyControl{
		broker:  broker,
		stopper: stopper,
		logger:  logger,
		metrics: metrics,
		timeNow: time.Now,
	}
}

// PanicCloseAll stops the bot, flattens every broker position with one
// reduce-only market order per symbol and then cancels resting orders. The
// ledger is left to the reconciler.
func (e *EmergencyControl) PanicCloseAll(ctx context.Context, reason string) (*ActionResult, error) {
	result := e.begin("panic_close_all", reason)
	e.stop(ctx, result)

	net, err := e.openNet(ctx)
	if err != nil {
		e.finish(result)
		return result, err
	}

	for _, symbol := range sortedKeys(net) {
		qty := net[symbol]
		side := domain.SideFromQuantity(qty).Opposite()
		result.addOrder(e.reduce(ctx, symbol, side, math.Abs(qty)))
	}

	cancels, err := e.cancelAll(ctx)
	result.Cancels = append(result.Cancels, cancels...)
	e.finish(result)
	return result, err
}

// ReduceAllPositions shrinks every broker position by pct percent.
func (e *EmergencyControl) ReduceAllPositions(ctx context.Context, pct float64) (*ActionResult, error) {
	if pct <= 0 || pct > 100 {
		return nil, fmt.Errorf("%w: got %v", domain.ErrInvalidPercent, pct)
	}
	result := e.begin("reduce_all_positions", fmt.Sprintf("%.2f%%", pct))

	net, err := e.openNet(ctx)
	if err != nil {
		e.finish(result)
		return result, err
	}

	fraction := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100))
	for _, symbol := range sortedKeys(net) {
		qty := net[symbol]
		size := decimal.NewFromFloat(math.Abs(qty)).Mul(fraction).Truncate(quantityPrecision)
		if !size.IsPositive() {
			continue
		}
		sizeF, _ := size.Float64()
		side := domain.SideFromQuantity(qty).Opposite()
		result.addOrder(e.reduce(ctx, symbol, side, sizeF))
	}

	e.finish(result)
	return result, nil
}

// CancelAllOrders cancels resting orders symbol by symbol. A failing symbol
// does not stop the others.
func (e *EmergencyControl) CancelAllOrders(ctx context.Context) (*ActionResult, error) {
	result := e.begin("cancel_all_orders", "")
	cancels, err := e.cancelAll(ctx)
	result.Cancels = cancels
	e.finish(result)
	return result, err
}

// EmergencyStop stops the bot and cancels orders. Positions stay open.
func (e *EmergencyControl) EmergencyStop(ctx context.Context, reason string) (*ActionResult, error) {
	result := e.begin("emergency_stop", reason)
	e.stop(ctx, result)

	cancels, err := e.cancelAll(ctx)
	result.Cancels = cancels
	e.finish(result)
	return result, err
}

func (e *EmergencyControl) begin(action, reason string) *ActionResult {
	e.logger.Warn("Emergency action started", zap.String("action", action), zap.String("reason", reason))
	return &ActionResult{Action: action, Reason: reason, StartedAt: e.timeNow()}
}

func (e *EmergencyControl) finish(result *ActionResult) {
	result.FinishedAt = e.timeNow()
	status := "ok"
	if result.Failed() > 0 {
		status = "partial"
	}
	e.metrics.EmergencyActions.WithLabelValues(result.Action, status).Inc()
	e.logger.Warn("Emergency action finished",
		zap.String("action", result.Action),
		zap.Int("orders", len(result.Orders)),
		zap.Int("cancels", len(result.Cancels)),
		zap.Int("failed", result.Failed()),
		zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)))
}

func (e *EmergencyControl) stop(ctx context.Context, result *ActionResult) {
	if e.stopper == nil {
		return
	}
	if err := e.stopper.Stop(ctx); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		e.logger.Error("Stopping bot failed", zap.String("action", result.Action), zap.Error(err))
	}
}

// openNet returns symbol -> net quantity for symbols with exposure.
func (e *EmergencyControl) openNet(ctx context.Context) (map[string]float64, error) {
	positions, err := e.broker.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker positions: %w", err)
	}
	net := domain.NetQuantities(positions)
	for symbol, qty := range net {
		if math.Abs(qty) <= reconcileEpsilon {
			delete(net, symbol)
		}
	}
	return net, nil
}

func (e *EmergencyControl) reduce(ctx context.Context, symbol string, side domain.Side, qty float64) ItemResult {
	item := ItemResult{Symbol: symbol, Side: side, Quantity: qty}
	order, err := e.broker.PlaceReduceOnlyMarketOrder(ctx, symbol, side, qty)
	if err != nil {
		item.err = err
		e.logger.Error("Reduce-only order failed", zap.String("symbol", symbol), zap.Float64("qty", qty), zap.Error(err))
		return item
	}
	item.OrderID = order.ID
	e.logger.Info("Reduce-only order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.String("order_id", order.ID))
	return item
}

func (e *EmergencyControl) cancelAll(ctx context.Context) ([]ItemResult, error) {
	orders, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	bySymbol := make(map[string]float64)
	for _, o := range orders {
		bySymbol[o.Symbol]++
	}

	items := make([]ItemResult, 0, len(bySymbol))
	for _, symbol := range sortedKeys(bySymbol) {
		item := ItemResult{Symbol: symbol, Count: int(bySymbol[symbol])}
		if err := e.broker.CancelAllOrders(ctx, symbol); err != nil {
			item.err = err
			item.Error = err.Error()
			e.logger.Error("Cancel orders failed", zap.String("symbol", symbol), zap.Error(err))
		}
		items = append(items, item)
	}
	return items, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
