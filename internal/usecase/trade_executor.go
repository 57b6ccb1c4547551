package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/futures_guard/internal/domain"
	"go.uber.org/zap"
)

// TradeExecutor opens positions for the entry loops: leverage, market
// order, then a ledger record. Callers hold the symbol lock.
type TradeExecutor struct {
	exchange domain.Broker
	ledger   domain.Ledger
	prices   *PriceBook
	logger   *zap.Logger
	timeNow  func() time.Time
}

var _ domain.EntryExecutor = (*TradeExecutor)(nil)

func NewTradeExecutor(exchange domain.Broker, ledger domain.Ledger, prices *PriceBook, logger *zap.Logger) *TradeExecutor {
	return &TradeExecutor{
		exchange: exchange,
		ledger:   ledger,
		prices:   prices,
		logger:   logger,
		timeNow:  time.Now,
	}
}

// Open executes sig. In dry-run no order is sent and the record is filled
// at the signal or book price.
func (e *TradeExecutor) Open(ctx context.Context, sig domain.Signal, source string, dryRun bool) (*domain.Position, error) {
	if sig.Symbol == "" || sig.Quantity <= 0 {
		return nil, fmt.Errorf("%w: signal %s qty=%v", domain.ErrInvalidInput, sig.Symbol, sig.Quantity)
	}
	if sig.Side != domain.SideLong && sig.Side != domain.SideShort {
		return nil, fmt.Errorf("%w: invalid side: %s", domain.ErrInvalidInput, sig.Side)
	}

	price := sig.Price
	if price <= 0 && e.prices != nil {
		price, _ = e.prices.Get(sig.Symbol)
	}

	orderID, venue := "dry-run", "paper"
	if !dryRun {
		if sig.Leverage > 0 {
			if err := e.exchange.ChangeLeverage(ctx, sig.Symbol, sig.Leverage); err != nil {
				return nil, fmt.Errorf("set leverage %s: %w", sig.Symbol, err)
			}
		}
		order, err := e.exchange.PlaceMarketOrder(ctx, sig.Symbol, sig.Side, sig.Quantity)
		if err != nil {
			return nil, fmt.Errorf("place order %s: %w", sig.Symbol, err)
		}
		orderID, venue = order.ID, order.Exchange
		if order.Price > 0 {
			price = order.Price
		}
	}

	pos := &domain.Position{
		ID:           uuid.NewString(),
		Exchange:     venue,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		EntryPrice:   price,
		CurrentPrice: price,
		Quantity:     sig.Quantity,
		Leverage:     sig.Leverage,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Status:       domain.StatusOpen,
		Source:       source,
		OpenedAt:     e.timeNow(),
	}

	if err := e.ledger.SavePosition(ctx, pos); err != nil {
		// the order is live without a ledger record
		e.logger.Error("Order filled but ledger save failed",
			zap.String("symbol", sig.Symbol),
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil, fmt.Errorf("save position %s: %w", sig.Symbol, err)
	}

	e.logger.Info("Position opened",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("qty", pos.Quantity),
		zap.Float64("price", pos.EntryPrice),
		zap.String("source", source),
		zap.String("reason", sig.Reason),
		zap.Bool("dry_run", dryRun),
		zap.String("order_id", orderID))
	return pos, nil
}
