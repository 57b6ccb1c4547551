package domain

import (
	"context"
	"time"
)

// Broker is the exchange surface the safety core needs. Quantities are
// always positive; the side carries direction.
type Broker interface {
	GetAccountSnapshot(ctx context.Context) (*AccountSnapshot, error)
	GetOpenPositions(ctx context.Context) ([]BrokerPosition, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)

	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error)
	PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
}

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	Status PositionStatus
	Symbol string
}

// Ledger stores position records. UpdatePosition and ClosePosition must be
// safe to call concurrently for different records.
type Ledger interface {
	SavePosition(ctx context.Context, pos *Position) error
	UpdatePosition(ctx context.Context, pos *Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]*Position, error)
	ClosePosition(ctx context.Context, id string, exitPrice float64, closedAt time.Time, reason string) error
}

// Signal is a request to open (or add to) a position.
type Signal struct {
	Symbol     string
	Side       Side
	Quantity   float64
	Leverage   int
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Reason     string
}

// SignalSource produces entry signals for one trading loop. The open
// ledger records are passed so pyramiding and DCA sources can add to them.
type SignalSource interface {
	Signals(ctx context.Context, open []*Position) ([]Signal, error)
}

// EntryExecutor turns a signal into an order and a ledger record.
type EntryExecutor interface {
	Open(ctx context.Context, sig Signal, source string, dryRun bool) (*Position, error)
}
