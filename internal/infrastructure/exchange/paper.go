package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/futures_guard/internal/domain"
)

// PaperBroker simulates a one-way linear futures account in memory. It is
// used for dry runs and as the broker fake in tests.
type PaperBroker struct {
	mu        sync.Mutex
	balance   float64
	marginPct float64
	positions map[string]*domain.BrokerPosition
	orders    map[string]domain.Order
	prices    map[string]float64
	leverage  map[string]int
	placed    []domain.Order
	cancelled []string
	failures  map[string]error
}

var _ domain.Broker = (*PaperBroker)(nil)

func NewPaperBroker(balance float64) *PaperBroker {
	return &PaperBroker{
		balance:   balance,
		positions: make(map[string]*domain.BrokerPosition),
		orders:    make(map[string]domain.Order),
		prices:    make(map[string]float64),
		leverage:  make(map[string]int),
		failures:  make(map[string]error),
	}
}

// SetPrice sets the mark price used for fills and unrealized pnl.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	if pos, ok := p.positions[symbol]; ok {
		pos.MarkPrice = price
	}
}

// SetPosition overwrites the net position for symbol. Zero removes it.
func (p *PaperBroker) SetPosition(symbol string, signedQty, entryPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if signedQty == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &domain.BrokerPosition{
		Exchange:       "paper",
		Symbol:         symbol,
		SignedQuantity: signedQty,
		EntryPrice:     entryPrice,
		MarkPrice:      p.priceLocked(symbol, entryPrice),
		Leverage:       1,
	}
}

// SetMarginUsedPct forces the reported margin usage as a percent of balance.
func (p *PaperBroker) SetMarginUsedPct(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marginPct = pct
}

// SetBalance overwrites the wallet balance.
func (p *PaperBroker) SetBalance(balance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = balance
}

// AddOpenOrder registers a resting order.
func (p *PaperBroker) AddOpenOrder(symbol string, side domain.Side, qty, price float64) domain.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := domain.Order{
		ID:        uuid.NewString(),
		Exchange:  "paper",
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Status:    "New",
		CreatedAt: time.Now(),
	}
	p.orders[o.ID] = o
	return o
}

// FailOn makes the named method return err. Method names match the Broker
// interface; the key "Method:SYMBOL" restricts the failure to one symbol.
func (p *PaperBroker) FailOn(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, key)
		return
	}
	p.failures[key] = err
}

// PlacedOrders returns every order accepted so far.
func (p *PaperBroker) PlacedOrders() []domain.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Order, len(p.placed))
	copy(out, p.placed)
	return out
}

// CancelledSymbols returns the symbols passed to CancelAllOrders.
func (p *PaperBroker) CancelledSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.cancelled))
	copy(out, p.cancelled)
	return out
}

func (p *PaperBroker) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failureLocked("GetAccountSnapshot", ""); err != nil {
		return nil, err
	}

	var upnl float64
	for _, pos := range p.positions {
		upnl += (pos.MarkPrice - pos.EntryPrice) * pos.SignedQuantity
	}
	margin := p.balance * p.marginPct / 100
	return &domain.AccountSnapshot{
		WalletBalance:    p.balance,
		AvailableBalance: p.balance - margin,
		MarginUsed:       margin,
		UnrealizedPnL:    upnl,
	}, nil
}

func (p *PaperBroker) GetOpenPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failureLocked("GetOpenPositions", ""); err != nil {
		return nil, err
	}

	out := make([]domain.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		cp.UnrealizedPnL = (cp.MarkPrice - cp.EntryPrice) * cp.SignedQuantity
		out = append(out, cp)
	}
	return out, nil
}

func (p *PaperBroker) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failureLocked("GetOpenOrders", ""); err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	return out, nil
}

func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	return p.fill(symbol, side, quantity, false)
}

func (p *PaperBroker) PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	return p.fill(symbol, side, quantity, true)
}

func (p *PaperBroker) fill(symbol string, side domain.Side, quantity float64, reduceOnly bool) (*domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	method := "PlaceMarketOrder"
	if reduceOnly {
		method = "PlaceReduceOnlyMarketOrder"
	}
	if err := p.failureLocked(method, symbol); err != nil {
		return nil, err
	}
	if symbol == "" || quantity <= 0 {
		return nil, fmt.Errorf("order %s qty=%v: %w", symbol, quantity, domain.ErrInvalidInput)
	}

	pos := p.positions[symbol]
	current := 0.0
	if pos != nil {
		current = pos.SignedQuantity
	}

	delta := decimal.NewFromFloat(quantity)
	if side == domain.SideShort {
		delta = delta.Neg()
	}

	if reduceOnly {
		// reduce-only may shrink toward zero but never flip or grow
		if current == 0 || domain.SideFromQuantity(current) == side {
			return nil, fmt.Errorf("reduce-only %s %s against %v: %w", side, symbol, current, domain.ErrInvalidInput)
		}
		if delta.Abs().GreaterThan(decimal.NewFromFloat(current).Abs()) {
			delta = decimal.NewFromFloat(-current)
		}
	}

	price := p.priceLocked(symbol, 0)
	next, _ := decimal.NewFromFloat(current).Add(delta).Float64()

	switch {
	case next == 0:
		if pos != nil {
			p.balance += (price - pos.EntryPrice) * current
		}
		delete(p.positions, symbol)
	case pos == nil:
		p.positions[symbol] = &domain.BrokerPosition{
			Exchange:       "paper",
			Symbol:         symbol,
			SignedQuantity: next,
			EntryPrice:     price,
			MarkPrice:      price,
			Leverage:       p.leverageLocked(symbol),
		}
	default:
		if domain.SideFromQuantity(current) == side && price > 0 {
			// weighted average entry when adding to the position
			notional := decimal.NewFromFloat(pos.EntryPrice).Mul(decimal.NewFromFloat(current).Abs()).
				Add(decimal.NewFromFloat(price).Mul(delta.Abs()))
			pos.EntryPrice, _ = notional.Div(decimal.NewFromFloat(next).Abs()).Float64()
		}
		pos.SignedQuantity = next
	}

	filled, _ := delta.Abs().Float64()
	o := domain.Order{
		ID:         uuid.NewString(),
		Exchange:   "paper",
		Symbol:     symbol,
		Side:       side,
		Quantity:   filled,
		Price:      price,
		ReduceOnly: reduceOnly,
		Status:     "Filled",
		CreatedAt:  time.Now(),
	}
	p.placed = append(p.placed, o)
	return &o, nil
}

func (p *PaperBroker) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failureLocked("CancelAllOrders", symbol); err != nil {
		return err
	}

	for id, o := range p.orders {
		if o.Symbol == symbol {
			delete(p.orders, id)
		}
	}
	p.cancelled = append(p.cancelled, symbol)
	return nil
}

func (p *PaperBroker) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failureLocked("ChangeLeverage", symbol); err != nil {
		return err
	}
	if leverage <= 0 {
		return fmt.Errorf("leverage %d: %w", leverage, domain.ErrInvalidInput)
	}
	p.leverage[symbol] = leverage
	if pos, ok := p.positions[symbol]; ok {
		pos.Leverage = leverage
	}
	return nil
}

func (p *PaperBroker) failureLocked(method, symbol string) error {
	if symbol != "" {
		if err, ok := p.failures[method+":"+symbol]; ok {
			return err
		}
	}
	return p.failures[method]
}

func (p *PaperBroker) priceLocked(symbol string, fallback float64) float64 {
	if price, ok := p.prices[symbol]; ok {
		return price
	}
	return fallback
}

func (p *PaperBroker) leverageLocked(symbol string) int {
	if lev, ok := p.leverage[symbol]; ok {
		return lev
	}
	return 1
}
