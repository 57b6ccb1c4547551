package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the side that reduces a position held on s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sign is +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// SideFromQuantity maps a signed net quantity to the side holding it.
func SideFromQuantity(qty float64) Side {
	if qty < 0 {
		return SideShort
	}
	return SideLong
}

type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Position is a ledger record: what the bot believes it holds.
// Several OPEN records may exist for one symbol (pyramiding).
type Position struct {
	ID           string
	Exchange     string
	Symbol       string
	Side         Side
	EntryPrice   float64
	CurrentPrice float64
	Quantity     float64
	Leverage     int
	StopLoss     float64
	TakeProfit   float64
	Status       PositionStatus
	Source       string // loop that opened it: primary, pyramiding, sniper, dca
	OpenedAt     time.Time
	ClosedAt     time.Time
	ExitPrice    float64
	RealizedPnL  float64
	CloseReason  string
}

// IsOpen reports whether the record still counts as exposure.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// MarkPrice is the best known price for the record, falling back to entry.
func (p *Position) MarkPrice() float64 {
	if p.CurrentPrice > 0 {
		return p.CurrentPrice
	}
	return p.EntryPrice
}

// PnLAt computes the pnl of the whole record if it were closed at price.
func (p *Position) PnLAt(price float64) float64 {
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(p.EntryPrice))
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(decimal.NewFromFloat(p.Quantity)).Float64()
	return pnl
}

// Close marks the record CLOSED at price and fills in the realized pnl.
func (p *Position) Close(price float64, at time.Time, reason string) {
	p.Status = StatusClosed
	p.ExitPrice = price
	p.ClosedAt = at
	p.CloseReason = reason
	p.RealizedPnL = p.PnLAt(price)
}

// BrokerPosition is the exchange's view of one symbol. SignedQuantity is
// positive for long exposure and negative for short.
type BrokerPosition struct {
	Exchange       string
	Symbol         string
	SignedQuantity float64
	EntryPrice     float64
	MarkPrice      float64
	UnrealizedPnL  float64
	Leverage       int
}

// Side of the broker exposure.
func (b BrokerPosition) Side() Side {
	return SideFromQuantity(b.SignedQuantity)
}

// NetQuantities folds broker positions into symbol -> signed net quantity.
// Hedge-mode accounts may report two legs per symbol; they are summed.
func NetQuantities(positions []BrokerPosition) map[string]float64 {
	net := make(map[string]float64, len(positions))
	for _, p := range positions {
		if p.Symbol == "" {
			continue
		}
		net[p.Symbol] += p.SignedQuantity
	}
	return net
}

// Order represents a resting or executed order on the exchange.
type Order struct {
	ID         string
	Exchange   string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	ReduceOnly bool
	Status     string
	CreatedAt  time.Time
}

// AccountSnapshot is the raw account state returned by the broker.
type AccountSnapshot struct {
	WalletBalance    float64
	AvailableBalance float64
	MarginUsed       float64
	UnrealizedPnL    float64
}
