package usecase

import (
	"sync"
	"time"
)

// PriceBook keeps the last known price per symbol, fed by the ticker stream.
type PriceBook struct {
	mu         sync.RWMutex
	lastPrices map[string]float64
	updatedAt  map[string]time.Time
	maxAge     time.Duration
	timeNow    func() time.Time
}

// NewPriceBook returns a book whose prices expire after maxAge. Zero keeps
// prices forever.
func NewPriceBook(maxAge time.Duration) *PriceBook {
	return &PriceBook{
		lastPrices: make(map[string]float64),
		updatedAt:  make(map[string]time.Time),
		maxAge:     maxAge,
		timeNow:    time.Now,
	}
}

// Update matches the exchange OnPriceUpdate callback signature.
func (b *PriceBook) Update(symbol string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrices[symbol] = price
	b.updatedAt[symbol] = b.timeNow()
}

// Get returns the last price and whether it is known and fresh.
func (b *PriceBook) Get(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	price, ok := b.lastPrices[symbol]
	if !ok {
		return 0, false
	}
	if b.maxAge > 0 && b.timeNow().Sub(b.updatedAt[symbol]) > b.maxAge {
		return 0, false
	}
	return price, true
}

// Symbols lists every symbol that has ever been priced.
func (b *PriceBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.lastPrices))
	for s := range b.lastPrices {
		out = append(out, s)
	}
	return out
}
