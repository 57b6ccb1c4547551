package usecase

import "sync"

// SymbolLocks serialises ledger writers per symbol. Loops touching
// different symbols never block each other.
type SymbolLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until symbol is free and returns the matching unlock.
func (l *SymbolLocks) Lock(symbol string) func() {
	l.mu.Lock()
	m, ok := l.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.locks[symbol] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
