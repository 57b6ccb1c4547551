package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/futures_guard/internal/domain"
)

// MemoryLedger is an in-memory domain.Ledger for dry runs and tests.
// Records are copied on the way in and out.
type MemoryLedger struct {
	mu   sync.RWMutex
	data map[string]*domain.Position
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		data: make(map[string]*domain.Position),
	}
}

func (s *MemoryLedger) SavePosition(_ context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" || p.Symbol == "" {
		return domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return fmt.Errorf("position %s: %w", p.ID, domain.ErrInvalidInput)
	}
	cp := *p
	s.data[p.ID] = &cp
	return nil
}

func (s *MemoryLedger) UpdatePosition(_ context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" {
		return domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; !exists {
		return fmt.Errorf("position %s: %w", p.ID, domain.ErrNotFound)
	}
	cp := *p
	s.data[p.ID] = &cp
	return nil
}

func (s *MemoryLedger) GetPosition(_ context.Context, id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// ListPositions returns matches ordered by OpenedAt, oldest first.
func (s *MemoryLedger) ListPositions(_ context.Context, filter domain.PositionFilter) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Position
	for _, p := range s.data {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryLedger) ClosePosition(_ context.Context, id string, exitPrice float64, closedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	if !p.IsOpen() {
		return nil
	}
	p.Close(exitPrice, closedAt, reason)
	return nil
}
