package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradeledger/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	trades    []model.Trade
	positions []model.Position
	options   map[int64]*model.OptionTrade
	platforms map[int64]model.Platform
	flows     []model.CashFlow
	meta      map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		options:   make(map[int64]*model.OptionTrade),
		platforms: make(map[int64]model.Platform),
		meta:      make(map[string]string),
	}
}

// id returns the next identifier. Callers must hold the write lock.
func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = s.id()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]model.Trade, len(s.trades))
	copy(trades, s.trades)
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := trades[i], trades[j]
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		if a.PlatformID != b.PlatformID {
			return a.PlatformID < b.PlatformID
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
	return trades, nil
}

// ReplacePositions swaps the positions of the given keys under a single
// write lock, so readers see either the old or the new set.
func (s *MemoryStore) ReplacePositions(_ context.Context, keys []model.PositionKey, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := make(map[model.PositionKey]bool, len(keys))
	for _, k := range keys {
		replaced[k] = true
	}
	for _, p := range positions {
		if !replaced[p.Key()] {
			return fmt.Errorf("position for %s outside replaced keys", p.Key())
		}
	}

	kept := s.positions[:0:0]
	for _, p := range s.positions {
		if !replaced[p.Key()] {
			kept = append(kept, p)
		}
	}
	for _, p := range positions {
		p.ID = s.id()
		kept = append(kept, p)
	}
	s.positions = kept
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, status model.PositionStatus) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if status == "" || p.Status == status {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertOptionTrade(_ context.Context, o *model.OptionTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.ID = s.id()
	if o.Status == "" {
		o.Status = model.OptionOpen
	}
	// Store a copy to avoid external mutation.
	copy := *o
	s.options[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOptionTrade(_ context.Context, id int64) (*model.OptionTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.options[id]
	if !ok {
		return nil, fmt.Errorf("option trade %d: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOptionTrades(_ context.Context, statuses ...model.OptionStatus) ([]model.OptionTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OptionTrade
	for _, o := range s.options {
		if matchesStatus(o.Status, statuses) {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) SettleOptionTrade(_ context.Context, id int64, c model.OptionClose, synthetic *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.options[id]
	if !ok {
		return fmt.Errorf("option trade %d: %w", id, ErrNotFound)
	}
	if o.Status.IsClosed() {
		return fmt.Errorf("option trade %d is %s: %w", id, o.Status, ErrAlreadySettled)
	}
	closeDate := c.CloseDate
	o.Status = c.Status
	o.CloseDate = &closeDate
	o.ClosePrice = decimal.NewNullDecimal(c.ClosePrice)
	o.CloseFee = decimal.NewNullDecimal(c.CloseFee)
	o.ProfitLoss = c.ProfitLoss
	o.Notes = c.Notes

	if synthetic != nil {
		synthetic.ID = s.id()
		s.trades = append(s.trades, *synthetic)
	}
	return nil
}

func (s *MemoryStore) InsertPlatform(_ context.Context, p *model.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.platforms {
		if existing.Name == p.Name {
			return fmt.Errorf("platform %s: %w", p.Name, ErrDuplicate)
		}
	}
	p.ID = s.id()
	s.platforms[p.ID] = *p
	return nil
}

func (s *MemoryStore) ListPlatforms(_ context.Context) ([]model.Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	platforms := make([]model.Platform, 0, len(s.platforms))
	for _, p := range s.platforms {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i].Name < platforms[j].Name })
	return platforms, nil
}

func (s *MemoryStore) InsertCashFlow(_ context.Context, f *model.CashFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.ID = s.id()
	s.flows = append(s.flows, *f)
	return nil
}

func (s *MemoryStore) ListCashFlows(_ context.Context) ([]model.CashFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]model.CashFlow, len(s.flows))
	copy(flows, s.flows)
	sort.SliceStable(flows, func(i, j int) bool { return flows[i].Date.Before(flows[j].Date) })
	return flows, nil
}

func (s *MemoryStore) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta[key] = value
	return nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.meta[key]
	if !ok {
		return "", fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func matchesStatus(s model.OptionStatus, statuses []model.OptionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
