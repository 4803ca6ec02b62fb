package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound        = errors.New("strategy budget not found")
	ErrVersionConflict = errors.New("strategy budget version conflict")
)

// Store keeps one StrategyRiskBudget row per key.
type Store interface {
	// Load returns ErrNotFound for a key that was never written.
	Load(ctx context.Context, k Key) (StrategyRiskBudget, error)
	// CompareAndSwap overwrites the row if its current version equals
	// expected (0 for a new row) and returns it with its new version.
	CompareAndSwap(ctx context.Context, expected uint64, next StrategyRiskBudget) (StrategyRiskBudget, error)
	// List returns every row in no particular order.
	List(ctx context.Context) ([]StrategyRiskBudget, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[Key]StrategyRiskBudget
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[Key]StrategyRiskBudget)}
}

func (m *MemoryStore) Load(ctx context.Context, k Key) (StrategyRiskBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.rows[k]
	if !ok {
		return StrategyRiskBudget{}, fmt.Errorf("load %s: %w", k, ErrNotFound)
	}
	return clone(b), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expected uint64, next StrategyRiskBudget) (StrategyRiskBudget, error) {
	if next.Key.Strategy == "" {
		return StrategyRiskBudget{}, errors.New("compare and swap: strategy is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.rows[next.Key]
	if cur.Version != expected {
		return StrategyRiskBudget{}, fmt.Errorf("write %s at version %d (stored %d): %w",
			next.Key, expected, cur.Version, ErrVersionConflict)
	}
	next = clone(next)
	next.Version = expected + 1
	m.rows[next.Key] = next
	return clone(next), nil
}

func (m *MemoryStore) List(ctx context.Context) ([]StrategyRiskBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StrategyRiskBudget, 0, len(m.rows))
	for _, b := range m.rows {
		out = append(out, clone(b))
	}
	return out, nil
}
