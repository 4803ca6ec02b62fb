package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound        = errors.New("account state not found")
	ErrVersionConflict = errors.New("account state version conflict")
)

// Store keeps exactly one AccountRiskState row per account.
type Store interface {
	// Load returns ErrNotFound for an account that was never written.
	Load(ctx context.Context, account string) (AccountRiskState, error)
	// CompareAndSwap overwrites the row if its current version equals
	// expected (0 for a new row) and returns the stored state with its new
	// version. A stale expected version yields ErrVersionConflict.
	CompareAndSwap(ctx context.Context, expected uint64, next AccountRiskState) (AccountRiskState, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]AccountRiskState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]AccountRiskState)}
}

func (m *MemoryStore) Load(ctx context.Context, account string) (AccountRiskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.rows[account]
	if !ok {
		return AccountRiskState{}, fmt.Errorf("load %q: %w", account, ErrNotFound)
	}
	return clone(st), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, expected uint64, next AccountRiskState) (AccountRiskState, error) {
	if next.Account == "" {
		return AccountRiskState{}, errors.New("compare and swap: account is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.rows[next.Account] // zero Version when absent
	if cur.Version != expected {
		return AccountRiskState{}, fmt.Errorf("write %q at version %d (stored %d): %w",
			next.Account, expected, cur.Version, ErrVersionConflict)
	}
	next = clone(next)
	next.Version = expected + 1
	m.rows[next.Account] = next
	return clone(next), nil
}

func clone(st AccountRiskState) AccountRiskState {
	if st.Reservations != nil {
		st.Reservations = append([]Reservation(nil), st.Reservations...)
	}
	return st
}
