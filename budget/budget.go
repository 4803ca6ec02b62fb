// Package budget tracks per (strategy, symbol) exposure, loss and losing
// streaks, and disables a strategy once its streak reaches the limit.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var ErrActorRequired = errors.New("administrative action requires an actor")

// appliedRetention bounds how long a closed trade id is remembered on its
// budget. The ledger reports at least the current UTC day of closes.
const appliedRetention = 48 * time.Hour

// maxRetries is the number of store compare-and-swap attempts per update.
const maxRetries = 5

// Key identifies a budget.
type Key struct {
	Strategy string `json:"strategy"`
	Symbol   string `json:"symbol"`
}

func (k Key) String() string { return k.Strategy + "/" + k.Symbol }

// StrategyRiskBudget is the budget row for one key.
type StrategyRiskBudget struct {
	Key                  Key       `json:"key"`
	MaxExposurePct       float64   `json:"max_exposure_pct"`
	MaxDailyLossPct      float64   `json:"max_daily_loss_pct"`
	CurrentExposure      float64   `json:"current_exposure"`
	CurrentExposurePct   float64   `json:"current_exposure_pct"`
	DailyPnL             float64   `json:"daily_pnl"`
	TotalTrades          int       `json:"total_trades"`
	WinningTrades        int       `json:"winning_trades"`
	LosingTrades         int       `json:"losing_trades"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	MaxConsecutiveLosses int       `json:"max_consecutive_losses"`
	Enabled              bool      `json:"enabled"`
	DisabledReason       string    `json:"disabled_reason,omitempty"`
	PnLDay               time.Time `json:"pnl_day"`
	UpdatedAt            time.Time `json:"updated_at"`

	// Applied holds the closed trades already counted, by trade id.
	Applied map[string]time.Time `json:"applied_closes,omitempty"`
	// Version increments on every successful store write.
	Version uint64 `json:"version"`
}

// Defaults seed lazily created budgets.
type Defaults struct {
	MaxExposurePct       float64
	MaxDailyLossPct      float64
	MaxConsecutiveLosses int
}

// Outcome describes one closed trade. A trade with an id is applied once
// however often it is reported.
type Outcome struct {
	TradeID  string
	PnL      float64
	Notional float64 // exposure released by the close
	Balance  float64 // account balance after the close, for exposure %
	ClosedAt time.Time
}

// Transition reports a change of the enabled flag caused by an update.
type Transition struct {
	Disabled bool
	Enabled  bool
	Reason   string
}

// Changed reports whether the update flipped the enabled flag.
func (t Transition) Changed() bool { return t.Disabled || t.Enabled }

// Manager owns every budget. Rows live in a Store so a restart or a second
// process sees the same enabled flags and streaks. Updates on one key are
// serialized in process and compare-and-swapped in the store.
type Manager struct {
	defaults Defaults
	store    Store
	locks    sync.Map // Key -> *sync.Mutex
	now      func() time.Time
}

// NewManager keeps budgets in st, or in memory when st is nil.
func NewManager(d Defaults, st Store) *Manager {
	if st == nil {
		st = NewMemoryStore()
	}
	return &Manager{defaults: d, store: st, now: time.Now}
}

func (m *Manager) lock(k Key) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(k, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) seed(k Key) StrategyRiskBudget {
	return StrategyRiskBudget{
		Key:                  k,
		MaxExposurePct:       m.defaults.MaxExposurePct,
		MaxDailyLossPct:      m.defaults.MaxDailyLossPct,
		MaxConsecutiveLosses: m.defaults.MaxConsecutiveLosses,
		Enabled:              true,
	}
}

func (m *Manager) load(ctx context.Context, k Key) (StrategyRiskBudget, error) {
	b, err := m.store.Load(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return m.seed(k), nil
	}
	if err != nil {
		return StrategyRiskBudget{}, err
	}
	return b, nil
}

// update is the read-modify-write of one row. fn returns false to leave
// the row untouched.
func (m *Manager) update(ctx context.Context, k Key, fn func(b *StrategyRiskBudget) bool) (StrategyRiskBudget, error) {
	mu := m.lock(k)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxRetries; attempt++ {
		cur, err := m.load(ctx, k)
		if err != nil {
			return StrategyRiskBudget{}, err
		}
		next := clone(cur)
		if !fn(&next) {
			return cur, nil
		}
		stored, err := m.store.CompareAndSwap(ctx, cur.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return StrategyRiskBudget{}, err
		}
		return stored, nil
	}
	return StrategyRiskBudget{}, fmt.Errorf("budget %s: %d attempts: %w", k, maxRetries, ErrVersionConflict)
}

// Get returns the budget for k. A key never written reads as a fresh,
// enabled budget.
func (m *Manager) Get(ctx context.Context, k Key) (StrategyRiskBudget, error) {
	return m.load(ctx, k)
}

// RecordClose applies a closed trade to the budget for k. A trade id
// already applied changes nothing.
func (m *Manager) RecordClose(ctx context.Context, k Key, o Outcome) (StrategyRiskBudget, Transition, error) {
	at := o.ClosedAt
	if at.IsZero() {
		at = m.now()
	}
	var tr Transition
	b, err := m.update(ctx, k, func(b *StrategyRiskBudget) bool {
		if o.TradeID != "" {
			if _, seen := b.Applied[o.TradeID]; seen {
				return false
			}
		}
		*b, tr = applyClose(*b, o, at)
		if o.TradeID != "" {
			if b.Applied == nil {
				b.Applied = map[string]time.Time{}
			}
			b.Applied[o.TradeID] = at
		}
		forget(b.Applied, at.Add(-appliedRetention))
		return true
	})
	if err != nil {
		return StrategyRiskBudget{}, Transition{}, err
	}
	return b, tr, nil
}

// applyClose is the pure budget transition for one closed trade.
func applyClose(b StrategyRiskBudget, o Outcome, at time.Time) (StrategyRiskBudget, Transition) {
	day := at.UTC().Truncate(24 * time.Hour)
	if !b.PnLDay.Equal(day) {
		b.PnLDay = day
		b.DailyPnL = 0
	}

	b.TotalTrades++
	b.DailyPnL += o.PnL
	switch {
	case o.PnL > 0:
		b.WinningTrades++
		b.ConsecutiveLosses = 0
	case o.PnL < 0:
		b.LosingTrades++
		b.ConsecutiveLosses++
	}

	b.CurrentExposure = math.Max(0, b.CurrentExposure-math.Abs(o.Notional))
	b.CurrentExposurePct = exposurePct(b.CurrentExposure, o.Balance)
	b.UpdatedAt = at

	var tr Transition
	if b.Enabled && b.MaxConsecutiveLosses > 0 && b.ConsecutiveLosses >= b.MaxConsecutiveLosses {
		b.Enabled = false
		b.DisabledReason = fmt.Sprintf("%d consecutive losses reached limit %d", b.ConsecutiveLosses, b.MaxConsecutiveLosses)
		tr = Transition{Disabled: true, Reason: b.DisabledReason}
	}
	return b, tr
}

// OpenExposure adds notional to the budget's current exposure.
func (m *Manager) OpenExposure(ctx context.Context, k Key, notional, balance float64) (StrategyRiskBudget, error) {
	return m.update(ctx, k, func(b *StrategyRiskBudget) bool {
		b.CurrentExposure += math.Abs(notional)
		b.CurrentExposurePct = exposurePct(b.CurrentExposure, balance)
		b.UpdatedAt = m.now()
		return true
	})
}

// Enable re-enables a disabled budget and clears its losing streak. Only
// an operator may do this.
func (m *Manager) Enable(ctx context.Context, k Key, actor string) (StrategyRiskBudget, Transition, error) {
	if actor == "" {
		return StrategyRiskBudget{}, Transition{}, ErrActorRequired
	}
	var tr Transition
	b, err := m.update(ctx, k, func(b *StrategyRiskBudget) bool {
		if b.Enabled {
			return false
		}
		b.Enabled = true
		b.ConsecutiveLosses = 0
		b.DisabledReason = ""
		b.UpdatedAt = m.now()
		tr = Transition{Enabled: true, Reason: "re-enabled by " + actor}
		return true
	})
	if err != nil {
		return StrategyRiskBudget{}, Transition{}, err
	}
	return b, tr, nil
}

// Snapshot returns every stored budget sorted by key.
func (m *Manager) Snapshot(ctx context.Context) ([]StrategyRiskBudget, error) {
	out, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Strategy != out[j].Key.Strategy {
			return out[i].Key.Strategy < out[j].Key.Strategy
		}
		return out[i].Key.Symbol < out[j].Key.Symbol
	})
	return out, nil
}

// ActiveStrategies counts distinct enabled strategies holding exposure.
func (m *Manager) ActiveStrategies(ctx context.Context) (int, error) {
	all, err := m.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	seen := map[string]struct{}{}
	for _, b := range all {
		if b.Enabled && b.CurrentExposure > 0 {
			seen[b.Key.Strategy] = struct{}{}
		}
	}
	return len(seen), nil
}

func exposurePct(exposure, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	return exposure * 100 / balance
}

func forget(applied map[string]time.Time, before time.Time) {
	for id, at := range applied {
		if at.Before(before) {
			delete(applied, id)
		}
	}
}

func clone(b StrategyRiskBudget) StrategyRiskBudget {
	if b.Applied != nil {
		applied := make(map[string]time.Time, len(b.Applied))
		for id, at := range b.Applied {
			applied[id] = at
		}
		b.Applied = applied
	}
	return b
}
