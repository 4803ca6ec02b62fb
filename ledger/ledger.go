// Package ledger is the engine's view of the position/ledger collaborator:
// account balance, open positions and recent trade history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDataUnavailable is returned (wrapped) whenever a snapshot cannot be
// produced in time. Callers must treat it as a reason to reject.
var ErrDataUnavailable = errors.New("ledger data unavailable")

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Position is an open position as reported by the ledger.
type Position struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price,omitempty"` // 0 when unknown
	OpenedAt   time.Time `json:"opened_at"`
}

// Notional is |size| * entry price.
func (p Position) Notional() float64 {
	return math.Abs(p.Size) * p.EntryPrice
}

// MarkedNotional is |size| * mark price, falling back to entry price when
// no mark is available.
func (p Position) MarkedNotional() float64 {
	if p.MarkPrice > 0 {
		return math.Abs(p.Size) * p.MarkPrice
	}
	return p.Notional()
}

// ClosedTrade is a position that has been closed.
type ClosedTrade struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Strategy    string    `json:"strategy"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Snapshot is a point-in-time view of one account.
type Snapshot struct {
	Account     string        `json:"account"`
	Balance     float64       `json:"balance"`
	PeakBalance float64       `json:"peak_balance,omitempty"` // ledger's own high-water mark, 0 if unknown
	Positions   []Position    `json:"positions"`
	Closed      []ClosedTrade `json:"closed"` // at least the current UTC day
	TakenAt     time.Time     `json:"taken_at"`
}

// Validate rejects snapshots the engine cannot reason about.
func (s Snapshot) Validate() error {
	if s.Account == "" {
		return errors.New("snapshot: account is required")
	}
	if math.IsNaN(s.Balance) || math.IsInf(s.Balance, 0) {
		return fmt.Errorf("snapshot %s: balance is not finite", s.Account)
	}
	if s.TakenAt.IsZero() {
		return fmt.Errorf("snapshot %s: taken_at is required", s.Account)
	}
	for _, p := range s.Positions {
		if p.EntryPrice <= 0 {
			return fmt.Errorf("snapshot %s: position %q has no entry price", s.Account, p.ID)
		}
	}
	return nil
}

// Provider supplies snapshots. Implementations must return promptly;
// the engine never waits on a slow ledger.
type Provider interface {
	Snapshot(ctx context.Context, account string) (Snapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, account string) (Snapshot, error)

func (f ProviderFunc) Snapshot(ctx context.Context, account string) (Snapshot, error) {
	return f(ctx, account)
}
