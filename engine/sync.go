package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/state"
)

// Sync refreshes account and feeds its closed trades to OnTradeClosed,
// oldest first. Budgets remember the trade ids they applied, so a close
// reported by every poll, or again after a restart, counts once. It is
// what keeps strategy budgets current when the ledger is polled instead
// of pushing closes.
func (e *Engine) Sync(ctx context.Context, account string) (state.AccountRiskState, error) {
	st, snap, err := e.refresh(ctx, account)
	if err != nil {
		return state.AccountRiskState{}, err
	}

	closed := append([]ledger.ClosedTrade(nil), snap.Closed...)
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ClosedAt.Before(closed[j].ClosedAt) })

	var errs []error
	for _, t := range closed {
		if t.ID == "" {
			continue
		}
		if _, err := e.OnTradeClosed(ctx, account, t); err != nil {
			errs = append(errs, err)
		}
	}
	return st, errors.Join(errs...)
}
