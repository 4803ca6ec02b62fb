package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/riskgate/audit"
	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/risk"
	"github.com/rustyeddy/riskgate/shutdown"
	"github.com/rustyeddy/riskgate/state"
)

// OnPositionOpened is called by the execution collaborator once the order
// for an approved decision is filled. The reservation keeps counting until
// a ledger snapshot taken after at replaces it.
func (e *Engine) OnPositionOpened(ctx context.Context, account, decisionID string, at time.Time) error {
	mu := e.lock(account)
	mu.Lock()
	defer mu.Unlock()

	var res state.Reservation
	var found bool
	st, err := e.mutate(ctx, account, func(prev state.AccountRiskState, _ bool) state.AccountRiskState {
		prev.Reservations, found = state.MarkFilled(prev.Reservations, decisionID, at)
		for _, r := range prev.Reservations {
			if r.DecisionID == decisionID {
				res = r
			}
		}
		return prev
	})
	if err != nil {
		return fmt.Errorf("position opened %s: %w", decisionID, err)
	}
	if !found {
		return fmt.Errorf("%w %s on account %s", ErrUnknownDecision, decisionID, account)
	}
	if _, err := e.budgets.OpenExposure(ctx, budget.Key{Strategy: res.Strategy, Symbol: res.Symbol}, res.Notional, st.Balance); err != nil {
		return fmt.Errorf("position opened %s: %w", decisionID, err)
	}
	e.observeStrategies(ctx)
	return nil
}

// OnTradeClosed applies a closed trade to its strategy budget. A trade id
// already applied is ignored. When the close disables the strategy, the
// transition is audited here.
func (e *Engine) OnTradeClosed(ctx context.Context, account string, t ledger.ClosedTrade) (budget.StrategyRiskBudget, error) {
	var balance float64
	st, err := e.store.Load(ctx, account)
	switch {
	case err == nil:
		balance = st.Balance
	case !errors.Is(err, state.ErrNotFound):
		e.log.Warn().Err(err).Str("account", account).Msg("state unavailable; strategy exposure percent not updated")
	}

	k := budget.Key{Strategy: t.Strategy, Symbol: t.Symbol}
	b, tr, err := e.budgets.RecordClose(ctx, k, budget.Outcome{
		TradeID:  t.ID,
		PnL:      t.RealizedPnL,
		Notional: math.Abs(t.Size) * t.EntryPrice,
		Balance:  balance,
		ClosedAt: t.ClosedAt,
	})
	if err != nil {
		return budget.StrategyRiskBudget{}, fmt.Errorf("trade closed %s: %w", k, err)
	}
	e.observeStrategies(ctx)
	if !tr.Disabled {
		return b, nil
	}

	e.metrics.StrategyDisabled.WithLabelValues(k.Strategy, k.Symbol).Inc()
	e.log.Warn().Str("account", account).Str("strategy", k.Strategy).Str("symbol", k.Symbol).Str("reason", tr.Reason).Msg("strategy disabled")

	at := t.ClosedAt
	if at.IsZero() {
		at = e.now()
	}
	rec := audit.Action(e.ids.New(), audit.TypeStrategyDisabled, account, k.String(), shutdown.SystemActor, tr.Reason, risk.SeverityWarning, at)
	rec.Metrics = map[string]float64{
		"consecutive_losses":     float64(b.ConsecutiveLosses),
		"max_consecutive_losses": float64(b.MaxConsecutiveLosses),
		"daily_pnl":              b.DailyPnL,
	}
	if aerr := e.audit.Append(ctx, rec); aerr != nil {
		e.metrics.AuditFailures.Inc()
		return b, fmt.Errorf("%w: %v", ErrAuditUnavailable, aerr)
	}
	return b, nil
}

func (e *Engine) observeStrategies(ctx context.Context) {
	n, err := e.budgets.ActiveStrategies(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("strategy budgets unavailable; active strategies gauge not updated")
		return
	}
	e.metrics.ActiveStrategies.Set(float64(n))
}
