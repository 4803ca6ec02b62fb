package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rustyeddy/riskgate/audit"
	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/risk"
	"github.com/rustyeddy/riskgate/shutdown"
	"github.com/rustyeddy/riskgate/state"
)

// TriggerShutdown latches emergency shutdown for account on behalf of an
// operator. Triggering a latched account changes nothing and writes no
// record.
func (e *Engine) TriggerShutdown(ctx context.Context, account, actor, reason string) (shutdown.Status, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return shutdown.Status{}, ErrActorRequired
	}
	mu := e.lock(account)
	mu.Lock()
	defer mu.Unlock()

	e.latched(ctx, account)
	ev, changed, err := e.latch.Trigger(account, shutdown.CauseManual, actor, reason)
	if err != nil {
		return shutdown.Status{}, err
	}
	if !changed {
		return e.latch.Status(account), nil
	}

	st, err := e.mutate(ctx, account, func(prev state.AccountRiskState, _ bool) state.AccountRiskState {
		prev.EmergencyShutdownActive = true
		prev.LastUpdated = e.now()
		return prev
	})
	if err != nil {
		// The latch stays set; the flag is written again on the next
		// validate for this account.
		e.log.Error().Err(err).Str("account", account).Msg("persist manual shutdown failed")
	} else {
		e.metrics.ObserveAccount(account, st.DrawdownPct, st.OpenPositions, true)
	}

	rec := audit.Action(e.ids.New(), audit.TypeShutdownTriggered, account, account, actor,
		reasonOr(reason, "manual emergency shutdown"), risk.SeverityEmergency, ev.At)
	if aerr := e.audit.Append(ctx, rec); aerr != nil {
		e.metrics.AuditFailures.Inc()
		return e.latch.Status(account), fmt.Errorf("%w: %v", ErrAuditUnavailable, aerr)
	}
	e.log.Error().Str("account", account).Str("actor", actor).Str("reason", reason).Msg("emergency shutdown triggered by operator")
	return e.latch.Status(account), err
}

// ClearShutdown returns account to NORMAL. It is the only way out of
// SHUTDOWN; a recovered drawdown never clears it. The clear bumps the
// row's shutdown epoch, which releases the latch of every other engine
// sharing the store on its next read.
func (e *Engine) ClearShutdown(ctx context.Context, account, actor, reason string) (shutdown.Status, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return shutdown.Status{}, ErrActorRequired
	}
	mu := e.lock(account)
	mu.Lock()
	defer mu.Unlock()

	e.latched(ctx, account)

	// Write the row first: if that fails the account stays latched.
	st, err := e.mutate(ctx, account, func(prev state.AccountRiskState, _ bool) state.AccountRiskState {
		prev.EmergencyShutdownActive = false
		prev.ShutdownEpoch++
		prev.LastUpdated = e.now()
		return prev
	})
	if err != nil {
		return e.latch.Status(account), fmt.Errorf("clear shutdown %s: %w", account, err)
	}

	ev, changed, err := e.latch.Clear(account, actor, reason)
	if err != nil {
		return shutdown.Status{}, err
	}
	e.latch.Restore(account, false, st.ShutdownEpoch)
	e.metrics.ObserveAccount(account, st.DrawdownPct, st.OpenPositions, false)
	if !changed {
		return e.latch.Status(account), nil
	}

	rec := audit.Action(e.ids.New(), audit.TypeShutdownCleared, account, account, actor,
		reasonOr(reason, "manual clear"), risk.SeverityWarning, ev.At)
	if aerr := e.audit.Append(ctx, rec); aerr != nil {
		e.metrics.AuditFailures.Inc()
		return e.latch.Status(account), fmt.Errorf("%w: %v", ErrAuditUnavailable, aerr)
	}
	e.log.Warn().Str("account", account).Str("actor", actor).Str("reason", reason).Msg("emergency shutdown cleared")
	return e.latch.Status(account), nil
}

// EnableStrategy re-enables a strategy budget disabled by its losing
// streak.
func (e *Engine) EnableStrategy(ctx context.Context, strategy, symbol, actor string) (budget.StrategyRiskBudget, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return budget.StrategyRiskBudget{}, ErrActorRequired
	}
	k := budget.Key{Strategy: strategy, Symbol: symbol}
	b, tr, err := e.budgets.Enable(ctx, k, actor)
	if err != nil {
		return budget.StrategyRiskBudget{}, err
	}
	if !tr.Enabled {
		return b, nil
	}
	rec := audit.Action(e.ids.New(), audit.TypeStrategyEnabled, "", k.String(), actor, tr.Reason, risk.SeverityInfo, e.now())
	if aerr := e.audit.Append(ctx, rec); aerr != nil {
		e.metrics.AuditFailures.Inc()
		return b, fmt.Errorf("%w: %v", ErrAuditUnavailable, aerr)
	}
	e.log.Info().Str("strategy", strategy).Str("symbol", symbol).Str("actor", actor).Msg("strategy re-enabled")
	return b, nil
}

// ResetPeak lowers the stored peak balance to the current balance. It is
// the only operation that may decrease the peak. It does not clear an
// active shutdown.
func (e *Engine) ResetPeak(ctx context.Context, account, actor string) (state.AccountRiskState, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return state.AccountRiskState{}, ErrActorRequired
	}
	mu := e.lock(account)
	mu.Lock()
	defer mu.Unlock()

	var old float64
	st, err := e.mutate(ctx, account, func(prev state.AccountRiskState, _ bool) state.AccountRiskState {
		old = prev.PeakBalance
		prev.PeakBalance = prev.Balance
		prev.DrawdownPct = 0
		prev.LastUpdated = e.now()
		return prev
	})
	if err != nil {
		return state.AccountRiskState{}, fmt.Errorf("reset peak %s: %w", account, err)
	}

	rec := audit.Action(e.ids.New(), audit.TypePeakReset, account, account, actor,
		fmt.Sprintf("peak balance reset from %.2f to %.2f", old, st.PeakBalance), risk.SeverityWarning, e.now())
	rec.Metrics = map[string]float64{"previous_peak": old, "peak_balance": st.PeakBalance}
	if aerr := e.audit.Append(ctx, rec); aerr != nil {
		e.metrics.AuditFailures.Inc()
		return st, fmt.Errorf("%w: %v", ErrAuditUnavailable, aerr)
	}
	e.log.Warn().Str("account", account).Str("actor", actor).Float64("previous_peak", old).Msg("peak balance reset")
	return st, nil
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}
