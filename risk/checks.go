package risk

import (
	"fmt"
	"math"

	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/limits"
	"github.com/rustyeddy/riskgate/state"
)

// Check names, in pipeline order.
const (
	CheckEmergencyShutdown = "emergency_shutdown"
	CheckEmergencyDrawdown = "emergency_drawdown"
	CheckOpenPositions     = "max_open_positions"
	CheckTradesPerDay      = "max_trades_per_day"
	CheckTradesPerHour     = "max_trades_per_hour"
	CheckPositionSize      = "position_size"
	CheckRiskReward        = "risk_reward"
	CheckStrategyBudget    = "strategy_budget"
	CheckDailyLoss         = "daily_loss"
)

// Evaluation is the input of the check pipeline. Only the position size
// step writes to it, to hand the size to the final approval.
type Evaluation struct {
	Proposal TradeProposal
	Account  state.AccountRiskState
	Budget   budget.StrategyRiskBudget
	Limits   limits.HardLimits

	Sizing Sizing
}

var validator = NewPipeline(
	Step[*Evaluation]{CheckEmergencyShutdown, checkShutdown},
	Step[*Evaluation]{CheckEmergencyDrawdown, checkDrawdown},
	Step[*Evaluation]{CheckOpenPositions, checkOpenPositions},
	Step[*Evaluation]{CheckTradesPerDay, checkTradesPerDay},
	Step[*Evaluation]{CheckTradesPerHour, checkTradesPerHour},
	Step[*Evaluation]{CheckPositionSize, checkPositionSize},
	Step[*Evaluation]{CheckRiskReward, checkRiskReward},
	Step[*Evaluation]{CheckStrategyBudget, checkStrategyBudget},
	Step[*Evaluation]{CheckDailyLoss, checkDailyLoss},
)

// CheckNames lists the checks in the order Validate runs them.
func CheckNames() []string { return validator.Names() }

// Validate decides on p. Its only inputs are its arguments; it reads no
// clock, store or history. A rejection at the drawdown check sets
// TriggerShutdown instead of mutating acct.
func Validate(p TradeProposal, acct state.AccountRiskState, b budget.StrategyRiskBudget, l limits.HardLimits) Decision {
	ev := &Evaluation{Proposal: p, Account: acct, Budget: b, Limits: l}
	tr := validator.Run(ev)

	d := Decision{Metrics: tr.Metrics, Checks: tr.Checks}
	if f := tr.Failed; f != nil {
		d.Reason = f.Reason
		d.Severity = f.Severity
		d.TriggerShutdown = f.Reason.Code == CodeEmergencyDrawdown
		return d
	}
	d.Approved = true
	d.Severity = SeverityInfo
	d.PositionSize = ev.Sizing.Size
	return d
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func checkShutdown(ev *Evaluation) Outcome {
	obs := Observation{Value: boolf(ev.Account.EmergencyShutdownActive)}
	if ev.Account.EmergencyShutdownActive {
		return Fail(SeverityEmergency, Reason{CodeEmergencyShutdownActive,
			"emergency shutdown is active; approvals are halted until an operator clears it"}, obs)
	}
	return Pass(obs)
}

func checkDrawdown(ev *Evaluation) Outcome {
	a := ev.Account
	lim := ev.Limits.EmergencyDrawdownPct()
	obs := Observation{
		Value: a.DrawdownPct,
		Limit: lim,
		Metrics: map[string]float64{
			"balance":      a.Balance,
			"peak_balance": a.PeakBalance,
			"drawdown_pct": a.DrawdownPct,
		},
	}
	if a.DrawdownPct >= lim {
		return Fail(SeverityEmergency, Reason{CodeEmergencyDrawdown,
			fmt.Sprintf("drawdown %.2f%% >= emergency limit %.2f%%", a.DrawdownPct, lim)}, obs)
	}
	return Pass(obs)
}

func checkOpenPositions(ev *Evaluation) Outcome {
	n, lim := ev.Account.OpenPositions, ev.Limits.MaxOpenPositions()
	obs := Observation{
		Value: float64(n),
		Limit: float64(lim),
		Metrics: map[string]float64{
			"open_positions": float64(n),
			"total_exposure": ev.Account.TotalExposure,
			"exposure_pct":   ev.Account.ExposurePct,
		},
	}
	if n >= lim {
		return Fail(SeverityCritical, Reason{CodeMaxOpenPositions,
			fmt.Sprintf("open positions %d >= max %d", n, lim)}, obs)
	}
	return Pass(obs)
}

func checkTradesPerDay(ev *Evaluation) Outcome {
	n, lim := ev.Account.TradesToday, ev.Limits.MaxTradesPerDay()
	obs := Observation{Value: float64(n), Limit: float64(lim), Metrics: map[string]float64{"trades_today": float64(n)}}
	if n >= lim {
		return Fail(SeverityWarning, Reason{CodeMaxTradesPerDay,
			fmt.Sprintf("trades today %d >= max %d", n, lim)}, obs)
	}
	return Pass(obs)
}

func checkTradesPerHour(ev *Evaluation) Outcome {
	n, lim := ev.Account.TradesThisHour, ev.Limits.MaxTradesPerHour()
	obs := Observation{Value: float64(n), Limit: float64(lim), Metrics: map[string]float64{"trades_this_hour": float64(n)}}
	if n >= lim {
		return Fail(SeverityWarning, Reason{CodeMaxTradesPerHour,
			fmt.Sprintf("trades this hour %d >= max %d", n, lim)}, obs)
	}
	return Pass(obs)
}

func checkPositionSize(ev *Evaluation) Outcome {
	p, l := ev.Proposal, ev.Limits
	s := PositionSize(ev.Account.Balance, p.RequestedRiskPct, l.MaxRiskPerTradePct(), p.Entry, p.StopLoss, l.MaxPositionSizeLots())
	ev.Sizing = s

	obs := Observation{
		Value: s.Size,
		Limit: s.Cap,
		Metrics: map[string]float64{
			"risk_pct_requested": p.RequestedRiskPct,
			"risk_pct_applied":   s.RiskPctApplied,
			"risk_amount":        s.RiskAmount,
			"risk_per_unit":      s.RiskPerUnit,
			"raw_size":           s.RawSize,
			"position_size":      s.Size,
		},
	}
	if math.IsNaN(s.RawSize) || math.IsInf(s.RawSize, 0) {
		return Fail(SeverityCritical, Reason{CodePositionSizeInvalid,
			fmt.Sprintf("raw position size %v is not a finite number", s.RawSize)}, obs)
	}
	if s.Size <= 0 {
		return Fail(SeverityCritical, Reason{CodePositionSizeInvalid,
			fmt.Sprintf("position size %.2f is not tradable (risk amount %.2f, risk per unit %.5f)",
				s.Size, s.RiskAmount, s.RiskPerUnit)}, obs)
	}
	return Pass(obs)
}

func checkRiskReward(ev *Evaluation) Outcome {
	p := ev.Proposal
	rr := RR(p.Side, p.Entry, p.StopLoss, p.TakeProfit)
	lim := ev.Limits.MinRiskReward()
	obs := Observation{Value: rr, Limit: lim, Metrics: map[string]float64{"risk_reward": rr}}
	if rr < lim {
		return Fail(SeverityWarning, Reason{CodeRiskRewardTooLow,
			fmt.Sprintf("risk/reward %.2f < minimum %.2f", rr, lim)}, obs)
	}
	return Pass(obs)
}

func checkStrategyBudget(ev *Evaluation) Outcome {
	b := ev.Budget
	maxLosses := b.MaxConsecutiveLosses
	if maxLosses <= 0 {
		maxLosses = ev.Limits.MaxConsecutiveLosses()
	}
	obs := Observation{
		Value: float64(b.ConsecutiveLosses),
		Limit: float64(maxLosses),
		Metrics: map[string]float64{
			"strategy_enabled":            boolf(b.Enabled),
			"strategy_consecutive_losses": float64(b.ConsecutiveLosses),
			"strategy_exposure_pct":       b.CurrentExposurePct,
			"strategy_daily_pnl":          b.DailyPnL,
		},
	}
	key := ev.Proposal.StrategyID + "/" + ev.Proposal.Symbol
	if !b.Enabled {
		cause := b.DisabledReason
		if cause == "" {
			cause = "disabled"
		}
		return Fail(SeverityWarning, Reason{CodeStrategyDisabled,
			fmt.Sprintf("strategy %s disabled: %s", key, cause)}, obs)
	}
	if b.ConsecutiveLosses >= maxLosses {
		return Fail(SeverityWarning, Reason{CodeStrategyDisabled,
			fmt.Sprintf("strategy %s disabled: %d consecutive losses >= max %d", key, b.ConsecutiveLosses, maxLosses)}, obs)
	}
	return Pass(obs)
}

func checkDailyLoss(ev *Evaluation) Outcome {
	a := ev.Account
	lim := ev.Limits.MaxDailyLossPct()
	obs := Observation{
		Value: a.DailyLossPct,
		Limit: lim,
		Metrics: map[string]float64{
			"daily_pnl":      a.DailyPnL,
			"daily_loss_pct": a.DailyLossPct,
		},
	}
	if a.DailyLossPct >= lim {
		return Fail(SeverityCritical, Reason{CodeDailyLossLimit,
			fmt.Sprintf("daily loss %.2f%% >= max %.2f%%", a.DailyLossPct, lim)}, obs)
	}
	return Pass(obs)
}
