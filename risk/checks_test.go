package risk

import (
	"testing"
	"time"

	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/limits"
	"github.com/rustyeddy/riskgate/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposal() TradeProposal {
	return TradeProposal{
		Symbol:           "EUR_USD",
		Side:             Buy,
		Entry:            1.1000,
		StopLoss:         1.0950,
		TakeProfit:       1.1100,
		RequestedRiskPct: 1,
		StrategyID:       "trend",
		Timestamp:        time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC),
	}
}

func healthyAccount() state.AccountRiskState {
	return state.AccountRiskState{
		Account:     "acct-1",
		Balance:     10000,
		PeakBalance: 10000,
	}
}

func enabledBudget() budget.StrategyRiskBudget {
	return budget.StrategyRiskBudget{
		Key:                  budget.Key{Strategy: "trend", Symbol: "EUR_USD"},
		MaxConsecutiveLosses: 5,
		Enabled:              true,
	}
}

func checkNames(d Decision) []string {
	var out []string
	for _, c := range d.Checks {
		out = append(out, c.Name)
	}
	return out
}

func TestValidate_Approves(t *testing.T) {
	t.Parallel()

	d := Validate(proposal(), healthyAccount(), enabledBudget(), limits.Default())
	require.True(t, d.Approved, d.Reason.String())
	assert.Equal(t, SeverityInfo, d.Severity)
	assert.Equal(t, CodeNone, d.Reason.Code)
	// 1% of 10000 over 0.005 is 20000 units, capped at one lot.
	assert.Equal(t, 1.0, d.PositionSize)
	assert.Equal(t, CheckNames(), checkNames(d))
	assert.False(t, d.TriggerShutdown)
	for _, c := range d.Checks {
		assert.True(t, c.Passed, c.Name)
	}
	assert.InDelta(t, 2.0, d.Metrics["risk_reward"], 1e-6)
}

func TestValidate_ShutdownShortCircuits(t *testing.T) {
	t.Parallel()

	acct := healthyAccount()
	acct.EmergencyShutdownActive = true
	// Everything else is broken too; only the first check may run.
	acct.DrawdownPct = 50
	acct.OpenPositions = 99
	b := enabledBudget()
	b.Enabled = false
	p := proposal()
	p.TakeProfit = p.Entry

	d := Validate(p, acct, b, limits.Default())
	assert.False(t, d.Approved)
	assert.Equal(t, SeverityEmergency, d.Severity)
	assert.Equal(t, CodeEmergencyShutdownActive, d.Reason.Code)
	require.Len(t, d.Checks, 1)
	assert.Equal(t, CheckEmergencyShutdown, d.Checks[0].Name)
	assert.False(t, d.TriggerShutdown)
}

func TestValidate_ScenarioA_NoDrawdownPasses(t *testing.T) {
	t.Parallel()

	acct := state.Recompute(state.Inputs{Balance: 10000, PeakBalance: 10000}, time.Time{})
	d := Validate(proposal(), acct, enabledBudget(), limits.Default())
	require.True(t, len(d.Checks) >= 2)
	assert.True(t, d.Checks[1].Passed)
	assert.Equal(t, 0.0, d.Checks[1].Value)
	assert.Equal(t, 15.0, d.Checks[1].Limit)
}

func TestValidate_ScenarioB_DrawdownTriggersShutdown(t *testing.T) {
	t.Parallel()

	acct := state.Recompute(state.Inputs{Balance: 8400, PeakBalance: 10000}, time.Time{})
	d := Validate(proposal(), acct, enabledBudget(), limits.Default())
	assert.False(t, d.Approved)
	assert.Equal(t, SeverityEmergency, d.Severity)
	assert.Equal(t, CodeEmergencyDrawdown, d.Reason.Code)
	assert.True(t, d.TriggerShutdown)
	assert.Equal(t, []string{CheckEmergencyShutdown, CheckEmergencyDrawdown}, checkNames(d))
	assert.InDelta(t, 16.0, d.Metrics["drawdown_pct"], 1e-9)
}

func TestValidate_ScenarioC_RiskRewardTooLow(t *testing.T) {
	t.Parallel()

	p := proposal()
	p.TakeProfit = 1.1020

	d := Validate(p, healthyAccount(), enabledBudget(), limits.Default())
	assert.False(t, d.Approved)
	assert.Equal(t, CodeRiskRewardTooLow, d.Reason.Code)
	assert.Equal(t, SeverityWarning, d.Severity)
	assert.Contains(t, d.Reason.Text, "0.40")
	assert.Contains(t, d.Reason.Text, "1.50")
	require.Len(t, d.Checks, 7)
	assert.Equal(t, CheckRiskReward, d.Checks[6].Name)
	assert.InDelta(t, 0.4, d.Checks[6].Value, 1e-9)
	_, sized := d.Metrics["position_size"]
	assert.True(t, sized, "position size check ran before")
	_, budgeted := d.Metrics["strategy_enabled"]
	assert.False(t, budgeted, "later checks never ran")
}

func TestValidate_ScenarioD_SizeClamped(t *testing.T) {
	t.Parallel()

	p := proposal()
	p.RequestedRiskPct = 5

	d := Validate(p, healthyAccount(), enabledBudget(), limits.Default())
	require.True(t, d.Approved, d.Reason.String())
	assert.InDelta(t, 200.0, d.Metrics["risk_amount"], 1e-9)
	assert.InDelta(t, 2.0, d.Metrics["risk_pct_applied"], 1e-12)
	assert.InDelta(t, 40000.0, d.Metrics["raw_size"], 1e-3)
	assert.Equal(t, 1.0, d.PositionSize)
}

func TestValidate_BoundariesAreInclusive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*state.AccountRiskState)
		code   Code
		sev    Severity
	}{
		{"drawdown at limit", func(a *state.AccountRiskState) { a.Balance, a.DrawdownPct = 8500, 15 }, CodeEmergencyDrawdown, SeverityEmergency},
		{"open positions at cap", func(a *state.AccountRiskState) { a.OpenPositions = 10 }, CodeMaxOpenPositions, SeverityCritical},
		{"trades today at cap", func(a *state.AccountRiskState) { a.TradesToday = 50 }, CodeMaxTradesPerDay, SeverityWarning},
		{"trades this hour at cap", func(a *state.AccountRiskState) { a.TradesThisHour = 10 }, CodeMaxTradesPerHour, SeverityWarning},
		{"daily loss at limit", func(a *state.AccountRiskState) { a.DailyPnL, a.DailyLossPct = -500, 5 }, CodeDailyLossLimit, SeverityCritical},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acct := healthyAccount()
			tt.mutate(&acct)
			d := Validate(proposal(), acct, enabledBudget(), limits.Default())
			assert.False(t, d.Approved)
			assert.Equal(t, tt.code, d.Reason.Code)
			assert.Equal(t, tt.sev, d.Severity)
			c, ok := d.FailingCheck()
			require.True(t, ok)
			assert.Equal(t, c.Value, c.Limit)
		})
	}
}

func TestValidate_JustBelowBoundariesPass(t *testing.T) {
	t.Parallel()

	acct := healthyAccount()
	acct.DrawdownPct = 14.99
	acct.OpenPositions = 9
	acct.TradesToday = 49
	acct.TradesThisHour = 9
	acct.DailyLossPct = 4.99

	d := Validate(proposal(), acct, enabledBudget(), limits.Default())
	assert.True(t, d.Approved, d.Reason.String())
}

func TestValidate_ComputedDrawdownBoundary(t *testing.T) {
	t.Parallel()

	acct := state.Recompute(state.Inputs{Balance: 8500, PeakBalance: 10000}, time.Time{})
	d := Validate(proposal(), acct, enabledBudget(), limits.Default())
	assert.Equal(t, CodeEmergencyDrawdown, d.Reason.Code)
}

func TestValidate_StrategyDisabled(t *testing.T) {
	t.Parallel()

	b := enabledBudget()
	b.Enabled = false
	b.DisabledReason = "5 consecutive losses reached limit 5"

	d := Validate(proposal(), healthyAccount(), b, limits.Default())
	assert.False(t, d.Approved)
	assert.Equal(t, CodeStrategyDisabled, d.Reason.Code)
	assert.Equal(t, SeverityWarning, d.Severity)
	assert.Contains(t, d.Reason.Text, "5 consecutive losses")
	assert.Len(t, d.Checks, 8)

	b = enabledBudget()
	b.ConsecutiveLosses = 5
	d = Validate(proposal(), healthyAccount(), b, limits.Default())
	assert.Equal(t, CodeStrategyDisabled, d.Reason.Code)
}

func TestValidate_PositionSizeInvalid(t *testing.T) {
	t.Parallel()

	p := proposal()
	p.StopLoss = p.Entry

	d := Validate(p, healthyAccount(), enabledBudget(), limits.Default())
	assert.False(t, d.Approved)
	assert.Equal(t, CodePositionSizeInvalid, d.Reason.Code)
	assert.Equal(t, SeverityCritical, d.Severity)
	assert.Len(t, d.Checks, 6)
}

func TestValidate_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	acct := healthyAccount()
	acct.Balance = 8000
	acct.DrawdownPct = 20
	before := acct

	d := Validate(proposal(), acct, enabledBudget(), limits.Default())
	assert.True(t, d.TriggerShutdown)
	assert.Equal(t, before, acct)
	assert.False(t, acct.EmergencyShutdownActive)
}

func TestPipeline_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	var ran []string
	step := func(name string, ok bool) Step[int] {
		return Step[int]{name, func(int) Outcome {
			ran = append(ran, name)
			obs := Observation{Value: 1, Metrics: map[string]float64{name: 1}}
			if ok {
				return Pass(obs)
			}
			return Fail(SeverityCritical, Reason{Code: "X", Text: name}, obs)
		}}
	}
	p := NewPipeline(step("a", true), step("b", false), step("c", true))

	tr := p.Run(0)
	assert.Equal(t, []string{"a", "b"}, ran)
	require.NotNil(t, tr.Failed)
	assert.Equal(t, "b", tr.Failed.Reason.Text)
	assert.Len(t, tr.Checks, 2)
	assert.Equal(t, map[string]float64{"a": 1, "b": 1}, tr.Metrics)
	assert.Equal(t, []string{"a", "b", "c"}, p.Names())
}

func TestSeverityOrder(t *testing.T) {
	t.Parallel()

	assert.True(t, SeverityEmergency.AtLeast(SeverityCritical))
	assert.True(t, SeverityCritical.AtLeast(SeverityWarning))
	assert.True(t, SeverityWarning.AtLeast(SeverityInfo))
	assert.False(t, SeverityInfo.AtLeast(SeverityWarning))

	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical, SeverityEmergency} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got Severity
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	_, err := ParseSeverity("loud")
	assert.Error(t, err)
}

func TestProposalCheck(t *testing.T) {
	t.Parallel()

	assert.NoError(t, proposal().Check())

	p := proposal()
	p.Symbol = ""
	p.Side = "HOLD"
	p.Entry = -1
	err := p.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol is required")
	assert.Contains(t, err.Error(), "side must be BUY or SELL")
	assert.Contains(t, err.Error(), "entry must be a positive price")
}

func TestProposalCheck_Sides(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		side              Side
		entry, stop, take float64
		want              string
	}{
		{"buy", Buy, 1.1000, 1.0950, 1.1100, ""},
		{"buy stop on entry", Buy, 1.1000, 1.1000, 1.1100, ""},
		{"buy target below entry", Buy, 1.1000, 1.0950, 1.0900, "take_profit 1.09 is below entry"},
		{"buy stop above entry", Buy, 1.1000, 1.1050, 1.1200, "stop_loss 1.105 is above entry"},
		{"sell", Sell, 1.1000, 1.1050, 1.0900, ""},
		{"sell target above entry", Sell, 1.1000, 1.1050, 1.1100, "take_profit 1.11 is above entry"},
		{"sell stop below entry", Sell, 1.1000, 1.0950, 1.0800, "stop_loss 1.095 is below entry"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := proposal()
			p.Side, p.Entry, p.StopLoss, p.TakeProfit = tt.side, tt.entry, tt.stop, tt.take
			err := p.Check()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_TargetOnLosingSideFailsRiskReward(t *testing.T) {
	t.Parallel()

	p := proposal()
	p.TakeProfit = 1.0900

	d := Validate(p, healthyAccount(), enabledBudget(), limits.Default())
	assert.False(t, d.Approved)
	assert.Equal(t, CodeRiskRewardTooLow, d.Reason.Code)
	assert.Len(t, d.Checks, 7)
}
