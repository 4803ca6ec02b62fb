// Package limits holds the hard risk ceilings of the engine.
//
// A HardLimits value is built once at process start from Values and can
// only be read afterwards: its fields are unexported and no method mutates
// it. Changing a limit requires a new process.
package limits

import (
	"fmt"
	"math"
)

// Values is the plain, serializable form of the hard limits as it appears
// in the configuration file. Percentages are expressed in percent (2.0 is
// 2%), not as fractions.
type Values struct {
	MaxRiskPerTradePct     float64 `json:"max_risk_per_trade_pct" yaml:"max_risk_per_trade_pct"`
	MaxPositionSizeLots    float64 `json:"max_position_size_lots" yaml:"max_position_size_lots"`
	MaxOpenPositions       int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxDailyLossPct        float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	EmergencyDrawdownPct   float64 `json:"emergency_drawdown_pct" yaml:"emergency_drawdown_pct"`
	MaxLeverage            float64 `json:"max_leverage" yaml:"max_leverage"`
	MaxTradesPerDay        int     `json:"max_trades_per_day" yaml:"max_trades_per_day"`
	MaxTradesPerHour       int     `json:"max_trades_per_hour" yaml:"max_trades_per_hour"`
	MaxActiveStrategies    int     `json:"max_active_strategies" yaml:"max_active_strategies"`
	MaxRiskPerStrategyPct  float64 `json:"max_risk_per_strategy_pct" yaml:"max_risk_per_strategy_pct"`
	MaxCorrelatedPositions int     `json:"max_correlated_positions" yaml:"max_correlated_positions"`
	CorrelationThreshold   float64 `json:"correlation_threshold" yaml:"correlation_threshold"`
	MinRiskReward          float64 `json:"min_risk_reward" yaml:"min_risk_reward"`
	MinAccountBalance      float64 `json:"min_account_balance" yaml:"min_account_balance"`
	MaxConsecutiveLosses   int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
}

// DefaultValues returns the stock limits.
func DefaultValues() Values {
	return Values{
		MaxRiskPerTradePct:     2.0,
		MaxPositionSizeLots:    1.0,
		MaxOpenPositions:       10,
		MaxDailyLossPct:        5.0,
		EmergencyDrawdownPct:   15.0,
		MaxLeverage:            10,
		MaxTradesPerDay:        50,
		MaxTradesPerHour:       10,
		MaxActiveStrategies:    5,
		MaxRiskPerStrategyPct:  5.0,
		MaxCorrelatedPositions: 3,
		CorrelationThreshold:   0.7,
		MinRiskReward:          1.5,
		MinAccountBalance:      100,
		MaxConsecutiveLosses:   5,
	}
}

// ConfigurationError reports a missing or malformed hard limit. It is fatal:
// the process must not start with it.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("hard limit %s: %s", e.Field, e.Msg)
}

// HardLimits is the read-only registry.
type HardLimits struct {
	v Values
}

// New validates v and freezes it.
func New(v Values) (HardLimits, error) {
	if err := v.validate(); err != nil {
		return HardLimits{}, err
	}
	return HardLimits{v: v}, nil
}

// Default returns the registry built from DefaultValues.
func Default() HardLimits {
	return HardLimits{v: DefaultValues()}
}

func (v Values) validate() error {
	pct := []struct {
		name string
		val  float64
	}{
		{"max_risk_per_trade_pct", v.MaxRiskPerTradePct},
		{"max_daily_loss_pct", v.MaxDailyLossPct},
		{"emergency_drawdown_pct", v.EmergencyDrawdownPct},
		{"max_risk_per_strategy_pct", v.MaxRiskPerStrategyPct},
	}
	for _, p := range pct {
		if !finite(p.val) || p.val <= 0 || p.val > 100 {
			return &ConfigurationError{Field: p.name, Msg: fmt.Sprintf("must be in (0, 100], got %v", p.val)}
		}
	}

	pos := []struct {
		name string
		val  float64
	}{
		{"max_position_size_lots", v.MaxPositionSizeLots},
		{"max_leverage", v.MaxLeverage},
		{"min_risk_reward", v.MinRiskReward},
		{"min_account_balance", v.MinAccountBalance},
	}
	for _, p := range pos {
		if !finite(p.val) || p.val <= 0 {
			return &ConfigurationError{Field: p.name, Msg: fmt.Sprintf("must be positive, got %v", p.val)}
		}
	}

	counts := []struct {
		name string
		val  int
	}{
		{"max_open_positions", v.MaxOpenPositions},
		{"max_trades_per_day", v.MaxTradesPerDay},
		{"max_trades_per_hour", v.MaxTradesPerHour},
		{"max_active_strategies", v.MaxActiveStrategies},
		{"max_correlated_positions", v.MaxCorrelatedPositions},
		{"max_consecutive_losses", v.MaxConsecutiveLosses},
	}
	for _, c := range counts {
		if c.val <= 0 {
			return &ConfigurationError{Field: c.name, Msg: fmt.Sprintf("must be positive, got %d", c.val)}
		}
	}

	if !finite(v.CorrelationThreshold) || v.CorrelationThreshold <= 0 || v.CorrelationThreshold > 1 {
		return &ConfigurationError{Field: "correlation_threshold", Msg: fmt.Sprintf("must be in (0, 1], got %v", v.CorrelationThreshold)}
	}
	if v.MaxTradesPerHour > v.MaxTradesPerDay {
		return &ConfigurationError{Field: "max_trades_per_hour", Msg: "must not exceed max_trades_per_day"}
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func (h HardLimits) MaxRiskPerTradePct() float64    { return h.v.MaxRiskPerTradePct }
func (h HardLimits) MaxPositionSizeLots() float64   { return h.v.MaxPositionSizeLots }
func (h HardLimits) MaxOpenPositions() int          { return h.v.MaxOpenPositions }
func (h HardLimits) MaxDailyLossPct() float64       { return h.v.MaxDailyLossPct }
func (h HardLimits) EmergencyDrawdownPct() float64  { return h.v.EmergencyDrawdownPct }
func (h HardLimits) MaxLeverage() float64           { return h.v.MaxLeverage }
func (h HardLimits) MaxTradesPerDay() int           { return h.v.MaxTradesPerDay }
func (h HardLimits) MaxTradesPerHour() int          { return h.v.MaxTradesPerHour }
func (h HardLimits) MaxActiveStrategies() int       { return h.v.MaxActiveStrategies }
func (h HardLimits) MaxRiskPerStrategyPct() float64 { return h.v.MaxRiskPerStrategyPct }
func (h HardLimits) MaxCorrelatedPositions() int    { return h.v.MaxCorrelatedPositions }
func (h HardLimits) CorrelationThreshold() float64  { return h.v.CorrelationThreshold }
func (h HardLimits) MinRiskReward() float64         { return h.v.MinRiskReward }
func (h HardLimits) MinAccountBalance() float64     { return h.v.MinAccountBalance }
func (h HardLimits) MaxConsecutiveLosses() int      { return h.v.MaxConsecutiveLosses }

// Values returns a copy of the underlying values. Mutating the copy has no
// effect on h.
func (h HardLimits) Values() Values { return h.v }

// Limit is one row of the administrative limits listing.
type Limit struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Emergency bool    `json:"emergency"`
}

// Describe lists every limit in registry order. Emergency limits are the
// ones whose breach escalates to EMERGENCY severity and latches shutdown.
func Describe(h HardLimits) []Limit {
	v := h.v
	return []Limit{
		{"max_risk_per_trade_pct", v.MaxRiskPerTradePct, "%", false},
		{"max_position_size_lots", v.MaxPositionSizeLots, "lots", false},
		{"max_open_positions", float64(v.MaxOpenPositions), "positions", false},
		{"max_daily_loss_pct", v.MaxDailyLossPct, "%", false},
		{"emergency_drawdown_pct", v.EmergencyDrawdownPct, "%", true},
		{"max_leverage", v.MaxLeverage, "x", false},
		{"max_trades_per_day", float64(v.MaxTradesPerDay), "trades", false},
		{"max_trades_per_hour", float64(v.MaxTradesPerHour), "trades", false},
		{"max_active_strategies", float64(v.MaxActiveStrategies), "strategies", false},
		{"max_risk_per_strategy_pct", v.MaxRiskPerStrategyPct, "%", false},
		{"max_correlated_positions", float64(v.MaxCorrelatedPositions), "positions", false},
		{"correlation_threshold", v.CorrelationThreshold, "rho", false},
		{"min_risk_reward", v.MinRiskReward, "ratio", false},
		{"min_account_balance", v.MinAccountBalance, "ccy", false},
		{"max_consecutive_losses", float64(v.MaxConsecutiveLosses), "trades", false},
	}
}

// IsEmergency reports whether the named limit is an emergency limit.
func IsEmergency(name string) bool {
	return name == "emergency_drawdown_pct"
}
