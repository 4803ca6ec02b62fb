package risk

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// TradeProposal is a candidate trade from the signal collaborator.
type TradeProposal struct {
	ID               string    `json:"id,omitempty"`
	Symbol           string    `json:"symbol"` // "EUR_USD"
	Side             Side      `json:"side"`
	Entry            float64   `json:"entry"`
	StopLoss         float64   `json:"stop_loss"`
	TakeProfit       float64   `json:"take_profit"`
	RequestedRiskPct float64   `json:"requested_risk_pct"` // percent of balance, 1.0 == 1%
	StrategyID       string    `json:"strategy_id"`
	Timestamp        time.Time `json:"timestamp"`
}

// Subject is the reference stored with the decision record.
func (p TradeProposal) Subject() string {
	if p.ID != "" {
		return p.ID
	}
	return fmt.Sprintf("%s/%s/%s@%s", p.StrategyID, p.Symbol, p.Side, p.Timestamp.UTC().Format(time.RFC3339Nano))
}

// Check reports structural problems that make a proposal unusable. It is
// not part of the limit pipeline: a malformed proposal never reaches it.
func (p TradeProposal) Check() error {
	var errs []error
	if strings.TrimSpace(p.Symbol) == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if strings.TrimSpace(p.StrategyID) == "" {
		errs = append(errs, errors.New("strategy_id is required"))
	}
	if p.Side != Buy && p.Side != Sell {
		errs = append(errs, fmt.Errorf("side must be BUY or SELL, got %q", p.Side))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{{"entry", p.Entry}, {"stop_loss", p.StopLoss}, {"take_profit", p.TakeProfit}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive price, got %v", f.name, f.v))
		}
	}
	if errs == nil {
		errs = append(errs, p.checkSides()...)
	}
	if math.IsNaN(p.RequestedRiskPct) || math.IsInf(p.RequestedRiskPct, 0) || p.RequestedRiskPct <= 0 {
		errs = append(errs, fmt.Errorf("requested_risk_pct must be positive, got %v", p.RequestedRiskPct))
	}
	return errors.Join(errs...)
}

// checkSides rejects a stop or target on the wrong side of the entry. A
// stop or target exactly on the entry is left to the sizing and
// risk/reward checks.
func (p TradeProposal) checkSides() []error {
	var errs []error
	switch p.Side {
	case Buy:
		if p.StopLoss > p.Entry {
			errs = append(errs, fmt.Errorf("stop_loss %v is above entry %v on a BUY", p.StopLoss, p.Entry))
		}
		if p.TakeProfit < p.Entry {
			errs = append(errs, fmt.Errorf("take_profit %v is below entry %v on a BUY", p.TakeProfit, p.Entry))
		}
	case Sell:
		if p.StopLoss < p.Entry {
			errs = append(errs, fmt.Errorf("stop_loss %v is below entry %v on a SELL", p.StopLoss, p.Entry))
		}
		if p.TakeProfit > p.Entry {
			errs = append(errs, fmt.Errorf("take_profit %v is above entry %v on a SELL", p.TakeProfit, p.Entry))
		}
	}
	return errs
}
