// Package audit records every risk decision and administrative action.
//
// Records are append-only. Nothing in this module updates or deletes a
// stored record, and the engine never reads them back to decide.
package audit

import (
	"context"
	"math"
	"time"

	"github.com/rustyeddy/riskgate/risk"
)

// Type is the kind of event a record describes.
type Type string

const (
	TypeTradeValidation   Type = "TRADE_VALIDATION"
	TypeShutdownTriggered Type = "SHUTDOWN_TRIGGERED"
	TypeShutdownCleared   Type = "SHUTDOWN_CLEARED"
	TypeStrategyDisabled  Type = "STRATEGY_DISABLED"
	TypeStrategyEnabled   Type = "STRATEGY_ENABLED"
	TypePeakReset         Type = "PEAK_RESET"
)

// Record is one immutable audit entry.
type Record struct {
	ID                string              `json:"id"`
	Type              Type                `json:"type"`
	Account           string              `json:"account"`
	Subject           string              `json:"subject"`
	Actor             string              `json:"actor,omitempty"`
	Approved          bool                `json:"approved"`
	Code              risk.Code           `json:"code,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	Severity          risk.Severity       `json:"severity"`
	PositionSize      float64             `json:"position_size"`
	ShutdownTriggered bool                `json:"shutdown_triggered,omitempty"`
	Metrics           map[string]float64  `json:"metrics,omitempty"`
	Checks            []risk.CheckResult  `json:"checks,omitempty"`
	Proposal          *risk.TradeProposal `json:"proposal,omitempty"`
	At                time.Time           `json:"at"`
	PreviousHash      string              `json:"previous_hash,omitempty"`
	Hash              string              `json:"hash,omitempty"`
}

// Writer persists records. Append must not return before the record is
// durable in the writer's medium.
type Writer interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// FromDecision builds the TRADE_VALIDATION record for d.
func FromDecision(id, account string, p risk.TradeProposal, d risk.Decision, at time.Time) Record {
	prop := p
	return Record{
		ID:                id,
		Type:              TypeTradeValidation,
		Account:           account,
		Subject:           p.Subject(),
		Approved:          d.Approved,
		Code:              d.Reason.Code,
		Reason:            d.Reason.Text,
		Severity:          d.Severity,
		PositionSize:      d.PositionSize,
		ShutdownTriggered: d.TriggerShutdown,
		Metrics:           finiteMetrics(d.Metrics),
		Checks:            finiteChecks(d.Checks),
		Proposal:          &prop,
		At:                at.UTC(),
	}
}

// Action builds a record for an administrative or lifecycle event.
func Action(id string, t Type, account, subject, actor, reason string, sev risk.Severity, at time.Time) Record {
	return Record{
		ID:       id,
		Type:     t,
		Account:  account,
		Subject:  subject,
		Actor:    actor,
		Reason:   reason,
		Severity: sev,
		At:       at.UTC(),
	}
}

// JSON has no NaN or Inf.
func finiteMetrics(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	return out
}

func finiteChecks(cs []risk.CheckResult) []risk.CheckResult {
	if len(cs) == 0 {
		return nil
	}
	out := make([]risk.CheckResult, len(cs))
	for i, c := range cs {
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			c.Value = 0
		}
		if math.IsNaN(c.Limit) || math.IsInf(c.Limit, 0) {
			c.Limit = 0
		}
		out[i] = c
	}
	return out
}
