// Package state derives the account-wide risk posture from ledger data and
// stores it as a single overwritable row per account.
package state

import (
	"math"
	"time"

	"github.com/rustyeddy/riskgate/ledger"
)

// AccountRiskState is the current risk posture of one account.
type AccountRiskState struct {
	Account                 string        `json:"account"`
	Balance                 float64       `json:"balance"`
	PeakBalance             float64       `json:"peak_balance"`
	DrawdownPct             float64       `json:"drawdown_pct"`
	DailyPnL                float64       `json:"daily_pnl"`
	DailyLossPct            float64       `json:"daily_loss_pct"`
	TradesToday             int           `json:"trades_today"`
	TradesThisHour          int           `json:"trades_this_hour"`
	OpenPositions           int           `json:"open_positions"`
	TotalExposure           float64       `json:"total_exposure"`
	ExposurePct             float64       `json:"exposure_pct"`
	EmergencyShutdownActive bool          `json:"emergency_shutdown_active"`
	ShutdownEpoch           uint64        `json:"shutdown_epoch"` // operator clears so far
	ThrottlingActive        bool          `json:"throttling_active"`
	Reservations            []Reservation `json:"reservations,omitempty"`
	AsOf                    time.Time     `json:"as_of"`
	LastUpdated             time.Time     `json:"last_updated"`

	// Version increments on every successful store write.
	Version uint64 `json:"version"`
}

// Reservation is an approved proposal that the ledger has not reported yet.
// It counts as an open position and a trade until the ledger catches up or
// it expires.
type Reservation struct {
	DecisionID string    `json:"decision_id"`
	Strategy   string    `json:"strategy"`
	Symbol     string    `json:"symbol"`
	Notional   float64   `json:"notional"`
	At         time.Time `json:"at"`
	FilledAt   time.Time `json:"filled_at,omitempty"`
}

// Inputs are everything Recompute needs. Two equal Inputs always produce
// the same state apart from LastUpdated.
type Inputs struct {
	Account        string
	Balance        float64
	PeakBalance    float64
	OpenPositions  []ledger.Position
	ClosedToday    []ledger.ClosedTrade
	Reservations   []Reservation
	AsOf           time.Time // snapshot time, anchors the day and hour windows
	ShutdownActive bool
	MarkToMarket   bool

	// Throttle caps; zero disables the throttling flag.
	MaxTradesPerDay  int
	MaxTradesPerHour int
}

// Recompute derives the account state. It never reads the clock except to
// stamp LastUpdated with now.
func Recompute(in Inputs, now time.Time) AccountRiskState {
	peak := math.Max(in.PeakBalance, in.Balance)

	st := AccountRiskState{
		Account:                 in.Account,
		Balance:                 in.Balance,
		PeakBalance:             peak,
		EmergencyShutdownActive: in.ShutdownActive,
		AsOf:                    in.AsOf,
		LastUpdated:             now,
	}

	if peak > 0 {
		st.DrawdownPct = math.Max(0, (peak-in.Balance)*100/peak)
	}

	dayStart := in.AsOf.UTC().Truncate(24 * time.Hour)
	hourStart := in.AsOf.Add(-time.Hour)

	for _, c := range in.ClosedToday {
		if !c.ClosedAt.Before(dayStart) && !c.ClosedAt.After(in.AsOf) {
			st.DailyPnL += c.RealizedPnL
		}
		st.countEntry(c.OpenedAt, dayStart, hourStart, in.AsOf)
	}
	if st.DailyPnL < 0 && in.Balance > 0 {
		st.DailyLossPct = math.Abs(st.DailyPnL) * 100 / in.Balance
	}

	for _, p := range in.OpenPositions {
		if in.MarkToMarket {
			st.TotalExposure += p.MarkedNotional()
		} else {
			st.TotalExposure += p.Notional()
		}
		st.countEntry(p.OpenedAt, dayStart, hourStart, in.AsOf)
	}
	st.OpenPositions = len(in.OpenPositions)

	if len(in.Reservations) > 0 {
		st.Reservations = append([]Reservation(nil), in.Reservations...)
	}
	for _, r := range in.Reservations {
		st.OpenPositions++
		st.TotalExposure += r.Notional
		// A reservation is a trade placed now; it always falls in both windows.
		st.TradesToday++
		st.TradesThisHour++
	}

	if in.Balance > 0 {
		st.ExposurePct = st.TotalExposure * 100 / in.Balance
	}

	st.ThrottlingActive = (in.MaxTradesPerDay > 0 && st.TradesToday >= in.MaxTradesPerDay) ||
		(in.MaxTradesPerHour > 0 && st.TradesThisHour >= in.MaxTradesPerHour)

	return st
}

func (s *AccountRiskState) countEntry(opened, dayStart, hourStart, asOf time.Time) {
	if opened.IsZero() || opened.After(asOf) {
		return
	}
	if !opened.Before(dayStart) {
		s.TradesToday++
	}
	if opened.After(hourStart) {
		s.TradesThisHour++
	}
}

// PruneReservations drops the reservations a ledger snapshot taken at asOf
// already reflects, and those older than ttl that were never filled. A
// reservation is reflected when it was reported filled before asOf, or
// when the snapshot holds a position of the same strategy and symbol
// opened at or after the reservation. Each position accounts for one
// reservation at most. The input slice is not modified.
func PruneReservations(rs []Reservation, positions []ledger.Position, asOf, now time.Time, ttl time.Duration) []Reservation {
	used := make([]bool, len(positions))
	var out []Reservation
	for _, r := range rs {
		if !r.FilledAt.IsZero() && r.FilledAt.Before(asOf) {
			continue
		}
		if r.FilledAt.IsZero() && ttl > 0 && now.Sub(r.At) > ttl {
			continue
		}
		if i := matchPosition(r, positions, used, asOf); i >= 0 {
			used[i] = true
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchPosition(r Reservation, positions []ledger.Position, used []bool, asOf time.Time) int {
	for i, p := range positions {
		if used[i] || p.Strategy != r.Strategy || p.Symbol != r.Symbol {
			continue
		}
		if p.OpenedAt.IsZero() || p.OpenedAt.Before(r.At) || p.OpenedAt.After(asOf) {
			continue
		}
		return i
	}
	return -1
}

// WithoutReservation returns rs minus the reservation for decisionID.
func WithoutReservation(rs []Reservation, decisionID string) []Reservation {
	var out []Reservation
	for _, r := range rs {
		if r.DecisionID != decisionID {
			out = append(out, r)
		}
	}
	return out
}

// MarkFilled stamps FilledAt on the reservation for decisionID. It reports
// whether a reservation was found.
func MarkFilled(rs []Reservation, decisionID string, at time.Time) ([]Reservation, bool) {
	out := append([]Reservation(nil), rs...)
	for i := range out {
		if out[i].DecisionID == decisionID {
			out[i].FilledAt = at
			return out, true
		}
	}
	return out, false
}
