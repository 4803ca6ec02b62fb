package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

// SizePrecision is the number of decimals a position size is rounded to.
const SizePrecision = 2

// RR is reward over risk in the direction of side: (takeProfit-entry) /
// (entry-stop) for a BUY, mirrored for a SELL. A target on the losing side
// gives a negative ratio. It is 0 when the stop is on or beyond the entry.
func RR(side Side, entry, stop, takeProfit float64) float64 {
	risk, reward := entry-stop, takeProfit-entry
	if side == Sell {
		risk, reward = -risk, -reward
	}
	if risk <= 0 {
		return 0
	}
	return reward / risk
}

// Sizing is the full working of a position size computation.
type Sizing struct {
	RiskPctApplied float64 // min(requested, max per trade)
	RiskAmount     float64
	RiskPerUnit    float64
	RawSize        float64
	Size           float64 // clamped and rounded
	Cap            float64
}

// PositionSize clamps the requested risk before sizing, so a request above
// maxRiskPct can never grow the position. The result is clamped to
// [0, maxSize] and rounded half away from zero to SizePrecision decimals.
func PositionSize(balance, requestedRiskPct, maxRiskPct, entry, stop, maxSize float64) Sizing {
	s := Sizing{
		RiskPctApplied: math.Min(requestedRiskPct, maxRiskPct),
		RiskPerUnit:    math.Abs(entry - stop),
		Cap:            maxSize,
	}
	if s.RiskPctApplied < 0 {
		s.RiskPctApplied = 0
	}
	s.RiskAmount = balance * s.RiskPctApplied / 100
	if s.RiskPerUnit > 0 {
		s.RawSize = s.RiskAmount / s.RiskPerUnit
	}

	size := s.RawSize
	if math.IsNaN(size) || size < 0 {
		size = 0
	}
	size = math.Min(size, maxSize)
	rounded, _ := decimal.NewFromFloat(size).Round(SizePrecision).Float64()
	s.Size = math.Min(rounded, maxSize)
	return s
}
