package risk

// Code is the machine-readable part of a rejection reason.
type Code string

const (
	CodeNone                    Code = ""
	CodeEmergencyShutdownActive Code = "EMERGENCY_SHUTDOWN_ACTIVE"
	CodeEmergencyDrawdown       Code = "EMERGENCY_DRAWDOWN"
	CodeMaxOpenPositions        Code = "MAX_OPEN_POSITIONS"
	CodeMaxTradesPerDay         Code = "MAX_TRADES_PER_DAY"
	CodeMaxTradesPerHour        Code = "MAX_TRADES_PER_HOUR"
	CodePositionSizeInvalid     Code = "POSITION_SIZE_INVALID"
	CodeRiskRewardTooLow        Code = "RISK_REWARD_TOO_LOW"
	CodeStrategyDisabled        Code = "STRATEGY_DISABLED"
	CodeDailyLossLimit          Code = "DAILY_LOSS_LIMIT"
	CodeDataUnavailable         Code = "DATA_UNAVAILABLE"
	CodeConcurrencyConflict     Code = "CONCURRENCY_CONFLICT"
	CodeInvalidProposal         Code = "INVALID_PROPOSAL"
	CodeInternalError           Code = "INTERNAL_ERROR"
)

// Reason pairs a Code with human text.
type Reason struct {
	Code Code   `json:"code"`
	Text string `json:"text"`
}

func (r Reason) String() string {
	if r.Code == CodeNone {
		return ""
	}
	return string(r.Code) + ": " + r.Text
}
