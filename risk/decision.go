package risk

// CheckResult is one entry of a decision's checks-performed list.
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Value    float64  `json:"value"`
	Limit    float64  `json:"limit"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// Decision is the verdict on one proposal.
type Decision struct {
	Approved     bool               `json:"approved"`
	Reason       Reason             `json:"reason"`
	Severity     Severity           `json:"severity"`
	PositionSize float64            `json:"position_size"`
	Metrics      map[string]float64 `json:"metrics"`
	Checks       []CheckResult      `json:"checks"`

	// TriggerShutdown asks the caller to latch emergency shutdown. Only the
	// drawdown check sets it; the caller applies it atomically with the
	// state write.
	TriggerShutdown bool `json:"trigger_shutdown,omitempty"`
}

// Rejection builds a rejected decision for failures that happen outside the
// check pipeline, such as missing ledger data or a lost state write.
func Rejection(code Code, sev Severity, text string, checks ...CheckResult) Decision {
	return Decision{
		Reason:   Reason{Code: code, Text: text},
		Severity: sev,
		Metrics:  map[string]float64{},
		Checks:   checks,
	}
}

// FailingCheck returns the last check performed when the decision was a
// rejection, or false for approvals.
func (d Decision) FailingCheck() (CheckResult, bool) {
	if d.Approved || len(d.Checks) == 0 {
		return CheckResult{}, false
	}
	c := d.Checks[len(d.Checks)-1]
	return c, !c.Passed
}
