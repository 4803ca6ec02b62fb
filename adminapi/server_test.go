package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskgate/audit"
	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/engine"
	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/limits"
	"github.com/rustyeddy/riskgate/risk"
	"github.com/rustyeddy/riskgate/state"
)

var now = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

func newServer(t *testing.T) (*httptest.Server, *engine.Engine, *audit.MemoryWriter) {
	t.Helper()
	led := ledger.NewStatic(ledger.Snapshot{Account: "acct-1", Balance: 10000, PeakBalance: 10000, TakenAt: now})
	aud := audit.NewMemoryWriter()
	eng := engine.New(engine.DefaultConfig(), limits.Default(), led, state.NewMemoryStore(), aud,
		engine.WithClock(func() time.Time { return now }))
	ts := httptest.NewServer(New(eng, eng.Metrics().Handler(), zerolog.Nop()))
	t.Cleanup(ts.Close)
	return ts, eng, aud
}

func do(t *testing.T, method, url, actor string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestLimits(t *testing.T) {
	t.Parallel()
	ts, _, _ := newServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/v1/limits", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got []limits.Limit
	decode(t, resp, &got)
	require.Len(t, got, len(limits.Describe(limits.Default())))
	assert.Equal(t, "max_risk_per_trade_pct", got[0].Name)
}

func TestValidateThenState(t *testing.T) {
	t.Parallel()
	ts, _, aud := newServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/v1/accounts/acct-1/state", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	p := risk.TradeProposal{
		Symbol: "EUR_USD", Side: risk.Buy, Entry: 1.1, StopLoss: 1.095, TakeProfit: 1.11,
		RequestedRiskPct: 1, StrategyID: "trend", Timestamp: now,
	}
	resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/validate", "", p)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res engine.Result
	decode(t, resp, &res)
	assert.True(t, res.Approved)
	assert.Equal(t, 1.0, res.PositionSize)
	assert.Equal(t, 1, aud.Len())

	resp = do(t, http.MethodGet, ts.URL+"/v1/accounts/acct-1/state", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st state.AccountRiskState
	decode(t, resp, &st)
	assert.Equal(t, 1, st.OpenPositions)
}

func TestValidateRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	ts, _, aud := newServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/accounts/acct-1/validate", strings.NewReader(`{"symbol":`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, aud.Len())
}

func TestShutdownRequiresActor(t *testing.T) {
	t.Parallel()
	ts, eng, aud := newServer(t)

	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		resp := do(t, method, ts.URL+"/v1/accounts/acct-1/shutdown", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, method)
	}
	resp := do(t, http.MethodPost, ts.URL+"/v1/strategies/trend/EUR_USD/enable", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/peak/reset", "  ", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Empty(t, eng.Shutdowns())
	assert.Zero(t, aud.Len())
}

func TestShutdownTriggerAndClear(t *testing.T) {
	t.Parallel()
	ts, eng, aud := newServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/shutdown", "alice", actionBody{Reason: "desk halt"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]any
	decode(t, resp, &st)
	assert.Equal(t, "SHUTDOWN", st["state"])
	assert.Equal(t, "alice", st["actor"])

	resp = do(t, http.MethodGet, ts.URL+"/v1/shutdowns", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []map[string]any
	decode(t, resp, &all)
	require.Len(t, all, 1)

	p := risk.TradeProposal{
		Symbol: "EUR_USD", Side: risk.Buy, Entry: 1.1, StopLoss: 1.095, TakeProfit: 1.11,
		RequestedRiskPct: 1, StrategyID: "trend", Timestamp: now,
	}
	res, err := eng.Validate(context.Background(), "acct-1", p)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, risk.CodeEmergencyShutdownActive, res.Reason.Code)

	resp = do(t, http.MethodDelete, ts.URL+"/v1/accounts/acct-1/shutdown", "bob", actionBody{Reason: "resumed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &st)
	assert.Equal(t, "NORMAL", st["state"])

	var types []audit.Type
	for _, r := range aud.Records() {
		types = append(types, r.Type)
	}
	assert.Equal(t, []audit.Type{audit.TypeShutdownTriggered, audit.TypeTradeValidation, audit.TypeShutdownCleared}, types)
}

func TestEnableUnknownStrategyIsNoop(t *testing.T) {
	t.Parallel()
	ts, _, aud := newServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/v1/strategies/trend/EUR_USD/enable", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b map[string]any
	decode(t, resp, &b)
	assert.Equal(t, true, b["enabled"])
	assert.Zero(t, aud.Len())
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()
	ts, _, _ := newServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/v1/accounts/acct-1/shutdown", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFillsAndCloses(t *testing.T) {
	t.Parallel()
	ts, _, aud := newServer(t)

	p := risk.TradeProposal{
		Symbol: "EUR_USD", Side: risk.Buy, Entry: 1.1, StopLoss: 1.095, TakeProfit: 1.11,
		RequestedRiskPct: 1, StrategyID: "trend", Timestamp: now,
	}
	resp := do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/validate", "", p)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res engine.Result
	decode(t, resp, &res)
	require.True(t, res.Approved)

	resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/fills", "", FillBody{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/fills", "", FillBody{DecisionID: "nope", FilledAt: now})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/fills", "", FillBody{DecisionID: res.DecisionID, FilledAt: now})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/v1/budgets", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bs []budget.StrategyRiskBudget
	decode(t, resp, &bs)
	require.Len(t, bs, 1)
	assert.InDelta(t, 1.1, bs[0].CurrentExposure, 1e-9)

	var b budget.StrategyRiskBudget
	for i := 0; i < 5; i++ {
		c := ledger.ClosedTrade{
			ID: fmt.Sprintf("c%d", i), Symbol: "EUR_USD", Strategy: "trend",
			Size: 1, EntryPrice: 1.1, ExitPrice: 1.095, RealizedPnL: -50, ClosedAt: now,
		}
		resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/closes", "", c)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decode(t, resp, &b)
	}
	assert.False(t, b.Enabled)
	assert.Equal(t, 5, b.TotalTrades)

	resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/closes", "", ledger.ClosedTrade{ID: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/v1/accounts/acct-1/validate", "", p)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &res)
	assert.Equal(t, risk.CodeStrategyDisabled, res.Reason.Code)

	var types []audit.Type
	for _, r := range aud.Records() {
		types = append(types, r.Type)
	}
	assert.Equal(t, []audit.Type{audit.TypeTradeValidation, audit.TypeStrategyDisabled, audit.TypeTradeValidation}, types)
}
