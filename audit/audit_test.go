package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rustyeddy/riskgate/risk"
)

var at = time.Date(2024, 5, 6, 12, 30, 0, 123456789, time.UTC)

func sampleDecision() (risk.TradeProposal, risk.Decision) {
	p := risk.TradeProposal{
		Symbol:           "EUR_USD",
		Side:             risk.Buy,
		Entry:            1.1,
		StopLoss:         1.095,
		TakeProfit:       1.102,
		RequestedRiskPct: 1,
		StrategyID:       "trend",
		Timestamp:        at,
	}
	d := risk.Decision{
		Reason:   risk.Reason{Code: risk.CodeRiskRewardTooLow, Text: "risk/reward 0.40 < minimum 1.50"},
		Severity: risk.SeverityWarning,
		Metrics:  map[string]float64{"risk_reward": 0.4, "raw_size": math.Inf(1)},
		Checks: []risk.CheckResult{
			{Name: "emergency_shutdown", Passed: true},
			{Name: "risk_reward", Value: 0.4, Limit: 1.5, Severity: risk.SeverityWarning, Message: "low"},
		},
	}
	return p, d
}

func sampleRecords(n int) []Record {
	p, d := sampleDecision()
	out := make([]Record, n)
	for i := range out {
		out[i] = FromDecision("dec-"+string(rune('a'+i)), "acct-1", p, d, at.Add(time.Duration(i)*time.Second))
	}
	return out
}

func TestFromDecisionDropsNonFiniteMetrics(t *testing.T) {
	t.Parallel()

	p, d := sampleDecision()
	rec := FromDecision("dec-1", "acct-1", p, d, at)
	assert.Equal(t, TypeTradeValidation, rec.Type)
	assert.Equal(t, p.Subject(), rec.Subject)
	assert.Equal(t, risk.CodeRiskRewardTooLow, rec.Code)
	assert.NotContains(t, rec.Metrics, "raw_size")
	assert.Equal(t, 0.4, rec.Metrics["risk_reward"])
	require.NotNil(t, rec.Proposal)

	_, err := json.Marshal(rec)
	assert.NoError(t, err)
}

func TestChainLinksAndVerifies(t *testing.T) {
	t.Parallel()

	mem := NewMemoryWriter()
	c := NewChain(mem, "")
	for _, r := range sampleRecords(4) {
		require.NoError(t, c.Append(context.Background(), r))
	}

	recs := mem.Records()
	require.Len(t, recs, 4)
	assert.Empty(t, recs[0].PreviousHash)
	for i := 1; i < len(recs); i++ {
		assert.Equal(t, recs[i-1].Hash, recs[i].PreviousHash)
	}
	assert.Equal(t, recs[3].Hash, c.Head())
	require.NoError(t, Verify(recs))

	tampered := append([]Record(nil), recs...)
	tampered[2].Approved = true
	assert.ErrorIs(t, Verify(tampered), ErrChainBroken)

	dropped := append(append([]Record(nil), recs[:1]...), recs[2:]...)
	assert.ErrorIs(t, Verify(dropped), ErrChainBroken)
}

func TestChainKeepsHeadOnFailure(t *testing.T) {
	t.Parallel()

	mem := NewMemoryWriter()
	c := NewChain(mem, "")
	recs := sampleRecords(2)
	require.NoError(t, c.Append(context.Background(), recs[0]))
	head := c.Head()

	mem.FailWith(errors.New("disk full"))
	assert.Error(t, c.Append(context.Background(), recs[1]))
	assert.Equal(t, head, c.Head())

	mem.FailWith(nil)
	require.NoError(t, c.Append(context.Background(), recs[1]))
	assert.NoError(t, Verify(mem.Records()))
}

func newTestSQLite(t *testing.T) *SQLiteWriter {
	t.Helper()

	w, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestSQLiteRoundTripKeepsChainValid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newTestSQLite(t)
	c := NewChain(w, "")
	for _, r := range sampleRecords(3) {
		require.NoError(t, c.Append(ctx, r))
	}
	admin := Action("adm-1", TypeShutdownTriggered, "acct-2", "acct-2", "ops", "manual", risk.SeverityEmergency, at)
	require.NoError(t, c.Append(ctx, admin))

	recs, err := w.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.NoError(t, Verify(recs))

	got := recs[0]
	assert.Equal(t, "dec-a", got.ID)
	assert.Equal(t, risk.SeverityWarning, got.Severity)
	assert.Len(t, got.Checks, 2)
	assert.Equal(t, "risk_reward", got.Checks[1].Name)
	require.NotNil(t, got.Proposal)
	assert.Equal(t, "EUR_USD", got.Proposal.Symbol)
	assert.True(t, got.At.Equal(at))
	assert.Nil(t, recs[3].Proposal)

	last, err := w.LastHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.Head(), last)

	n, err := w.Count(ctx, Filter{Account: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = w.Count(ctx, Filter{Type: TypeShutdownTriggered})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err = w.List(ctx, Filter{Account: "acct-1", Since: at.Add(time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "dec-b", recs[0].ID)
}

func TestSQLiteEmptyLog(t *testing.T) {
	t.Parallel()

	w := newTestSQLite(t)
	h, err := w.LastHash(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestSQLiteRejectsUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := newTestSQLite(t)
	require.NoError(t, w.Append(ctx, sampleRecords(1)[0]))

	_, err := w.db.Exec(`UPDATE decisions SET approved = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = w.db.Exec(`DELETE FROM decisions`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	n, err := w.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteDuplicateIDFails(t *testing.T) {
	t.Parallel()

	w := newTestSQLite(t)
	rec := sampleRecords(1)[0]
	require.NoError(t, w.Append(context.Background(), rec))
	assert.Error(t, w.Append(context.Background(), rec))
}

func TestSQLiteInsertFailureIsReturned(t *testing.T) {
	t.Parallel()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	w := &SQLiteWriter{db: sqlx.NewDb(mockDB, "sqlite3"), timeout: time.Second}
	mock.ExpectExec("INSERT INTO decisions").WillReturnError(errors.New("disk I/O error"))

	err = w.Append(context.Background(), sampleRecords(1)[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeKafka struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func TestKafkaPublisherKeysByAccount(t *testing.T) {
	t.Parallel()

	fk := &fakeKafka{}
	k := &KafkaPublisher{w: fk, topic: "risk.decisions"}
	rec := sampleRecords(1)[0]
	require.NoError(t, k.Append(context.Background(), rec))

	require.Len(t, fk.msgs, 1)
	assert.Equal(t, "acct-1", string(fk.msgs[0].Key))
	var got Record
	require.NoError(t, json.Unmarshal(fk.msgs[0].Value, &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Severity, got.Severity)

	fk.err = errors.New("broker down")
	assert.ErrorContains(t, k.Append(context.Background(), rec), "risk.decisions")
}

func TestTeeFollowerFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	primary := NewMemoryWriter()
	follower := NewMemoryWriter()
	follower.FailWith(errors.New("offline"))
	tee := NewTee(zerolog.Nop(), primary, follower)

	require.NoError(t, tee.Append(context.Background(), sampleRecords(1)[0]))
	assert.Equal(t, 1, primary.Len())

	primary.FailWith(errors.New("disk full"))
	assert.Error(t, tee.Append(context.Background(), sampleRecords(1)[0]))
	assert.NoError(t, tee.Close())
}

func TestExportCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, sampleRecords(2)))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "dec-a", rows[1][0])
	assert.Equal(t, "RISK_REWARD_TOO_LOW", rows[1][7])
	assert.Equal(t, "WARNING", rows[1][8])
}

func TestExportXLSX(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.xlsx")
	require.NoError(t, ExportXLSX(path, sampleRecords(2)))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fx.Close() })

	rows, err := fx.GetRows("Decisions")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "dec-b", rows[2][0])

	checks, err := fx.GetRows("Checks")
	require.NoError(t, err)
	assert.Len(t, checks, 5)
}
