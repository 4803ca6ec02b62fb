package budget

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

var defaults = Defaults{MaxExposurePct: 20, MaxDailyLossPct: 3, MaxConsecutiveLosses: 5}

func newManager(st Store) *Manager {
	m := NewManager(defaults, st)
	m.now = func() time.Time { return day }
	return m
}

func TestGetCreatesEnabledBudget(t *testing.T) {
	t.Parallel()

	m := newManager(nil)
	b, err := m.Get(context.Background(), Key{"trend", "EUR_USD"})
	require.NoError(t, err)
	assert.True(t, b.Enabled)
	assert.Equal(t, 5, b.MaxConsecutiveLosses)
	assert.Equal(t, 20.0, b.MaxExposurePct)
	assert.Equal(t, "trend/EUR_USD", b.Key.String())
}

func TestRecordCloseCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(nil)
	k := Key{"trend", "EUR_USD"}

	_, err := m.OpenExposure(ctx, k, 3000, 10000)
	require.NoError(t, err)
	b, tr, err := m.RecordClose(ctx, k, Outcome{PnL: -50, Notional: 1000, Balance: 10000, ClosedAt: day})
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.Equal(t, 1, b.TotalTrades)
	assert.Equal(t, 1, b.LosingTrades)
	assert.Equal(t, 1, b.ConsecutiveLosses)
	assert.InDelta(t, 2000.0, b.CurrentExposure, 1e-9)
	assert.InDelta(t, 20.0, b.CurrentExposurePct, 1e-9)

	b, _, _ = m.RecordClose(ctx, k, Outcome{PnL: 0, ClosedAt: day})
	assert.Equal(t, 1, b.ConsecutiveLosses, "breakeven leaves the streak alone")

	b, _, _ = m.RecordClose(ctx, k, Outcome{PnL: 80, ClosedAt: day})
	assert.Equal(t, 0, b.ConsecutiveLosses)
	assert.Equal(t, 1, b.WinningTrades)
	assert.Equal(t, 3, b.TotalTrades)
	assert.InDelta(t, 30.0, b.DailyPnL, 1e-9)
}

func TestRecordCloseAppliesTradeIDOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(nil)
	k := Key{"trend", "EUR_USD"}

	for i := 0; i < 3; i++ {
		b, _, err := m.RecordClose(ctx, k, Outcome{TradeID: "t-1", PnL: -10, ClosedAt: day})
		require.NoError(t, err)
		assert.Equal(t, 1, b.TotalTrades)
		assert.Equal(t, 1, b.ConsecutiveLosses)
	}

	// Ids older than the retention window are forgotten.
	b, _, err := m.RecordClose(ctx, k, Outcome{TradeID: "t-2", PnL: 5, ClosedAt: day.Add(72 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, b.TotalTrades)
	assert.NotContains(t, b.Applied, "t-1")
	assert.Contains(t, b.Applied, "t-2")
}

func TestDailyPnLResetsOnNewDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(nil)
	k := Key{"s", "X"}
	_, _, err := m.RecordClose(ctx, k, Outcome{PnL: -40, ClosedAt: day})
	require.NoError(t, err)
	b, _, err := m.RecordClose(ctx, k, Outcome{PnL: -10, ClosedAt: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.InDelta(t, -10.0, b.DailyPnL, 1e-9)
	assert.Equal(t, 2, b.ConsecutiveLosses, "streak spans days")
}

func TestAutoDisableAfterConsecutiveLosses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(nil)
	k := Key{"mean-rev", "GBP_USD"}

	var tr Transition
	var b StrategyRiskBudget
	for i := 1; i <= 5; i++ {
		var err error
		b, tr, err = m.RecordClose(ctx, k, Outcome{PnL: -1, ClosedAt: day})
		require.NoError(t, err)
		if i < 5 {
			require.False(t, tr.Disabled, "loss %d", i)
			require.True(t, b.Enabled)
		}
	}
	assert.True(t, tr.Disabled)
	assert.False(t, b.Enabled)
	assert.Contains(t, b.DisabledReason, "5 consecutive losses")

	// The transition fires once.
	_, tr, _ = m.RecordClose(ctx, k, Outcome{PnL: -1, ClosedAt: day})
	assert.False(t, tr.Disabled)

	// A win resets the streak but does not re-enable.
	b, _, _ = m.RecordClose(ctx, k, Outcome{PnL: 5, ClosedAt: day})
	assert.Equal(t, 0, b.ConsecutiveLosses)
	assert.False(t, b.Enabled)
}

func TestDisabledBudgetSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewMemoryStore()
	k := Key{"mean-rev", "GBP_USD"}

	before := newManager(st)
	for i := 0; i < 5; i++ {
		_, _, err := before.RecordClose(ctx, k, Outcome{TradeID: fmt.Sprintf("t-%d", i), PnL: -1, ClosedAt: day})
		require.NoError(t, err)
	}

	after := newManager(st)
	b, err := after.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, b.Enabled)
	assert.Equal(t, 5, b.ConsecutiveLosses)

	// Replayed closes are not counted again.
	b, tr, err := after.RecordClose(ctx, k, Outcome{TradeID: "t-4", PnL: -1, ClosedAt: day})
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.Equal(t, 5, b.TotalTrades)

	_, tr, err = after.Enable(ctx, k, "ops@desk")
	require.NoError(t, err)
	assert.True(t, tr.Enabled)
	b, err = before.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, b.Enabled, "both managers read the shared row")
}

func TestEnableRequiresActor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(nil)
	k := Key{"s", "X"}
	for i := 0; i < 5; i++ {
		_, _, err := m.RecordClose(ctx, k, Outcome{PnL: -1, ClosedAt: day})
		require.NoError(t, err)
	}

	_, _, err := m.Enable(ctx, k, "")
	assert.ErrorIs(t, err, ErrActorRequired)

	b, tr, err := m.Enable(ctx, k, "ops@desk")
	require.NoError(t, err)
	assert.True(t, tr.Enabled)
	assert.True(t, b.Enabled)
	assert.Equal(t, 0, b.ConsecutiveLosses)
	assert.Empty(t, b.DisabledReason)

	_, tr, err = m.Enable(ctx, k, "ops@desk")
	require.NoError(t, err)
	assert.False(t, tr.Changed())
}

func TestSnapshotAndActiveStrategies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(nil)
	for _, k := range []Key{{"b", "X"}, {"a", "Y"}, {"a", "X"}} {
		_, err := m.OpenExposure(ctx, k, 100, 1000)
		require.NoError(t, err)
	}
	_, err := m.Get(ctx, Key{"c", "Z"})
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3, "reads do not create rows")
	assert.Equal(t, Key{"a", "X"}, snap[0].Key)
	assert.Equal(t, Key{"b", "X"}, snap[2].Key)

	n, err := m.ActiveStrategies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConcurrentUpdatesOnDistinctKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newManager(nil)
	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		k := Key{fmt.Sprintf("s%d", s), "EUR_USD"}
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, _ = m.RecordClose(ctx, k, Outcome{PnL: 1, ClosedAt: day})
			}()
		}
	}
	wg.Wait()

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 8)
	for _, b := range snap {
		assert.Equal(t, 50, b.TotalTrades, b.Key.String())
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewMemoryStore()
	k := Key{"trend", "EUR_USD"}

	_, err := st.Load(ctx, k)
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := st.CompareAndSwap(ctx, 0, StrategyRiskBudget{Key: k, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Version)

	_, err = st.CompareAndSwap(ctx, 0, StrategyRiskBudget{Key: k})
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = st.CompareAndSwap(ctx, 0, StrategyRiskBudget{})
	assert.Error(t, err)
}
