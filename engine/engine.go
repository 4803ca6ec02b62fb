// Package engine runs trade validation as one atomic unit per account:
// ledger snapshot, state recompute, decision, state write and audit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskgate/audit"
	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/limits"
	"github.com/rustyeddy/riskgate/metrics"
	"github.com/rustyeddy/riskgate/pkg/id"
	"github.com/rustyeddy/riskgate/risk"
	"github.com/rustyeddy/riskgate/shutdown"
	"github.com/rustyeddy/riskgate/state"
)

var (
	ErrActorRequired       = errors.New("engine: administrative action requires an actor")
	ErrConcurrencyConflict = errors.New("engine: state write retries exhausted")
	ErrAuditUnavailable    = errors.New("engine: decision could not be audited")
	ErrUnknownDecision     = errors.New("engine: no reservation for decision")
)

type Config struct {
	MaxRetries     int           // state CAS attempts per call
	ReservationTTL time.Duration // unfilled approvals stop counting after this
	MarkToMarket   bool          // exposure at mark price instead of entry
}

func DefaultConfig() Config {
	return Config{MaxRetries: 3, ReservationTTL: 2 * time.Minute}
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option     { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }
func WithIDs(g *id.Generator) Option         { return func(e *Engine) { e.ids = g } }
func WithBudgets(m *budget.Manager) Option   { return func(e *Engine) { e.budgets = m } }
func WithLatch(l *shutdown.Latch) Option     { return func(e *Engine) { e.latch = l } }

// WithBudgetStore keeps the default budget manager's rows in st.
func WithBudgetStore(st budget.Store) Option { return func(e *Engine) { e.budgetStore = st } }

// Engine is safe for concurrent use. Calls for distinct accounts never
// wait on each other.
type Engine struct {
	cfg     Config
	limits  limits.HardLimits
	ledger  ledger.Provider
	store   state.Store
	audit   audit.Writer
	budgets *budget.Manager
	latch   *shutdown.Latch
	metrics *metrics.Registry
	ids     *id.Generator
	log     zerolog.Logger
	now     func() time.Time

	budgetStore budget.Store

	locks sync.Map // account -> *sync.Mutex
}

func New(cfg Config, l limits.HardLimits, led ledger.Provider, st state.Store, w audit.Writer, opts ...Option) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	e := &Engine{
		cfg:    cfg,
		limits: l,
		ledger: led,
		store:  st,
		audit:  w,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.budgets == nil {
		e.budgets = budget.NewManager(budget.Defaults{
			MaxExposurePct:       l.MaxRiskPerStrategyPct(),
			MaxDailyLossPct:      l.MaxDailyLossPct(),
			MaxConsecutiveLosses: l.MaxConsecutiveLosses(),
		}, e.budgetStore)
	}
	if e.latch == nil {
		e.latch = shutdown.NewLatch()
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.ids == nil {
		e.ids = id.NewGenerator(e.now)
	}
	return e
}

func (e *Engine) Limits() limits.HardLimits { return e.limits }

func (e *Engine) Budgets(ctx context.Context) ([]budget.StrategyRiskBudget, error) {
	return e.budgets.Snapshot(ctx)
}

func (e *Engine) Shutdowns() []shutdown.Status { return e.latch.Statuses() }

func (e *Engine) Metrics() *metrics.Registry { return e.metrics }

func (e *Engine) lock(account string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(account, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Result is what the execution collaborator receives.
type Result struct {
	DecisionID   string                 `json:"decision_id"`
	Approved     bool                   `json:"approved"`
	PositionSize float64                `json:"position_size"`
	Reason       risk.Reason            `json:"reason"`
	Severity     risk.Severity          `json:"severity"`
	Decision     risk.Decision          `json:"decision"`
	State        state.AccountRiskState `json:"state"`
}

type outcome struct {
	d        risk.Decision
	st       state.AccountRiskState
	snap     ledger.Snapshot
	reserved bool
}

// Validate decides on p for account and records the decision. Every call
// appends exactly one TRADE_VALIDATION record. A non-nil error means the
// record could not be written; the result is then always a rejection.
func (e *Engine) Validate(ctx context.Context, account string, p risk.TradeProposal) (Result, error) {
	start := time.Now()
	mu := e.lock(account)
	mu.Lock()
	defer mu.Unlock()

	decisionID := e.ids.New()
	now := e.now()
	out := e.decide(ctx, account, decisionID, p, now)

	rec := audit.FromDecision(decisionID, account, p, out.d, now)
	if err := e.audit.Append(ctx, rec); err != nil {
		e.metrics.AuditFailures.Inc()
		e.log.Error().Err(err).Str("account", account).Str("decision_id", decisionID).Msg("audit append failed; failing closed")
		if out.reserved {
			if _, rerr := e.release(ctx, account, decisionID, out.snap); rerr != nil {
				e.log.Error().Err(rerr).Str("decision_id", decisionID).Msg("reservation release failed; it expires after the reservation TTL")
			}
		}
		d := risk.Rejection(risk.CodeInternalError, risk.SeverityCritical,
			"decision could not be audited: "+err.Error(), out.d.Checks...)
		e.metrics.ObserveDecision(false, string(d.Reason.Code), d.Severity.String(), time.Since(start))
		return e.result(decisionID, d, out.st), fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}

	e.metrics.ObserveDecision(out.d.Approved, string(out.d.Reason.Code), out.d.Severity.String(), time.Since(start))
	if out.st.Account != "" {
		e.metrics.ObserveAccount(account, out.st.DrawdownPct, out.st.OpenPositions, out.st.EmergencyShutdownActive)
	}
	e.logDecision(account, decisionID, p, out.d)
	return e.result(decisionID, out.d, out.st), nil
}

func (e *Engine) result(decisionID string, d risk.Decision, st state.AccountRiskState) Result {
	return Result{
		DecisionID:   decisionID,
		Approved:     d.Approved,
		PositionSize: d.PositionSize,
		Reason:       d.Reason,
		Severity:     d.Severity,
		Decision:     d,
		State:        st,
	}
}

func (e *Engine) logDecision(account, decisionID string, p risk.TradeProposal, d risk.Decision) {
	var ev *zerolog.Event
	switch {
	case d.Approved:
		ev = e.log.Info()
	case d.Severity.AtLeast(risk.SeverityEmergency):
		ev = e.log.Error()
	default:
		ev = e.log.Warn()
	}
	ev.Str("account", account).
		Str("decision_id", decisionID).
		Str("strategy", p.StrategyID).
		Str("symbol", p.Symbol).
		Bool("approved", d.Approved).
		Str("severity", d.Severity.String()).
		Str("code", string(d.Reason.Code)).
		Float64("position_size", d.PositionSize).
		Int("checks", len(d.Checks)).
		Msg(d.Reason.Text)
}

// decide never panics; a panic inside becomes an INTERNAL_ERROR rejection.
func (e *Engine) decide(ctx context.Context, account, decisionID string, p risk.TradeProposal, now time.Time) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("account", account).Str("decision_id", decisionID).Msg("validate panicked")
			out = outcome{d: risk.Rejection(risk.CodeInternalError, risk.SeverityCritical, fmt.Sprintf("internal error: %v", r))}
		}
	}()

	// A shut down account rejects at the first check whatever the proposal
	// or the ledger look like.
	if st, latched := e.latched(ctx, account); latched {
		return outcome{d: risk.Validate(p, st, budget.StrategyRiskBudget{}, e.limits), st: st}
	}

	if err := p.Check(); err != nil {
		return outcome{d: risk.Rejection(risk.CodeInvalidProposal, risk.SeverityWarning, err.Error(),
			risk.CheckResult{Name: "proposal", Severity: risk.SeverityWarning, Message: err.Error()})}
	}

	snap, err := e.snapshot(ctx, account)
	if err != nil {
		msg := "ledger snapshot unavailable: " + err.Error()
		return outcome{d: risk.Rejection(risk.CodeDataUnavailable, risk.SeverityWarning, msg,
			risk.CheckResult{Name: "ledger_snapshot", Severity: risk.SeverityWarning, Message: msg})}
	}

	b, err := e.budgets.Get(ctx, budget.Key{Strategy: p.StrategyID, Symbol: p.Symbol})
	if err != nil {
		msg := "strategy budget unavailable: " + err.Error()
		return outcome{d: risk.Rejection(risk.CodeDataUnavailable, risk.SeverityWarning, msg,
			risk.CheckResult{Name: "budget_store", Severity: risk.SeverityWarning, Message: msg})}
	}

	var d risk.Decision
	st, err := e.mutate(ctx, account, func(prev state.AccountRiskState, found bool) state.AccountRiskState {
		reservations := state.PruneReservations(prev.Reservations, snap.Positions, snap.TakenAt, now, e.cfg.ReservationTTL)
		acct := e.recompute(prev, found, snap, reservations, now)

		d = risk.Validate(p, acct, b, e.limits)
		if d.TriggerShutdown {
			acct.EmergencyShutdownActive = true
		}
		if !d.Approved {
			return acct
		}
		reservations = append(reservations, state.Reservation{
			DecisionID: decisionID,
			Strategy:   p.StrategyID,
			Symbol:     p.Symbol,
			Notional:   math.Abs(d.PositionSize * p.Entry),
			At:         now,
		})
		return e.recompute(prev, found, snap, reservations, now)
	})
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		msg := fmt.Sprintf("account state changed underneath %d attempts", e.cfg.MaxRetries)
		return outcome{d: risk.Rejection(risk.CodeConcurrencyConflict, risk.SeverityWarning, msg,
			append(d.Checks, risk.CheckResult{Name: "state_write", Severity: risk.SeverityWarning, Message: msg})...)}
	case err != nil:
		msg := "account state unavailable: " + err.Error()
		return outcome{d: risk.Rejection(risk.CodeDataUnavailable, risk.SeverityWarning, msg,
			risk.CheckResult{Name: "state_store", Severity: risk.SeverityWarning, Message: msg})}
	}

	if d.TriggerShutdown {
		if ev, changed, _ := e.latch.Trigger(account, shutdown.CauseDrawdown, "", d.Reason.Text); changed {
			e.log.Error().Str("account", account).Str("cause", string(ev.Cause)).Msg("emergency shutdown latched")
		}
	}
	return outcome{d: d, st: st, snap: snap, reserved: d.Approved}
}

// latched lines the latch up with the stored row and reports whether
// account is shut down. It reads neither the proposal nor the ledger. When
// the store is down the in-process latch decides alone.
func (e *Engine) latched(ctx context.Context, account string) (state.AccountRiskState, bool) {
	st, err := e.store.Load(ctx, account)
	switch {
	case err == nil:
		e.latch.Restore(account, st.EmergencyShutdownActive, st.ShutdownEpoch)
	case errors.Is(err, state.ErrNotFound):
		st = state.AccountRiskState{}
	default:
		e.log.Warn().Err(err).Str("account", account).Msg("state unavailable; shutdown checked against the in-process latch")
		st = state.AccountRiskState{}
	}
	if !e.latch.Active(account) {
		return st, false
	}
	st.Account = account
	st.EmergencyShutdownActive = true
	return st, true
}

func (e *Engine) snapshot(ctx context.Context, account string) (ledger.Snapshot, error) {
	snap, err := e.ledger.Snapshot(ctx, account)
	if err == nil {
		if snap.Account == "" {
			snap.Account = account
		}
		err = snap.Validate()
	}
	if err != nil {
		e.metrics.LedgerFetches.WithLabelValues("error").Inc()
		return ledger.Snapshot{}, err
	}
	e.metrics.LedgerFetches.WithLabelValues("ok").Inc()
	return snap, nil
}

// recompute derives the account state. The stored peak wins over the
// ledger's so an administrative reset sticks; the ledger only seeds it.
// The latch follows the stored row first, so a clear written by another
// process is not undone here.
func (e *Engine) recompute(prev state.AccountRiskState, found bool, snap ledger.Snapshot, rs []state.Reservation, now time.Time) state.AccountRiskState {
	if found {
		e.latch.Restore(prev.Account, prev.EmergencyShutdownActive, prev.ShutdownEpoch)
	}
	peak := prev.PeakBalance
	if !found || peak <= 0 {
		peak = snap.PeakBalance
	}
	next := state.Recompute(state.Inputs{
		Account:          snap.Account,
		Balance:          snap.Balance,
		PeakBalance:      peak,
		OpenPositions:    snap.Positions,
		ClosedToday:      snap.Closed,
		Reservations:     rs,
		AsOf:             snap.TakenAt,
		ShutdownActive:   e.latch.Active(snap.Account),
		MarkToMarket:     e.cfg.MarkToMarket,
		MaxTradesPerDay:  e.limits.MaxTradesPerDay(),
		MaxTradesPerHour: e.limits.MaxTradesPerHour(),
	}, now)
	next.ShutdownEpoch = prev.ShutdownEpoch
	return next
}

// mutate is the optimistic read-modify-write of one state row.
func (e *Engine) mutate(ctx context.Context, account string, fn func(prev state.AccountRiskState, found bool) state.AccountRiskState) (state.AccountRiskState, error) {
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		prev, err := e.store.Load(ctx, account)
		found := err == nil
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return state.AccountRiskState{}, err
		}
		if !found {
			prev = state.AccountRiskState{Account: account}
		}

		next := fn(prev, found)
		next.Account = account
		stored, err := e.store.CompareAndSwap(ctx, prev.Version, next)
		if errors.Is(err, state.ErrVersionConflict) {
			e.metrics.CASRetries.Inc()
			e.log.Debug().Str("account", account).Int("attempt", attempt+1).Msg("state version conflict; retrying")
			continue
		}
		if err != nil {
			return state.AccountRiskState{}, err
		}
		return stored, nil
	}
	return state.AccountRiskState{}, fmt.Errorf("account %s: %w", account, ErrConcurrencyConflict)
}

func (e *Engine) release(ctx context.Context, account, decisionID string, snap ledger.Snapshot) (state.AccountRiskState, error) {
	now := e.now()
	return e.mutate(ctx, account, func(prev state.AccountRiskState, found bool) state.AccountRiskState {
		rs := state.WithoutReservation(prev.Reservations, decisionID)
		next := e.recompute(prev, found, snap, rs, now)
		next.EmergencyShutdownActive = next.EmergencyShutdownActive || prev.EmergencyShutdownActive
		return next
	})
}

// State returns the stored state of account.
func (e *Engine) State(ctx context.Context, account string) (state.AccountRiskState, error) {
	st, err := e.store.Load(ctx, account)
	if err != nil {
		return state.AccountRiskState{}, err
	}
	e.latch.Restore(account, st.EmergencyShutdownActive, st.ShutdownEpoch)
	st.EmergencyShutdownActive = e.latch.Active(account)
	return st, nil
}

// Refresh recomputes and stores the state of account from a fresh
// snapshot, outside any validate call. It never latches shutdown.
func (e *Engine) Refresh(ctx context.Context, account string) (state.AccountRiskState, error) {
	st, _, err := e.refresh(ctx, account)
	return st, err
}

func (e *Engine) refresh(ctx context.Context, account string) (state.AccountRiskState, ledger.Snapshot, error) {
	mu := e.lock(account)
	mu.Lock()
	defer mu.Unlock()

	snap, err := e.snapshot(ctx, account)
	if err != nil {
		return state.AccountRiskState{}, ledger.Snapshot{}, err
	}
	now := e.now()
	st, err := e.mutate(ctx, account, func(prev state.AccountRiskState, found bool) state.AccountRiskState {
		rs := state.PruneReservations(prev.Reservations, snap.Positions, snap.TakenAt, now, e.cfg.ReservationTTL)
		return e.recompute(prev, found, snap, rs, now)
	})
	if err != nil {
		return state.AccountRiskState{}, ledger.Snapshot{}, err
	}
	e.metrics.ObserveAccount(account, st.DrawdownPct, st.OpenPositions, st.EmergencyShutdownActive)
	return st, snap, nil
}
