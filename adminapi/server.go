// Package adminapi is the HTTP surface of the engine. Operators read the
// limits and account state, trigger or clear emergency shutdown, re-enable
// a strategy and reset a peak; every such route requires an X-Actor header,
// and how that identity is authenticated is left to the fronting proxy.
// The execution collaborator validates proposals and reports fills and
// closes.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskgate/budget"
	"github.com/rustyeddy/riskgate/engine"
	"github.com/rustyeddy/riskgate/ledger"
	"github.com/rustyeddy/riskgate/limits"
	"github.com/rustyeddy/riskgate/risk"
	"github.com/rustyeddy/riskgate/shutdown"
	"github.com/rustyeddy/riskgate/state"
)

const ActorHeader = "X-Actor"

// Engine is what the API needs from the risk engine.
type Engine interface {
	Limits() limits.HardLimits
	State(ctx context.Context, account string) (state.AccountRiskState, error)
	Budgets(ctx context.Context) ([]budget.StrategyRiskBudget, error)
	Shutdowns() []shutdown.Status
	Validate(ctx context.Context, account string, p risk.TradeProposal) (engine.Result, error)
	TriggerShutdown(ctx context.Context, account, actor, reason string) (shutdown.Status, error)
	ClearShutdown(ctx context.Context, account, actor, reason string) (shutdown.Status, error)
	EnableStrategy(ctx context.Context, strategy, symbol, actor string) (budget.StrategyRiskBudget, error)
	ResetPeak(ctx context.Context, account, actor string) (state.AccountRiskState, error)
	OnPositionOpened(ctx context.Context, account, decisionID string, at time.Time) error
	OnTradeClosed(ctx context.Context, account string, t ledger.ClosedTrade) (budget.StrategyRiskBudget, error)
}

type Server struct {
	eng     Engine
	router  *mux.Router
	log     zerolog.Logger
	timeout time.Duration
}

// New builds the router. metrics may be nil.
func New(eng Engine, metrics http.Handler, log zerolog.Logger) *Server {
	s := &Server{eng: eng, router: mux.NewRouter(), log: log, timeout: 5 * time.Second}

	s.router.Use(s.logRequests)
	s.router.Use(s.withTimeout)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/limits", s.limits).Methods(http.MethodGet)
	api.HandleFunc("/budgets", s.budgets).Methods(http.MethodGet)
	api.HandleFunc("/shutdowns", s.shutdowns).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/state", s.state).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/shutdown", s.triggerShutdown).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/shutdown", s.clearShutdown).Methods(http.MethodDelete)
	api.HandleFunc("/accounts/{account}/peak/reset", s.resetPeak).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/validate", s.validate).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/fills", s.fill).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/closes", s.close).Methods(http.MethodPost)
	api.HandleFunc("/strategies/{strategy}/{symbol}/enable", s.enableStrategy).Methods(http.MethodPost)

	s.router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("actor", r.Header.Get(ActorHeader)).
			Dur("took", time.Since(start)).
			Msg("admin request")
	})
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func actor(r *http.Request) (string, bool) {
	a := strings.TrimSpace(r.Header.Get(ActorHeader))
	return a, a != ""
}

type actionBody struct {
	Reason string `json:"reason"`
}

func readReason(r *http.Request) string {
	var b actionBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&b)
	}
	return b.Reason
}

func (s *Server) statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrActorRequired), errors.Is(err, shutdown.ErrActorRequired), errors.Is(err, budget.ErrActorRequired):
		return http.StatusUnauthorized
	case errors.Is(err, state.ErrNotFound), errors.Is(err, engine.ErrUnknownDecision):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) limits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, limits.Describe(s.eng.Limits()))
}

func (s *Server) budgets(w http.ResponseWriter, r *http.Request) {
	bs, err := s.eng.Budgets(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

func (s *Server) shutdowns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Shutdowns())
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.State(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		writeError(w, s.statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) triggerShutdown(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, engine.ErrActorRequired)
		return
	}
	st, err := s.eng.TriggerShutdown(r.Context(), mux.Vars(r)["account"], who, readReason(r))
	if err != nil {
		writeError(w, s.statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) clearShutdown(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, engine.ErrActorRequired)
		return
	}
	st, err := s.eng.ClearShutdown(r.Context(), mux.Vars(r)["account"], who, readReason(r))
	if err != nil {
		writeError(w, s.statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) resetPeak(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, engine.ErrActorRequired)
		return
	}
	st, err := s.eng.ResetPeak(r.Context(), mux.Vars(r)["account"], who)
	if err != nil {
		writeError(w, s.statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) enableStrategy(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, engine.ErrActorRequired)
		return
	}
	v := mux.Vars(r)
	b, err := s.eng.EnableStrategy(r.Context(), v["strategy"], v["symbol"], who)
	if err != nil {
		writeError(w, s.statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var p risk.TradeProposal
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.eng.Validate(r.Context(), mux.Vars(r)["account"], p)
	if err != nil {
		// The rejection is still returned; the caller must not trade.
		s.log.Error().Err(err).Msg("validate via admin api")
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// FillBody reports that the order for an approved decision was filled.
// A zero FilledAt means now.
type FillBody struct {
	DecisionID string    `json:"decision_id"`
	FilledAt   time.Time `json:"filled_at"`
}

func (s *Server) fill(w http.ResponseWriter, r *http.Request) {
	var b FillBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(b.DecisionID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("decision_id is required"))
		return
	}
	if b.FilledAt.IsZero() {
		b.FilledAt = time.Now().UTC()
	}
	if err := s.eng.OnPositionOpened(r.Context(), mux.Vars(r)["account"], b.DecisionID, b.FilledAt); err != nil {
		writeError(w, s.statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) close(w http.ResponseWriter, r *http.Request) {
	var t ledger.ClosedTrade
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(t.Strategy) == "" || strings.TrimSpace(t.Symbol) == "" {
		writeError(w, http.StatusBadRequest, errors.New("strategy and symbol are required"))
		return
	}
	b, err := s.eng.OnTradeClosed(r.Context(), mux.Vars(r)["account"], t)
	if err != nil {
		writeError(w, s.statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
