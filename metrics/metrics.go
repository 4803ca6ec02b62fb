package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the engine's collectors on a private prometheus registry
// so tests and multiple engines never collide on the default one.
type Registry struct {
	reg *prometheus.Registry

	Decisions        *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	ValidateDuration prometheus.Histogram
	ShutdownActive   *prometheus.GaugeVec
	DrawdownPct      *prometheus.GaugeVec
	OpenPositions    *prometheus.GaugeVec
	CASRetries       prometheus.Counter
	AuditFailures    prometheus.Counter
	StrategyDisabled *prometheus.CounterVec
	LedgerFetches    *prometheus.CounterVec
	ActiveStrategies prometheus.Gauge
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "riskgate_decisions_total", Help: "Validation decisions by outcome"},
			[]string{"outcome"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "riskgate_rejections_total", Help: "Rejections by reason code and severity"},
			[]string{"code", "severity"},
		),
		ValidateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskgate_validate_duration_seconds",
			Help:    "Time spent in one validate call",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ShutdownActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "riskgate_emergency_shutdown_active", Help: "1 while an account is latched in emergency shutdown"},
			[]string{"account"},
		),
		DrawdownPct: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "riskgate_drawdown_pct", Help: "Drawdown from peak balance in percent"},
			[]string{"account"},
		),
		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "riskgate_open_positions", Help: "Open positions including reservations"},
			[]string{"account"},
		),
		CASRetries: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "riskgate_state_cas_retries_total", Help: "State writes retried after a version conflict"},
		),
		AuditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "riskgate_audit_failures_total", Help: "Audit appends that failed"},
		),
		StrategyDisabled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "riskgate_strategy_disabled_total", Help: "Automatic strategy disables"},
			[]string{"strategy", "symbol"},
		),
		LedgerFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "riskgate_ledger_fetches_total", Help: "Ledger snapshot fetches by result"},
			[]string{"result"},
		),
		ActiveStrategies: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "riskgate_active_strategies", Help: "Enabled strategies holding exposure"},
		),
	}
	r.reg.MustRegister(
		r.Decisions, r.Rejections, r.ValidateDuration, r.ShutdownActive, r.DrawdownPct,
		r.OpenPositions, r.CASRetries, r.AuditFailures, r.StrategyDisabled, r.LedgerFetches,
		r.ActiveStrategies,
	)
	return r
}

// Gatherer exposes the registry for tests and handlers.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveDecision counts one decision.
func (r *Registry) ObserveDecision(approved bool, code, severity string, took time.Duration) {
	if approved {
		r.Decisions.WithLabelValues("approved").Inc()
	} else {
		r.Decisions.WithLabelValues("rejected").Inc()
		r.Rejections.WithLabelValues(code, severity).Inc()
	}
	r.ValidateDuration.Observe(took.Seconds())
}

// ObserveAccount publishes the gauges of one account.
func (r *Registry) ObserveAccount(account string, drawdownPct float64, openPositions int, shutdown bool) {
	r.DrawdownPct.WithLabelValues(account).Set(drawdownPct)
	r.OpenPositions.WithLabelValues(account).Set(float64(openPositions))
	v := 0.0
	if shutdown {
		v = 1
	}
	r.ShutdownActive.WithLabelValues(account).Set(v)
}
