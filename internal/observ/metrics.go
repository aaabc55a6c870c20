package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeagent_cycles_total",
		Help: "Completed decision cycles by outcome.",
	}, []string{"instrument", "outcome"})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeagent_decisions_total",
		Help: "Decisions by action.",
	}, []string{"instrument", "action"})

	SafetyRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeagent_safety_rejections_total",
		Help: "Orders rejected by the safety guard.",
	}, []string{"instrument", "reason"})

	StopTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeagent_stop_triggers_total",
		Help: "Per-position stop-loss forced closes.",
	}, []string{"instrument"})

	AuditWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeagent_audit_write_failures_total",
		Help: "Audit ledger write attempts that failed.",
	})

	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeagent_orders_placed_total",
		Help: "Orders placed at the broker by side and status.",
	}, []string{"instrument", "side", "status"})

	DailyDrawdownPct = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeagent_drawdown_pct_daily",
		Help: "Current daily drawdown as a signed fraction (negative = loss).",
	})

	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeagent_kill_switch_active",
		Help: "1 while the daily drawdown kill-switch is engaged.",
	})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeagent_cycle_duration_seconds",
		Help:    "Wall time of one sense-to-audit cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"instrument"})
)

// ObserveCycle records one cycle duration.
func ObserveCycle(instrument string, d time.Duration) {
	CycleDuration.WithLabelValues(instrument).Observe(d.Seconds())
}

// Serve exposes /metrics and /healthz. Blocks; intended for a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return http.ListenAndServe(addr, mux)
}
