// Package metrics exposes the engine's ambient Prometheus counters/gauges
// and the /healthz + /metrics HTTP server. This is observability, not the
// JSON dashboard read API — nothing here serves positions,
// fills, or scores, only operational signal about the engine itself.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the engine updates during a run. Each
// instance owns a private prometheus.Registry rather than the global
// default, so tests can construct multiple Registries without tripping
// "duplicate metrics collector registration" panics.
type Registry struct {
	reg *prometheus.Registry

	jobRuns   *prometheus.CounterVec
	jobErrors *prometheus.CounterVec

	ordersPlaced *prometheus.CounterVec
	fills        *prometheus.CounterVec

	dailyPnLPct   prometheus.Gauge
	openPositions prometheus.Gauge
	halted        prometheus.Gauge
	paused        prometheus.Gauge

	riskActions *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
}

// New builds a Registry with every metric registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_job_runs_total",
		Help: "Completed scheduler job runs by job name.",
	}, []string{"job"})

	r.jobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_job_errors_total",
		Help: "Scheduler job runs that returned an error, by job name.",
	}, []string{"job"})

	r.ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_total",
		Help: "Orders placed by side and outcome (filled|rejected).",
	}, []string{"side", "outcome"})

	r.fills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_fills_total",
		Help: "Fills recorded by instrument and side.",
	}, []string{"instrument", "side"})

	r.dailyPnLPct = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_daily_pnl_pct",
		Help: "Realized daily PnL as a percentage of the daily baseline.",
	})

	r.openPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Number of currently open positions.",
	})

	r.halted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_halted",
		Help: "1 if the risk engine has halted new entries, 0 otherwise.",
	})

	r.paused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_paused",
		Help: "1 if the scheduler's buy-execution job is paused, 0 otherwise.",
	})

	r.riskActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_actions_total",
		Help: "Risk engine actions taken, by kind (e.g. stop_loss, take_profit, trailing_stop).",
	}, []string{"kind"})

	r.reconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconcile_corrections_total",
		Help: "Positions corrected by the reconciler, by action (evicted|closed).",
	}, []string{"action"})

	r.reg.MustRegister(
		r.jobRuns, r.jobErrors,
		r.ordersPlaced, r.fills,
		r.dailyPnLPct, r.openPositions, r.halted, r.paused,
		r.riskActions, r.reconciled,
	)
	return r
}

// RecordJobRun increments the run counter for a job, and the error counter
// too when runErr is non-nil.
func (r *Registry) RecordJobRun(job string, runErr error) {
	r.jobRuns.WithLabelValues(job).Inc()
	if runErr != nil {
		r.jobErrors.WithLabelValues(job).Inc()
	}
}

// RecordOrder records an order placement outcome.
func (r *Registry) RecordOrder(side, outcome string) {
	r.ordersPlaced.WithLabelValues(side, outcome).Inc()
}

// RecordFill records an executed fill.
func (r *Registry) RecordFill(instrument, side string) {
	r.fills.WithLabelValues(instrument, side).Inc()
}

// SetDailyPnLPct updates the daily realized PnL gauge.
func (r *Registry) SetDailyPnLPct(pct float64) {
	r.dailyPnLPct.Set(pct)
}

// SetOpenPositions updates the open-position count gauge.
func (r *Registry) SetOpenPositions(n int) {
	r.openPositions.Set(float64(n))
}

// SetHalted flips the halt gauge.
func (r *Registry) SetHalted(halted bool) {
	r.halted.Set(boolToFloat(halted))
}

// SetPaused flips the pause gauge.
func (r *Registry) SetPaused(paused bool) {
	r.paused.Set(boolToFloat(paused))
}

// RecordRiskAction increments the risk-action counter for the given kind.
func (r *Registry) RecordRiskAction(kind string) {
	r.riskActions.WithLabelValues(kind).Inc()
}

// RecordReconcile increments the reconcile-correction counter for the
// given action (evicted|closed).
func (r *Registry) RecordReconcile(action string) {
	r.reconciled.WithLabelValues(action).Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Server wraps the HTTP listener serving /healthz and /metrics.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds a Server bound to the given port, serving this
// Registry's metrics at /metrics and a static 200 at /healthz.
func NewServer(port int, reg *Registry, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		logger:     logger,
	}
}

// Start runs the HTTP server in the background. Bind failures are logged,
// not fatal, since metrics are observability and not load-bearing for
// trading.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
