// Package metrics holds the Prometheus instrumentation surface for the
// generation pipeline: per-tool submission/completion counts, settlement
// outcomes, queue depth, and runtime health — grounded on the escrow
// package's promauto registration pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the gateway, lifecycle engine,
// and scheduler publish to.
type Metrics struct {
	GenerationsSubmitted *prometheus.CounterVec
	GenerationsCompleted *prometheus.CounterVec
	GenerationDuration   *prometheus.HistogramVec
	SettlementFailures   *prometheus.CounterVec
	UnrecoveredDebt      *prometheus.CounterVec

	CookPiecesGenerated *prometheus.CounterVec
	CookActive          prometheus.Gauge

	SpellCastsTotal *prometheus.CounterVec

	RuntimeHealthy   *prometheus.GaugeVec
	RuntimeLatency   *prometheus.HistogramVec
	RunQueueDepth    prometheus.Gauge

	X402Settlements *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		GenerationsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_generations_submitted_total",
				Help: "Total generations submitted to a runtime",
			},
			[]string{"service"},
		),
		GenerationsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_generations_completed_total",
				Help: "Total generations reaching a terminal status",
			},
			[]string{"service", "status"},
		),
		GenerationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_generation_duration_seconds",
				Help:    "Wall-clock duration from submission to terminal status",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600, 7200},
			},
			[]string{"service"},
		),
		SettlementFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_settlement_failures_total",
				Help: "Ledger settlement failures at terminal webhook time",
			},
			[]string{"reason"}, // reason: cost_settlement_failed, insufficient_funds_race
		),
		UnrecoveredDebt: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_unrecovered_debt_points_total",
				Help: "Points recorded as unrecovered debt due to a race-condition settlement failure",
			},
			[]string{"service"},
		),
		CookPiecesGenerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_cook_pieces_generated_total",
				Help: "Total cook pieces completed, by acceptance outcome",
			},
			[]string{"outcome"}, // outcome: accepted, failed
		),
		CookActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_cooks_active",
				Help: "Number of cooks currently in the running state",
			},
		),
		SpellCastsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_spell_casts_total",
				Help: "Total spell casts, by terminal outcome",
			},
			[]string{"status"},
		),
		RuntimeHealthy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forge_runtime_healthy",
				Help: "1 if the runtime's last health check succeeded, else 0",
			},
			[]string{"runtime"},
		),
		RuntimeLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_runtime_health_check_seconds",
				Help:    "Latency of the runtime health check call",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"runtime"},
		),
		RunQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_run_queue_depth",
				Help: "Number of run_ids with an active in-process webhook consumer",
			},
		),
		X402Settlements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_x402_settlements_total",
				Help: "Total x402 pay-per-call settlements, by facilitator verdict",
			},
			[]string{"result"}, // result: settled, rejected
		),
	}
}

func (m *Metrics) RecordSubmission(service string) {
	m.GenerationsSubmitted.WithLabelValues(service).Inc()
}

func (m *Metrics) RecordCompletion(service, status string, durationSeconds float64) {
	m.GenerationsCompleted.WithLabelValues(service, status).Inc()
	m.GenerationDuration.WithLabelValues(service).Observe(durationSeconds)
}

func (m *Metrics) RecordSettlementFailure(reason string) {
	m.SettlementFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRuntimeHealth(runtimeName string, healthy bool, latencySeconds float64) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.RuntimeHealthy.WithLabelValues(runtimeName).Set(value)
	m.RuntimeLatency.WithLabelValues(runtimeName).Observe(latencySeconds)
}
