package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the engine
type Metrics struct {
	// Run metrics
	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	RunsInFlight prometheus.Gauge
	QueueDepth   prometheus.Gauge

	// Block metrics
	BlockExecutions *prometheus.CounterVec
	BlockDuration   *prometheus.HistogramVec

	// Cache and retry metrics
	CacheLookups *prometheus.CounterVec
	Retries      *prometheus.CounterVec
}

// New registers the engine metrics on reg. A nil registerer gets a private
// registry so repeated construction (tests) never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipecore_runs_started_total",
			Help: "Total number of app runs started",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipecore_runs_finished_total",
			Help: "Total number of app runs finished by terminal status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipecore_run_duration_seconds",
			Help:    "App run latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		RunsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipecore_runs_in_flight",
			Help: "Number of app runs currently executing",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipecore_run_queue_depth",
			Help: "Number of app runs queued and not yet started",
		}),

		BlockExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipecore_block_executions_total",
			Help: "Total number of block executions by block type and outcome",
		}, []string{"block_type", "status"}),
		BlockDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipecore_block_duration_seconds",
			Help:    "Block execution latency in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"block_type"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipecore_cache_lookups_total",
			Help: "Cache lookups by outcome (hit, miss, error)",
		}, []string{"outcome"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipecore_retries_total",
			Help: "Retried external calls by operation",
		}, []string{"operation"}),
	}
}

// RecordBlock records one block execution.
func (m *Metrics) RecordBlock(blockType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.BlockExecutions.WithLabelValues(blockType, status).Inc()
	m.BlockDuration.WithLabelValues(blockType).Observe(seconds)
}

// RecordRunFinished records a terminal run status and latency.
func (m *Metrics) RecordRunFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status).Inc()
	m.RunDuration.Observe(seconds)
}

// RecordCache records a cache lookup outcome.
func (m *Metrics) RecordCache(outcome string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// RecordRetry records one retry of operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}
