package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icarus_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"worker"},
	)

	// Price feed metrics
	PriceCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_price_cache_hits_total",
			Help: "Price requests served from the fresh cache",
		},
		[]string{"symbol"},
	)

	PriceCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_price_cache_misses_total",
			Help: "Price requests that hit the upstream",
		},
		[]string{"symbol"},
	)

	PriceUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_price_upstream_errors_total",
			Help: "Failed upstream price fetches",
		},
		[]string{"symbol"},
	)

	// Prediction metrics
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_predictions_total",
			Help: "Ensemble predictions by resulting label",
		},
		[]string{"symbol", "label"}, // label: long|short|hold
	)

	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_signals_emitted_total",
			Help: "Actionable signals emitted by the gate",
		},
		[]string{"symbol", "direction"},
	)

	SignalsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_signals_suppressed_total",
			Help: "Predictions suppressed by the gate",
		},
		[]string{"symbol", "reason"},
	)

	SignalsIgnoredOpenPosition = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_signals_ignored_due_to_open_position_total",
			Help: "Actionable signals dropped because a position was already open",
		},
		[]string{"symbol"},
	)

	// Book metrics
	PositionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icarus_positions_open_count",
			Help: "Current number of open positions",
		},
		[]string{"symbol"},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_trades_closed_total",
			Help: "Closed positions by terminal status",
		},
		[]string{"symbol", "status"},
	)

	RealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icarus_realized_pnl_quote",
			Help: "Cumulative realized PnL in quote currency (signed)",
		},
		[]string{"symbol"},
	)

	WalletBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icarus_wallet_balance_quote",
			Help: "Current wallet balance in quote currency",
		},
	)

	// Learning metrics
	LearnerUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_learner_updates_total",
			Help: "Online learner partial-fit calls",
		},
		[]string{"model", "status"}, // status: success|error
	)

	LearnerQuarantines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarus_learner_quarantines_total",
			Help: "Learners quarantined after a failed update",
		},
		[]string{"model"},
	)

	SampleBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icarus_sample_buffer_size",
			Help: "Training samples currently buffered",
		},
	)

	SampleBufferDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarus_sample_buffer_dropped_total",
			Help: "Training samples dropped on buffer overflow",
		},
	)
)

func init() {
	prometheus.MustRegister(WorkerExecutions)
	prometheus.MustRegister(WorkerDuration)

	prometheus.MustRegister(PriceCacheHits)
	prometheus.MustRegister(PriceCacheMisses)
	prometheus.MustRegister(PriceUpstreamErrors)

	prometheus.MustRegister(PredictionsTotal)
	prometheus.MustRegister(SignalsEmitted)
	prometheus.MustRegister(SignalsSuppressed)
	prometheus.MustRegister(SignalsIgnoredOpenPosition)

	prometheus.MustRegister(PositionsOpen)
	prometheus.MustRegister(TradesClosed)
	prometheus.MustRegister(RealizedPnL)
	prometheus.MustRegister(WalletBalance)

	prometheus.MustRegister(LearnerUpdates)
	prometheus.MustRegister(LearnerQuarantines)
	prometheus.MustRegister(SampleBufferSize)
	prometheus.MustRegister(SampleBufferDropped)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordWorkerExecution records metrics for a worker run
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	WorkerExecutions.WithLabelValues(worker, status).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
}
