package metrics

import (
	"runtime"
	"strconv"
	"time"
)

// DurationBuckets are histogram bounds in seconds, spanning quick HTTP
// calls up to hour-long prediction runs.
var DurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600}

// Metrics holds all application metrics.
type Metrics struct {
	// Prediction metrics
	PredictionJobs      *CounterVec // labels: status
	PredictionsInFlight *Gauge
	PredictionDuration  *Histogram

	// Evaluation metrics
	Evaluations      *CounterVec // labels: mode
	EvaluationRecall *GaugeVec   // labels: mode; last average recall

	// Bus metrics
	BusEvents *CounterVec // labels: topic

	// HTTP metrics
	HTTPRequests         *CounterVec // labels: method, status
	HTTPDuration         *Histogram
	HTTPRequestsInFlight *Gauge

	// System metrics
	GoroutineCount *Gauge
	Uptime         *Gauge

	startTime time.Time
}

// New creates a new metrics instance with all metrics initialized.
func New() *Metrics {
	return &Metrics{
		PredictionJobs: NewCounterVec(
			"terrapredict_prediction_jobs_total",
			"Finished prediction jobs by outcome",
			[]string{"status"},
		),
		PredictionsInFlight: NewGauge(
			"terrapredict_predictions_in_flight",
			"Prediction commands currently running",
			nil,
		),
		PredictionDuration: NewHistogram(
			"terrapredict_prediction_duration_seconds",
			"Prediction command run time",
			DurationBuckets,
			nil,
		),
		Evaluations: NewCounterVec(
			"terrapredict_evaluations_total",
			"Completed evaluations by mode",
			[]string{"mode"},
		),
		EvaluationRecall: NewGaugeVec(
			"terrapredict_evaluation_recall",
			"Average recall of the most recent evaluation",
			[]string{"mode"},
		),
		BusEvents: NewCounterVec(
			"terrapredict_bus_events_total",
			"Events received from the bus by topic",
			[]string{"topic"},
		),
		HTTPRequests: NewCounterVec(
			"terrapredict_http_requests_total",
			"HTTP requests by method and status",
			[]string{"method", "status"},
		),
		HTTPDuration: NewHistogram(
			"terrapredict_http_request_duration_seconds",
			"HTTP request latency",
			DurationBuckets,
			nil,
		),
		HTTPRequestsInFlight: NewGauge(
			"terrapredict_http_requests_in_flight",
			"HTTP requests currently being served",
			nil,
		),
		GoroutineCount: NewGauge(
			"terrapredict_goroutines",
			"Number of goroutines",
			nil,
		),
		Uptime: NewGauge(
			"terrapredict_uptime_seconds",
			"Seconds since the process started",
			nil,
		),
		startTime: time.Now(),
	}
}

// RecordHTTP records one finished HTTP request.
func (m *Metrics) RecordHTTP(method string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabels(method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.Observe(duration.Seconds())
}

// updateSystem refreshes the gauges sampled at scrape time.
func (m *Metrics) updateSystem() {
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
