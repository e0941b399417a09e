// Package metrics provides Prometheus metrics for the fedlab coordinator and clients.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Round outcomes recorded by RecordRound.
const (
	RoundCompleted = "completed"
	RoundFailed    = "failed"
	RoundAborted   = "aborted"
)

// Manager manages all Prometheus metrics for the fedlab binaries.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Round metrics
	roundsTotal             *prometheus.CounterVec
	roundDuration           prometheus.Histogram
	currentRound            prometheus.Gauge
	aggregatedLoss          prometheus.Gauge
	aggregatedAccuracy      prometheus.Gauge
	aggregatedMisclassified prometheus.Gauge

	// Best-model metrics
	bestLoss            prometheus.Gauge
	bestRound           prometheus.Gauge
	bestModelSaves      prometheus.Counter
	bestModelSaveErrors prometheus.Counter

	// Client metrics
	connectedClients   prometheus.Gauge
	clientCallDuration *prometheus.HistogramVec
	clientCallFailures *prometheus.CounterVec

	// Local training metrics (client side)
	localFitDuration prometheus.Histogram
	localEvalLoss    prometheus.Gauge
	emptyPartitions  prometheus.Counter

	// Partitioner metrics
	partitionFiles *prometheus.CounterVec

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue and worker metrics
	queueSize        *prometheus.GaugeVec
	queueEnqueued    *prometheus.CounterVec
	queueRejected    *prometheus.CounterVec
	workerProcessed  *prometheus.CounterVec
	workerErrors     *prometheus.CounterVec
	workerLatency    *prometheus.HistogramVec
	errorByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "fedlab",
		subsystem:        "fl",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.roundsTotal = auto.NewCounterVec(m.counterOpts("rounds_total", "Rounds finished by outcome"), []string{"status"})
	m.roundDuration = auto.NewHistogram(m.histogramOpts("round_duration_seconds", "Wall time of a full fit+evaluate round"))
	m.currentRound = auto.NewGauge(m.gaugeOpts("current_round", "Round currently executed by the coordinator"))
	m.aggregatedLoss = auto.NewGauge(m.gaugeOpts("aggregated_loss", "Sample-weighted evaluation loss of the last completed round"))
	m.aggregatedAccuracy = auto.NewGauge(m.gaugeOpts("aggregated_accuracy", "Mean client accuracy of the last completed round"))
	m.aggregatedMisclassified = auto.NewGauge(m.gaugeOpts("aggregated_misclassified", "Total misclassified held-out examples of the last completed round"))

	m.bestLoss = auto.NewGauge(m.gaugeOpts("best_loss", "Lowest aggregated loss persisted so far"))
	m.bestRound = auto.NewGauge(m.gaugeOpts("best_round", "Round that produced the persisted best model"))
	m.bestModelSaves = auto.NewCounter(m.counterOpts("best_model_saves_total", "Best-model records persisted"))
	m.bestModelSaveErrors = auto.NewCounter(m.counterOpts("best_model_save_errors_total", "Best-model persist attempts that failed"))

	m.connectedClients = auto.NewGauge(m.gaugeOpts("connected_clients", "Clients currently connected to the coordinator"))
	m.clientCallDuration = auto.NewHistogramVec(m.histogramOpts("client_call_duration_seconds", "Latency of coordinator to client calls"), []string{"phase"})
	m.clientCallFailures = auto.NewCounterVec(m.counterOpts("client_call_failures_total", "Failed coordinator to client calls"), []string{"phase", "reason"})

	m.localFitDuration = auto.NewHistogram(m.histogramOpts("local_fit_duration_seconds", "Duration of local training on a client"))
	m.localEvalLoss = auto.NewGauge(m.gaugeOpts("local_eval_loss", "Loss of the last local evaluation on a client"))
	m.emptyPartitions = auto.NewCounter(m.counterOpts("empty_partitions_total", "Evaluations run against an empty held-out split"))

	m.partitionFiles = auto.NewCounterVec(m.counterOpts("partition_files_total", "Files handled by the dataset partitioner"), []string{"split", "outcome"})

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total", "HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds"), []string{"endpoint", "method", "status_code"})

	m.queueSize = auto.NewGaugeVec(m.gaugeOpts("queue_size", "Messages waiting in an in-memory queue"), []string{"queue"})
	m.queueEnqueued = auto.NewCounterVec(m.counterOpts("queue_enqueued_total", "Messages accepted by an in-memory queue"), []string{"queue"})
	m.queueRejected = auto.NewCounterVec(m.counterOpts("queue_rejected_total", "Messages rejected by an in-memory queue"), []string{"queue", "reason"})
	m.workerProcessed = auto.NewCounterVec(m.counterOpts("worker_processed_total", "Messages processed by a worker"), []string{"worker"})
	m.workerErrors = auto.NewCounterVec(m.counterOpts("worker_errors_total", "Messages a worker failed to process"), []string{"worker"})
	m.workerLatency = auto.NewHistogramVec(m.histogramOpts("worker_latency_seconds", "Time a worker spent on one message"), []string{"worker"})
	m.errorByComponent = auto.NewCounterVec(m.counterOpts("errors_total", "Errors by component and type"), []string{"component", "error_type"})
}

// RecordRound counts a finished round and, for completed rounds, its duration.
func RecordRound(status string, seconds float64) error {
	switch status {
	case RoundCompleted:
		globalManager.roundDuration.Observe(seconds)
	case RoundFailed, RoundAborted:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	globalManager.roundsTotal.WithLabelValues(status).Inc()
	return nil
}

// SetCurrentRound sets the round the coordinator is executing.
func SetCurrentRound(round int) {
	globalManager.currentRound.Set(float64(round))
}

// RecordAggregate publishes the aggregated evaluation of a round.
func RecordAggregate(loss, accuracy float64, misclassified int) {
	globalManager.aggregatedLoss.Set(loss)
	globalManager.aggregatedAccuracy.Set(accuracy)
	globalManager.aggregatedMisclassified.Set(float64(misclassified))
}

// RecordBestModelSaved records a persisted best model.
func RecordBestModelSaved(round int, loss float64) {
	globalManager.bestModelSaves.Inc()
	globalManager.bestRound.Set(float64(round))
	globalManager.bestLoss.Set(loss)
}

// RecordBestModelSaveError increments the best-model save error counter.
func RecordBestModelSaveError() {
	globalManager.bestModelSaveErrors.Inc()
}

// UpdateConnectedClients sets the number of connected clients.
func UpdateConnectedClients(n int) {
	globalManager.connectedClients.Set(float64(n))
}

// RecordClientCall records the latency of one call to a client.
func RecordClientCall(phase string, seconds float64) {
	globalManager.clientCallDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordClientCallFailure counts a failed call to a client.
func RecordClientCallFailure(phase, reason string) {
	globalManager.clientCallFailures.WithLabelValues(phase, reason).Inc()
}

// RecordLocalFit records the duration of a local training run.
func RecordLocalFit(seconds float64) {
	globalManager.localFitDuration.Observe(seconds)
}

// RecordLocalEval records the loss of a local evaluation.
func RecordLocalEval(loss float64, empty bool) {
	globalManager.localEvalLoss.Set(loss)
	if empty {
		globalManager.emptyPartitions.Inc()
	}
}

// RecordPartitionFiles adds n to the partitioner counter for split/outcome.
func RecordPartitionFiles(split, outcome string, n int) {
	if n <= 0 {
		return
	}
	globalManager.partitionFiles.WithLabelValues(split, outcome).Add(float64(n))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateQueueSize sets the size of the named queue.
func UpdateQueueSize(queue string, size int) {
	globalManager.queueSize.WithLabelValues(queue).Set(float64(size))
}

// RecordQueueEnqueue counts an accepted message.
func RecordQueueEnqueue(queue string) {
	globalManager.queueEnqueued.WithLabelValues(queue).Inc()
}

// RecordQueueRejected counts a rejected message.
func RecordQueueRejected(queue, reason string) {
	globalManager.queueRejected.WithLabelValues(queue, reason).Inc()
}

// RecordWorkerProcessed records one handled message and its latency.
func RecordWorkerProcessed(worker string, seconds float64) {
	globalManager.workerProcessed.WithLabelValues(worker).Inc()
	globalManager.workerLatency.WithLabelValues(worker).Observe(seconds)
}

// RecordWorkerError counts a message the worker failed to handle.
func RecordWorkerError(worker string) {
	globalManager.workerErrors.WithLabelValues(worker).Inc()
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
