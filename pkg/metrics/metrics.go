// Package metrics exposes Prometheus instrumentation for the control
// service and per-node agents.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster-level gauges, maintained by the control service.
	NodesConnectedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flocker_nodes_connected_total",
			Help: "Number of agents currently connected to the control service",
		},
	)

	DatasetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flocker_datasets_total",
			Help: "Total number of datasets in the desired configuration, by deleted state",
		},
		[]string{"deleted"},
	)

	ConfigurationTag = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "flocker_configuration_tag_writes_total",
			Help: "Monotonic count of configuration tag advances observed by this process",
		},
		func() float64 { return configTagWrites() },
	)

	// API metrics.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flocker_api_requests_total",
			Help: "Total number of REST API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flocker_api_request_duration_seconds",
			Help:    "REST API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Convergence loop metrics, maintained by each agent.
	ConvergenceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flocker_convergence_cycles_total",
			Help: "Total number of convergence loop iterations completed",
		},
	)

	ConvergenceCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flocker_convergence_cycle_duration_seconds",
			Help:    "Time taken for one convergence loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flocker_backend_call_duration_seconds",
			Help:    "Backend API call duration in seconds, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flocker_backend_errors_total",
			Help: "Total number of backend operation errors, by operation and category",
		},
		[]string{"operation", "category"},
	)

	DatasetFailureCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flocker_dataset_failure_count",
			Help: "Current consecutive-failure count for a dataset's convergence actions",
		},
		[]string{"dataset_id"},
	)

	// Protocol connection metrics.
	AgentConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flocker_agent_connection_state",
			Help: "Agent's connection state to the control service (1 = connected, 0 = disconnected)",
		},
	)

	ProtocolReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flocker_protocol_reconnects_total",
			Help: "Total number of failed dial attempts from the agent to the control service",
		},
	)
)

var configTagWriteCount int64

func configTagWrites() float64 { return float64(configTagWriteCount) }

// RecordConfigurationWrite increments the observed configuration-tag
// write counter; called by the configuration store on every successful
// set_if_matches.
func RecordConfigurationWrite() {
	configTagWriteCount++
}

// RecordProtocolConnected marks the agent's connection to the control
// service as up.
func RecordProtocolConnected() {
	AgentConnectionState.Set(1)
}

// RecordProtocolDisconnected marks the agent's connection to the
// control service as down.
func RecordProtocolDisconnected() {
	AgentConnectionState.Set(0)
}

// RecordProtocolReconnect increments the reconnect-attempt counter,
// called each time a dial to the control service fails.
func RecordProtocolReconnect() {
	ProtocolReconnectsTotal.Inc()
}

func init() {
	prometheus.MustRegister(NodesConnectedTotal)
	prometheus.MustRegister(DatasetsTotal)
	prometheus.MustRegister(ConfigurationTag)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ConvergenceCyclesTotal)
	prometheus.MustRegister(ConvergenceCycleDuration)
	prometheus.MustRegister(BackendCallDuration)
	prometheus.MustRegister(BackendErrorsTotal)
	prometheus.MustRegister(DatasetFailureCount)
	prometheus.MustRegister(AgentConnectionState)
	prometheus.MustRegister(ProtocolReconnectsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
