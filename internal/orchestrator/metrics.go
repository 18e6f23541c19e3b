package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestrator
type Metrics struct {
	// Counters
	EventsTotal      prometheus.CounterVec
	TransitionsTotal prometheus.CounterVec
	ConnectionsTotal prometheus.CounterVec
	RemoteCallsTotal prometheus.CounterVec
	ErrorsTotal      prometheus.CounterVec

	// Gauges
	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.GaugeVec

	// Histograms
	RemoteCallDuration prometheus.HistogramVec
	ScanSettleDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kiosk_orchestrator_events_total",
					Help: "Total inbound events by kind",
				},
				[]string{"kind"},
			),
			TransitionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kiosk_orchestrator_transitions_total",
					Help: "Total session state transitions",
				},
				[]string{"from", "to"},
			),
			ConnectionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kiosk_orchestrator_connections_total",
					Help: "Total connections (accepted/rejected)",
				},
				[]string{"status"},
			),
			RemoteCallsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kiosk_orchestrator_remote_calls_total",
					Help: "Total remote session API calls",
				},
				[]string{"operation", "status"},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kiosk_orchestrator_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "kiosk_orchestrator_connections_active",
					Help: "Current active connections",
				},
			),
			SessionsActive: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "kiosk_orchestrator_sessions_active",
					Help: "Current sessions by status",
				},
				[]string{"status"},
			),
			RemoteCallDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "kiosk_orchestrator_remote_call_duration_seconds",
					Help:    "Remote session API call duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			ScanSettleDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kiosk_orchestrator_scan_settle_duration_seconds",
					Help:    "Time from first detection to finalized scan",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordEvent records an inbound event
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordTransition records a state transition
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordConnection records a connection attempt
func (m *Metrics) RecordConnection(status string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

// RecordRemoteCall records a remote session API call
func (m *Metrics) RecordRemoteCall(operation, status string) {
	if m == nil {
		return
	}
	m.RemoteCallsTotal.WithLabelValues(operation, status).Inc()
}

// RecordRemoteCallDuration records remote call duration
func (m *Metrics) RecordRemoteCallDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.RemoteCallDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordScanSettleDuration records time from first detection to finalize
func (m *Metrics) RecordScanSettleDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ScanSettleDuration.Observe(seconds)
}

// SetActiveConnections sets the current active connection count
func (m *Metrics) SetActiveConnections(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

// SetActiveSessions sets the current active session count by status
func (m *Metrics) SetActiveSessions(status string, count int64) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(status).Set(float64(count))
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
