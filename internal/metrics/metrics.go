// Package metrics holds the Prometheus collectors for the bus, fan-outs,
// the emergency coordinator and content transfers.
//
// Every method is nil-safe so components can run without metrics:
//
//	var m *metrics.Metrics // nil
//	m.BusMessage("in", "status") // no-op
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jukebox"

// Metrics is a set of collectors registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	busConnections   *prometheus.GaugeVec
	busMessages      *prometheus.CounterVec
	busDropped       *prometheus.CounterVec
	busTerminations  *prometheus.CounterVec
	fanoutTargets    *prometheus.CounterVec
	emergencyActive  prometheus.Gauge
	emergencyChanges *prometheus.CounterVec
	deletePhases     *prometheus.CounterVec
	transferBytes    prometheus.Counter
	transferActive   prometheus.Gauge
	transferResults  *prometheus.CounterVec
	transferRetries  prometheus.Counter
	transferDuration prometheus.Histogram
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		busConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "connections",
			Help: "Attached bus connections by role.",
		}, []string{"role"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "messages_total",
			Help: "Bus messages by direction and type.",
		}, []string{"direction", "type"}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Inbound bus messages dropped by reason.",
		}, []string{"reason"}),
		busTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "terminations_total",
			Help: "Connections closed by the heartbeat sweep by reason.",
		}, []string{"reason"}),
		fanoutTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "targets_total",
			Help: "Fan-out targets by operation and result.",
		}, []string{"operation", "result"}),
		emergencyActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "active",
			Help: "1 while the fleet emergency override is active.",
		}),
		emergencyChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "emergency", Name: "transitions_total",
			Help: "Emergency activations and deactivations.",
		}, []string{"transition"}),
		deletePhases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delete", Name: "operations_total",
			Help: "Distributed deletes by entity type and final phase.",
		}, []string{"entity_type", "phase"}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "bytes_total",
			Help: "Content bytes downloaded.",
		}),
		transferActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "active",
			Help: "Transfers currently in flight.",
		}),
		transferResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "results_total",
			Help: "Finished transfers by result.",
		}, []string{"result"}),
		transferRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "retries_total",
			Help: "Transfer attempts retried after a transient error.",
		}),
		transferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "duration_seconds",
			Help:    "Wall time of finished transfers.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	reg.MustRegister(
		m.busConnections, m.busMessages, m.busDropped, m.busTerminations,
		m.fanoutTargets, m.emergencyActive, m.emergencyChanges, m.deletePhases,
		m.transferBytes, m.transferActive, m.transferResults, m.transferRetries,
		m.transferDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectionAttached and ConnectionDetached track attached connections by role.
func (m *Metrics) ConnectionAttached(role string) {
	if m == nil {
		return
	}
	m.busConnections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionDetached(role string) {
	if m == nil {
		return
	}
	m.busConnections.WithLabelValues(role).Dec()
}

// BusMessage counts one message; direction is "in" or "out".
func (m *Metrics) BusMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(direction, msgType).Inc()
}

// BusDropped counts an inbound message dropped for reason.
func (m *Metrics) BusDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.busDropped.WithLabelValues(reason).Inc()
}

// ConnectionTerminated counts a heartbeat-sweep termination.
func (m *Metrics) ConnectionTerminated(reason string) {
	if m == nil {
		return
	}
	m.busTerminations.WithLabelValues(reason).Inc()
}

// FanoutResult records a finished fan-out.
func (m *Metrics) FanoutResult(operation string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.fanoutTargets.WithLabelValues(operation, "ok").Add(float64(succeeded))
	m.fanoutTargets.WithLabelValues(operation, "failed").Add(float64(failed))
}

// EmergencyTransition records an activation or deactivation.
func (m *Metrics) EmergencyTransition(active bool) {
	if m == nil {
		return
	}
	if active {
		m.emergencyActive.Set(1)
		m.emergencyChanges.WithLabelValues("activate").Inc()
		return
	}
	m.emergencyActive.Set(0)
	m.emergencyChanges.WithLabelValues("deactivate").Inc()
}

// DeleteFinished records the final phase of a distributed delete.
func (m *Metrics) DeleteFinished(entityType, phase string) {
	if m == nil {
		return
	}
	m.deletePhases.WithLabelValues(entityType, phase).Inc()
}

// TransferBytes adds downloaded bytes.
func (m *Metrics) TransferBytes(n int) {
	if m == nil {
		return
	}
	m.transferBytes.Add(float64(n))
}

// TransferStarted and TransferFinished bracket one transfer.
func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.transferActive.Inc()
}

func (m *Metrics) TransferFinished(result string, seconds float64) {
	if m == nil {
		return
	}
	m.transferActive.Dec()
	m.transferResults.WithLabelValues(result).Inc()
	m.transferDuration.Observe(seconds)
}

// TransferRetried counts a retried attempt.
func (m *Metrics) TransferRetried() {
	if m == nil {
		return
	}
	m.transferRetries.Inc()
}
