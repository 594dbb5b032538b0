package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors of a Controller. All recording
// helpers are nil-safe, so metrics remain optional.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	TasksStarted      *prometheus.CounterVec
	TasksFinished     *prometheus.CounterVec
	RateLimited       prometheus.Counter
	StreamsActive     *prometheus.GaugeVec
}

// NewMetrics constructs a metrics registry with the controller's collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskwire_connections_active",
		Help: "Currently open persistent connections",
	})

	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwire_tasks_started_total",
		Help: "Started tasks by transport",
	}, []string{"transport"})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwire_tasks_finished_total",
		Help: "Finished tasks by terminal status",
	}, []string{"status"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwire_rate_limited_total",
		Help: "Requests rejected by the per-connection rate limit",
	})

	streams := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskwire_streams_active",
		Help: "Active task streams by transport",
	}, []string{"transport"})

	reg.MustRegister(connections, started, finished, limited, streams)

	return &Metrics{
		registry: reg,

		ConnectionsActive: connections,
		TasksStarted:      started,
		TasksFinished:     finished,
		RateLimited:       limited,
		StreamsActive:     streams,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) taskStarted(transport string) {
	if m != nil {
		m.TasksStarted.WithLabelValues(transport).Inc()
		m.StreamsActive.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) taskFinished(transport, status string) {
	if m != nil {
		m.TasksFinished.WithLabelValues(status).Inc()
		m.StreamsActive.WithLabelValues(transport).Dec()
	}
}

func (m *Metrics) rateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}
