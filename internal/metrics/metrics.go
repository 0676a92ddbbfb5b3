// Package metrics exposes linking activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devicelink/pkg/linkproto"
)

const namespace = "devicelink"

// Metrics implements linking.Observer.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated prometheus.Counter
	transitions     *prometheus.CounterVec
	heartbeats      *prometheus.CounterVec
	revocations     prometheus.Counter
}

// New registers the collectors on a private registry. subscribers, when
// non-nil, backs a gauge of live push connections.
func New(subscribers func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_sessions_created_total",
			Help:      "Link sessions created.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_session_transitions_total",
			Help:      "Link session status transitions by target status.",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Device heartbeats by validity.",
		}, []string{"valid"}),
		revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_revocations_total",
			Help:      "Linked devices revoked.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsCreated,
		m.transitions,
		m.heartbeats,
		m.revocations,
	)
	if subscribers != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_subscribers",
			Help:      "Open push channel connections.",
		}, func() float64 { return float64(subscribers()) }))
	}
	return m
}

func (m *Metrics) SessionCreated() { m.sessionsCreated.Inc() }

func (m *Metrics) Transitioned(to linkproto.Status) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) Heartbeat(valid bool) {
	m.heartbeats.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

func (m *Metrics) Revoked(n int) { m.revocations.Add(float64(n)) }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
