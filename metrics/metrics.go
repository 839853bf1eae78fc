package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "love_relay"

// Metrics holds the relay's collectors. They are registered on a private registry,
// not the prometheus default one.
type Metrics struct {
	registry *prometheus.Registry

	Pings          *prometheus.CounterVec
	PushDispatches *prometheus.CounterVec
	Online         prometheus.Gauge
	Sessions       prometheus.Gauge
	StoredPings    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "pings_total",
			Help:      "Number of pings routed, by route (live, push, or offline when push is off)",
		}, []string{"route"}),
		PushDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "dispatches_total",
			Help:      "Number of push dispatch attempts, by outcome",
		}, []string{"outcome"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "online_users",
			Help:      "Number of users with a live session",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "open_sessions",
			Help:      "Number of open transport sessions, logged in or not",
		}),
		StoredPings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pings_total",
			Help:      "Number of fallback store operations, by op",
		}, []string{"op"}),
	}
	m.registry.MustRegister(
		m.Pings,
		m.PushDispatches,
		m.Online,
		m.Sessions,
		m.StoredPings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
