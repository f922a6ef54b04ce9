package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	PeersConnected      prometheus.Gauge
	ProvidersRegistered prometheus.Gauge
	TasksPublished      prometheus.Counter
	TasksMatched        prometheus.Counter
	TasksTerminal       *prometheus.CounterVec
	P2PRelayed          prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hokipoki_relay_peers_connected",
			Help: "Currently connected authenticated peers.",
		}),
		ProvidersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hokipoki_relay_providers_registered",
			Help: "Currently registered providers.",
		}),
		TasksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hokipoki_relay_tasks_published_total",
			Help: "Tasks accepted for matching.",
		}),
		TasksMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hokipoki_relay_tasks_matched_total",
			Help: "Tasks bound to a provider.",
		}),
		TasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hokipoki_relay_tasks_terminal_total",
			Help: "Tasks reaching a terminal state.",
		}, []string{"status"}),
		P2PRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hokipoki_relay_p2p_frames_total",
			Help: "Opaque p2p frames forwarded between matched peers.",
		}),
	}
	m.registry.MustRegister(
		m.PeersConnected,
		m.ProvidersRegistered,
		m.TasksPublished,
		m.TasksMatched,
		m.TasksTerminal,
		m.P2PRelayed,
	)
	return m
}

// Registry exposes the collectors for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
