package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups the collab server's Prometheus instruments.
type Collectors struct {
	RoomsActive       prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	UpdatesTotal      prometheus.Counter
	PersistFlushes    *prometheus.CounterVec
}

// New registers the collectors with the given registerer.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_rooms_active",
			Help: "Number of live collaboration rooms.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connections_active",
			Help: "Number of attached websocket connections.",
		}),
		UpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_updates_total",
			Help: "Accepted CRDT updates across all rooms.",
		}),
		PersistFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_persist_flushes_total",
			Help: "Persist flush attempts by outcome.",
		}, []string{"status"}),
	}
}
