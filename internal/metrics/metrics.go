package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spherify"

// Collectors groups the service collectors on a dedicated registry.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	activeSessions        prometheus.Gauge
	participants          prometheus.Gauge
	changesRelayed        prometheus.Counter
	changesRejected       *prometheus.CounterVec
	persistAttempts       prometheus.Counter
	persistFailures       prometheus.Counter
	presenceCommits       *prometheus.CounterVec
	presenceNotifications prometheus.Counter
	connectedSockets      prometheus.Gauge
	slowPeersDropped      prometheus.Counter
}

// New registers the collectors together with the process and Go runtime collectors.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	c := &Collectors{
		registry: registry,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "active_sessions",
			Help:      "Document sessions currently held in memory.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "participants",
			Help:      "Participants joined across all document sessions.",
		}),
		changesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "changes_relayed_total",
			Help:      "Deltas composed and relayed to a room.",
		}),
		changesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "changes_rejected_total",
			Help:      "Deltas dropped before broadcast, by reason.",
		}, []string{"reason"}),
		persistAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "persist_attempts_total",
			Help:      "Document store save attempts.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "persist_failures_total",
			Help:      "Document store save or load failures.",
		}),
		presenceCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "commits_total",
			Help:      "Committed presence transitions, by status.",
		}, []string{"status"}),
		presenceNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "notifications_total",
			Help:      "Status change notifications emitted.",
		}),
		connectedSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		slowPeersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "slow_peers_dropped_total",
			Help:      "Connections closed because their send queue overflowed.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.activeSessions,
		c.participants,
		c.changesRelayed,
		c.changesRejected,
		c.persistAttempts,
		c.persistFailures,
		c.presenceCommits,
		c.presenceNotifications,
		c.connectedSockets,
		c.slowPeersDropped,
	)
	return c
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collectors) SessionOpened() {
	if c != nil {
		c.activeSessions.Inc()
	}
}

func (c *Collectors) SessionEvicted() {
	if c != nil {
		c.activeSessions.Dec()
	}
}

func (c *Collectors) ParticipantJoined() {
	if c != nil {
		c.participants.Inc()
	}
}

func (c *Collectors) ParticipantLeft() {
	if c != nil {
		c.participants.Dec()
	}
}

func (c *Collectors) ChangeRelayed() {
	if c != nil {
		c.changesRelayed.Inc()
	}
}

func (c *Collectors) ChangeRejected(reason string) {
	if c != nil {
		c.changesRejected.WithLabelValues(reason).Inc()
	}
}

func (c *Collectors) PersistAttempted() {
	if c != nil {
		c.persistAttempts.Inc()
	}
}

func (c *Collectors) PersistFailed() {
	if c != nil {
		c.persistFailures.Inc()
	}
}

func (c *Collectors) PresenceCommitted(status string) {
	if c != nil {
		c.presenceCommits.WithLabelValues(status).Inc()
	}
}

func (c *Collectors) PresenceNotified() {
	if c != nil {
		c.presenceNotifications.Inc()
	}
}

func (c *Collectors) SocketOpened() {
	if c != nil {
		c.connectedSockets.Inc()
	}
}

func (c *Collectors) SocketClosed() {
	if c != nil {
		c.connectedSockets.Dec()
	}
}

func (c *Collectors) SlowPeerDropped() {
	if c != nil {
		c.slowPeersDropped.Inc()
	}
}
