package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the counters of the sync engine. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	reconnects        *prometheus.CounterVec
	heartbeatTimeouts *prometheus.CounterVec
	sends             *prometheus.CounterVec
	pulled            *prometheus.CounterVec
	recalls           *prometheus.CounterVec
	connState         *prometheus.GaugeVec
}

// New registers the collectors on a private registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a faulted connection.",
		}, []string{"room"}),
		heartbeatTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed because no frame arrived within a heartbeat interval.",
		}, []string{"room"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Message sends by outcome.",
		}, []string{"room", "result"}),
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "pulled_messages_total",
			Help:      "Messages ingested from pulls and pushes.",
		}, []string{"room", "source"}),
		recalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "recalls_total",
			Help:      "Recalls applied locally by origin.",
		}, []string{"room", "origin"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Current connection state per room (0 disconnected, 1 connecting, 2 open, 3 closing, 4 faulted).",
		}, []string{"room"}),
	}
	c.registry.MustRegister(
		c.reconnects,
		c.heartbeatTimeouts,
		c.sends,
		c.pulled,
		c.recalls,
		c.connState,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Reconnect(room string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(room).Inc()
}

func (c *Collector) HeartbeatTimeout(room string) {
	if c == nil {
		return
	}
	c.heartbeatTimeouts.WithLabelValues(room).Inc()
}

// Send records a send outcome: "success", "failed" or "suspended".
func (c *Collector) Send(room, result string) {
	if c == nil {
		return
	}
	c.sends.WithLabelValues(room, result).Inc()
}

// Pulled records n ingested messages from source ("initial", "page", "push").
func (c *Collector) Pulled(room, source string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.pulled.WithLabelValues(room, source).Add(float64(n))
}

// Recall records a recall applied locally, origin "local" or "remote".
func (c *Collector) Recall(room, origin string) {
	if c == nil {
		return
	}
	c.recalls.WithLabelValues(room, origin).Inc()
}

func (c *Collector) ConnState(room string, state int) {
	if c == nil {
		return
	}
	c.connState.WithLabelValues(room).Set(float64(state))
}
