// Package metrics exposes the hub's Prometheus collectors (C11, a
// SPEC_FULL.md ambient-stack addition). Grounded directly on
// go-server-3/internal/metrics/metrics.go's Registry (promauto-registered
// gauges/counters plus a promhttp.Handler), generalized from that file's
// generic connection/message counters into the hub-specific surface:
// per-scope publish/fan-out counts, ack-replay exhaustion, subscription
// denials, and ring buffer occupancy. Unlike the teacher's variant, this
// Registry binds to its own *prometheus.Registry rather than the global
// default one, so multiple instances (e.g. in tests) don't collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the hub reports.
type Registry struct {
	reg *prometheus.Registry

	ActiveConnections   prometheus.Gauge
	MessagesPublished   *prometheus.CounterVec
	MessagesDelivered   *prometheus.CounterVec
	SubscriptionDenials *prometheus.CounterVec
	AckReplaysExhausted prometheus.Counter
	ConnectionsEvicted  prometheus.Counter
	RingBufferEntries   *prometheus.GaugeVec
}

// NewRegistry constructs a fresh Prometheus registry and registers the
// hub's collectors against it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveConnections: fac.NewGauge(prometheus.GaugeOpts{
			Name: "relay_hub_connections_active",
			Help: "Number of currently registered hub connections.",
		}),
		MessagesPublished: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_hub_messages_published_total",
			Help: "Total messages appended to a channel's ring buffer, by channel scope.",
		}, []string{"scope"}),
		MessagesDelivered: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_hub_messages_delivered_total",
			Help: "Total message frames successfully sent to subscribers, by channel scope.",
		}, []string{"scope"}),
		SubscriptionDenials: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_hub_subscription_denials_total",
			Help: "Total subscribe/backfill/reconnect authorization denials, by channel scope.",
		}, []string{"scope"}),
		AckReplaysExhausted: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_hub_ack_replays_exhausted_total",
			Help: "Total pending-ack messages that hit MAX_REPLAY without being acknowledged.",
		}),
		ConnectionsEvicted: fac.NewCounter(prometheus.CounterOpts{
			Name: "relay_hub_connections_evicted_total",
			Help: "Total connections evicted by the heartbeat sweep for exceeding CONNECTION_TIMEOUT.",
		}),
		RingBufferEntries: fac.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_hub_ring_buffer_entries",
			Help: "Current number of retained entries in a channel's ring buffer.",
		}, []string{"channel"}),
	}
}

// Handler returns the HTTP handler Prometheus scrapes.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
