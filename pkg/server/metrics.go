package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks server runtime statistics on a private Prometheus
// registry, exposed by the metrics HTTP endpoint.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	DisconnectsTotal  prometheus.Counter

	AuthSuccessTotal prometheus.Counter
	AuthFailedTotal  prometheus.Counter

	ChatMessagesTotal prometheus.Counter
	VoiceFramesTotal  prometheus.Counter

	BroadcastsTotal      prometheus.Counter
	BroadcastSendsTotal  prometheus.Counter
	BroadcastErrorsTotal prometheus.Counter

	ChannelsCreatedTotal prometheus.Counter
	ChannelsDeletedTotal prometheus.Counter

	UnknownMessagesTotal prometheus.Counter
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "babble", Name: name, Help: help,
		})
		reg.MustRegister(g)
		return g
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "babble", Name: name, Help: help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Metrics{
		registry: reg,

		ActiveConnections: gauge("connections_active", "Current active connections."),
		ConnectionsTotal:  counter("connections_total", "Lifetime TCP connections accepted."),
		DisconnectsTotal:  counter("disconnects_total", "Total client disconnects."),

		AuthSuccessTotal: counter("auth_success_total", "Successful authentication attempts."),
		AuthFailedTotal:  counter("auth_failed_total", "Failed authentication attempts."),

		ChatMessagesTotal: counter("chat_messages_total", "Chat messages relayed."),
		VoiceFramesTotal:  counter("voice_frames_total", "Voice frames relayed."),

		BroadcastsTotal:      counter("broadcasts_total", "Broadcast operations performed."),
		BroadcastSendsTotal:  counter("broadcast_sends_total", "Individual broadcast deliveries."),
		BroadcastErrorsTotal: counter("broadcast_errors_total", "Broadcast deliveries that failed."),

		ChannelsCreatedTotal: counter("channels_created_total", "Channels created."),
		ChannelsDeletedTotal: counter("channels_deleted_total", "Channels deleted."),

		UnknownMessagesTotal: counter("unknown_messages_total", "Messages dropped for lacking a handler."),
	}
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
