package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics are the relay's Prometheus collectors. Each Server owns its own
// registry so tests can build several servers in one process.
type Metrics struct {
	Registry *prometheus.Registry

	rooms       prometheus.Gauge
	members     prometheus.Gauge
	messages    *prometheus.CounterVec
	dropped     prometheus.Counter
	aiRequests  *prometheus.CounterVec
	aiThrottled prometheus.Counter
	authRejects *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devroom_rooms",
			Help: "Current number of live project rooms",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devroom_room_members",
			Help: "Current number of connected room members",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devroom_messages_total",
			Help: "Realtime events received, by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devroom_outbox_dropped_total",
			Help: "Events dropped because a member outbox was full",
		}),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devroom_ai_requests_total",
			Help: "AI invocations, by operation and outcome",
		}, []string{"op", "outcome"}),
		aiThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devroom_ai_throttled_total",
			Help: "AI invocations refused by the per-user rate limit",
		}),
		authRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devroom_handshake_rejected_total",
			Help: "Room handshakes rejected, by reason",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.rooms, m.members, m.messages, m.dropped,
		m.aiRequests, m.aiThrottled, m.authRejects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
