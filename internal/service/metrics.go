package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the broker and outbox instruments.
type Metrics struct {
	Sessions         prometheus.Gauge
	EventsDelivered  prometheus.Counter
	SessionsEvicted  prometheus.Counter
	OutboxPublished  prometheus.Counter
	OutboxBacklog    prometheus.Gauge
	OutboxDrainError prometheus.Counter
}

// NewMetrics creates and registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "placechat_broker_sessions",
			Help: "Subscribed realtime sessions on this instance.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placechat_broker_events_delivered_total",
			Help: "Events queued to subscribed sessions.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placechat_broker_sessions_evicted_total",
			Help: "Sessions dropped because their send buffer was full.",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placechat_outbox_published_total",
			Help: "Outbox entries published to the broker.",
		}),
		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "placechat_outbox_backlog",
			Help: "Outbox entries waiting to be published.",
		}),
		OutboxDrainError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "placechat_outbox_drain_errors_total",
			Help: "Failed outbox drain attempts.",
		}),
	}
	reg.MustRegister(m.Sessions, m.EventsDelivered, m.SessionsEvicted,
		m.OutboxPublished, m.OutboxBacklog, m.OutboxDrainError)
	return m
}
