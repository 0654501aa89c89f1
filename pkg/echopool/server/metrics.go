package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "echopool"

// Metrics holds Prometheus collectors for the dispatcher and the worker pool.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   *prometheus.CounterVec // label: reason
	Messages            prometheus.Counter
	ReplyFailures       prometheus.Counter
	QueueDepth          prometheus.Gauge
	BusyWorkers         prometheus.Gauge
	Workers             prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections by reason",
		}, []string{"reason"}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Total number of received messages",
		}),
		ReplyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reply_failures_total",
			Help:      "Total number of replies that could not be written",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Connections accepted and waiting for a worker",
		}),
		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "busy_workers",
			Help:      "Workers currently serving a connection",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers",
			Help:      "Workers started",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsAccepted,
			m.ConnectionsClosed,
			m.Messages,
			m.ReplyFailures,
			m.QueueDepth,
			m.BusyWorkers,
			m.Workers,
		)
	}
	return m
}

func (m *Metrics) connectionClosed(reason CloseReason) {
	m.ConnectionsClosed.WithLabelValues(string(reason)).Inc()
}
