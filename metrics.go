package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of one Messenger. Collectors are
// registered on the Registerer passed to NewMetrics.
type Metrics struct {
	eventsDropped   *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	sendTimeouts    prometheus.Counter
	reconnects      prometheus.Counter
	connectionState prometheus.Gauge
	backfills       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil
// reg registers on a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped because they failed validation.",
		}, []string{"event"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_reconciled_total",
			Help:      "Messages merged into the store, by source and outcome.",
		}, []string{"source", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "status_transitions_total",
			Help:      "Status transitions by event and outcome.",
		}, []string{"event", "outcome"}),
		sendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_timeouts_total",
			Help:      "Messages failed locally for lack of an ack.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Socket reconnect attempts.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected.",
		}),
		backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "backfill_fetches_total",
			Help:      "REST backfill page fetches by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.eventsDropped,
		m.reconciled,
		m.transitions,
		m.sendTimeouts,
		m.reconnects,
		m.connectionState,
		m.backfills,
	)
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	switch s {
	case StateConnecting:
		m.connectionState.Set(1)
	case StateConnected:
		m.connectionState.Set(2)
	default:
		m.connectionState.Set(0)
	}
}
