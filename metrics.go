package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the sync layer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	eventsReceived     *prometheus.CounterVec
	eventsDropped      *prometheus.CounterVec
	reconnectAttempts  prometheus.Counter
	reconnectExhausted prometheus.Counter
	sends              *prometheus.CounterVec
	connectionState    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_received_total",
			Help:      "Inbound events received on the event channel.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Inbound events or messages dropped before reaching the store.",
		}, []string{"reason"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after an unexpected closure.",
		}),
		reconnectExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_exhausted_total",
			Help:      "Times every reconnect attempt failed.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Message submissions by outcome.",
		}, []string{"outcome"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsReceived,
			m.eventsDropped,
			m.reconnectAttempts,
			m.reconnectExhausted,
			m.sends,
			m.connectionState,
		)
	}
	return m
}

func (m *Metrics) eventReceived(eventType string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) reconnecting() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) exhausted() {
	if m == nil {
		return
	}
	m.reconnectExhausted.Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) state(s ConnState) {
	if m == nil {
		return
	}
	for _, v := range []ConnState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		val := 0.0
		if v == s {
			val = 1
		}
		m.connectionState.WithLabelValues(string(v)).Set(val)
	}
}
