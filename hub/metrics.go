package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// Metrics instruments a hub. A nil *Metrics records nothing.
type Metrics struct {
	writes        prometheus.Counter
	transactions  *prometheus.CounterVec
	events        *prometheus.CounterVec
	subscriptions prometheus.Gauge
	calls         *prometheus.CounterVec
	connections   prometheus.Gauge
}

// NewMetrics creates the hub collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mimo",
			Subsystem: "hub",
			Name:      "writes_total",
			Help:      "Number of committed writes.",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimo",
			Subsystem: "hub",
			Name:      "compare_and_set_total",
			Help:      "Compare-and-set rounds by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimo",
			Subsystem: "hub",
			Name:      "events_delivered_total",
			Help:      "Subscription events delivered by kind.",
		}, []string{"kind"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mimo",
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Active subscriptions.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimo",
			Subsystem: "hub",
			Name:      "function_calls_total",
			Help:      "Server-side function calls by function and outcome.",
		}, []string{"function", "outcome"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mimo",
			Subsystem: "hub",
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
	}
	reg.MustRegister(m.writes, m.transactions, m.events, m.subscriptions, m.calls, m.connections)
	return m
}

func (m *Metrics) write() {
	if m != nil {
		m.writes.Inc()
	}
}

func (m *Metrics) transaction(outcome string) {
	if m != nil {
		m.transactions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) event(kind remote.EventKind) {
	if m != nil {
		m.events.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) subscribed(delta float64) {
	if m != nil {
		m.subscriptions.Add(delta)
	}
}

func (m *Metrics) call(function, outcome string) {
	if m != nil {
		m.calls.WithLabelValues(function, outcome).Inc()
	}
}

func (m *Metrics) connected(delta float64) {
	if m != nil {
		m.connections.Add(delta)
	}
}
