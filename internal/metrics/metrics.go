package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the client-side collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	InboundEvents     *prometheus.CounterVec
	DuplicatesDropped prometheus.Counter
	OrphansDropped    *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_client_connection_state",
			Help: "Transport state (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 failed, 5 closed)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_client_reconnect_attempts_total",
			Help: "Reconnect attempts made by the transport manager",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_client_inbound_events_total",
			Help: "Real-time events received, by type",
		}, []string{"type"}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_client_duplicate_messages_total",
			Help: "new_message events dropped because the id was already cached",
		}),
		OrphansDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_client_orphan_events_total",
			Help: "Events dropped because the target message is not cached",
		}, []string{"type"}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_client_api_requests_total",
			Help: "REST requests, by method and outcome",
		}, []string{"method", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectionState, m.ReconnectAttempts, m.InboundEvents,
			m.DuplicatesDropped, m.OrphansDropped, m.APIRequests)
	}
	return m
}

func (m *Metrics) SetState(v int) {
	if m != nil {
		m.ConnectionState.Set(float64(v))
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) Inbound(event string) {
	if m != nil {
		m.InboundEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.DuplicatesDropped.Inc()
	}
}

func (m *Metrics) Orphan(event string) {
	if m != nil {
		m.OrphansDropped.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) APIRequest(method, outcome string) {
	if m != nil {
		m.APIRequests.WithLabelValues(method, outcome).Inc()
	}
}

// Handler returns an http.Handler for Prometheus scraping
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
