package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process's prometheus collectors. A nil *Metrics is a
// valid no-op sink so tests can skip instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	openConnections prometheus.Gauge
	onlineUsers     prometheus.Gauge
	eventsDelivered *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	authFailures    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskhive_open_connections",
			Help: "Currently open websocket connections, authenticated or not.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskhive_online_users",
			Help: "Users with a live presence mapping.",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_events_delivered_total",
			Help: "Events written to local connections, by target type.",
		}, []string{"target"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskhive_events_dropped_total",
			Help: "Emits whose target was offline or empty.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhive_auth_failures_total",
			Help: "Rejected connection attempts, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.openConnections, m.onlineUsers, m.eventsDelivered, m.eventsDropped, m.authFailures)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) EventDelivered(target string, n int) {
	if m == nil {
		return
	}
	m.eventsDelivered.WithLabelValues(target).Add(float64(n))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}
