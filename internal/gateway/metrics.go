package gateway

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cloudvars/server/internal/cloudvar"
)

// Metrics holds the gateway's Prometheus instruments on a private
// registry so tests can build handlers without colliding collectors.
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	Mutations   *prometheus.CounterVec
	Outcomes    *prometheus.CounterVec
	Closes      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudvars",
			Name:      "open_connections",
			Help:      "Open websocket connections.",
		}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudvars",
			Name:      "mutations_total",
			Help:      "Accepted cloud variable mutations by method.",
		}, []string{"method"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudvars",
			Name:      "mutation_outcomes_total",
			Help:      "Mutation frame outcomes: applied, ignored, or rejected.",
		}, []string{"outcome"}),
		Closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudvars",
			Name:      "session_closes_total",
			Help:      "Server-initiated session closes by close code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.Connections, m.Mutations, m.Outcomes, m.Closes)
	return m
}

// observeRooms registers live room and member gauges backed by the
// given counter functions. Called once by NewHandler.
func (m *Metrics) observeRooms(roomCount, memberCount func() int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cloudvars",
			Name:      "live_rooms",
			Help:      "Rooms with at least one attached connection.",
		}, func() float64 { return float64(roomCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cloudvars",
			Name:      "attached_connections",
			Help:      "Connections attached to a room.",
		}, func() float64 { return float64(memberCount()) }),
	)
}

func (m *Metrics) countOutcome(o cloudvar.Outcome) {
	m.Outcomes.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) countClose(code int) {
	m.Closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

// HTTPHandler serves the /metrics scrape endpoint.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
