// Package metrics holds the Prometheus metrics for the fleet controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ReportsTotal        *prometheus.CounterVec
	ReportBytesTotal    *prometheus.CounterVec
	ReportsDroppedTotal *prometheus.CounterVec
	AlertsTotal         prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	EventsDropped       prometheus.Counter
	Subscribers         prometheus.Gauge
	AgentsByStatus      *prometheus.GaugeVec
	CommandTransitions  *prometheus.CounterVec
	DeliveryErrors      prometheus.Counter
	SweepDuration       *prometheus.HistogramVec
}

// New creates a Metrics instance registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_reports_total",
			Help: "Total number of reports accepted, by category",
		}, []string{"category"}),
		ReportBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_report_bytes_total",
			Help: "Total payload bytes of accepted reports, by category",
		}, []string{"category"}),
		ReportsDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_reports_dropped_total",
			Help: "Total number of reports dropped, by reason",
		}, []string{"reason"}),
		AlertsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fleet_alerts_total",
			Help: "Total number of alerts raised from high-priority reports",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_events_published_total",
			Help: "Total number of events published, by topic",
		}, []string{"topic"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "fleet_subscriber_events_dropped_total",
			Help: "Total number of events dropped from slow subscriber queues",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_subscribers",
			Help: "Number of live event bus subscriptions",
		}),
		AgentsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_agents",
			Help: "Number of agents, by status",
		}, []string{"status"}),
		CommandTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_command_transitions_total",
			Help: "Total number of command state transitions, by target state",
		}, []string{"state"}),
		DeliveryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fleet_command_delivery_errors_total",
			Help: "Total number of failed push delivery attempts",
		}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_sweep_duration_seconds",
			Help:    "Duration of background sweeps",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
	}
}

// IncReport records an accepted report.
func (m *Metrics) IncReport(category string, bytes int) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(category).Inc()
	m.ReportBytesTotal.WithLabelValues(category).Add(float64(bytes))
}

// IncReportDropped records a dropped report.
func (m *Metrics) IncReportDropped(reason string) {
	if m == nil {
		return
	}
	m.ReportsDroppedTotal.WithLabelValues(reason).Inc()
}

// IncAlert records a raised alert.
func (m *Metrics) IncAlert() {
	if m == nil {
		return
	}
	m.AlertsTotal.Inc()
}

// IncEventPublished records a published event.
func (m *Metrics) IncEventPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// IncEventDropped records an event dropped from a subscriber queue.
func (m *Metrics) IncEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// AddSubscribers adjusts the live subscription gauge.
func (m *Metrics) AddSubscribers(delta float64) {
	if m == nil {
		return
	}
	m.Subscribers.Add(delta)
}

// MoveAgent shifts one agent between status gauges. Empty from means a new agent, empty to a removal.
func (m *Metrics) MoveAgent(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.AgentsByStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.AgentsByStatus.WithLabelValues(to).Inc()
	}
}

// IncCommandTransition records a command entering state.
func (m *Metrics) IncCommandTransition(state string) {
	if m == nil {
		return
	}
	m.CommandTransitions.WithLabelValues(state).Inc()
}

// IncDeliveryError records a failed push delivery attempt.
func (m *Metrics) IncDeliveryError() {
	if m == nil {
		return
	}
	m.DeliveryErrors.Inc()
}

// ObserveSweep records how long a sweep took.
func (m *Metrics) ObserveSweep(sweep string, seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(sweep).Observe(seconds)
}
