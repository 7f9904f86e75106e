package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the charging-service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	ticksApplied     prometheus.Counter
	ticksSkipped     *prometheus.CounterVec
	energyDelivered  prometheus.Counter
	persistFaults    prometheus.Counter
	relayFaults      *prometheus.CounterVec
	telemetryDropped prometheus.Counter
}

// New registers collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charging_sessions_started_total",
				Help: "Session start requests by outcome (created, reconciled, rejected)",
			},
			[]string{"outcome"},
		),
		sessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charging_sessions_closed_total",
				Help: "Closed sessions by end trigger",
			},
			[]string{"trigger"},
		),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "charging_sessions_active",
			Help: "Sessions currently metered by this process",
		}),
		ticksApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "charging_metering_ticks_applied_total",
			Help: "Metering ticks that accrued energy",
		}),
		ticksSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charging_metering_ticks_skipped_total",
				Help: "Metering ticks skipped by reason",
			},
			[]string{"reason"},
		),
		energyDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "charging_energy_delivered_kwh_total",
			Help: "Energy accrued across all sessions in kWh",
		}),
		persistFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "charging_ledger_persist_faults_total",
			Help: "Failed attempts to persist metering values",
		}),
		relayFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "charging_relay_faults_total",
				Help: "Failed relay publish attempts by commanded state",
			},
			[]string{"state"},
		),
		telemetryDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "charging_telemetry_dropped_total",
			Help: "Telemetry payloads dropped as unparsable",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(outcome string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionClosed(trigger string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(trigger).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionDetached() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) TickApplied(incrementKWh float64) {
	if m == nil {
		return
	}
	m.ticksApplied.Inc()
	m.energyDelivered.Add(incrementKWh)
}

func (m *Metrics) TickSkipped(reason string) {
	if m == nil {
		return
	}
	m.ticksSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PersistFault() {
	if m == nil {
		return
	}
	m.persistFaults.Inc()
}

func (m *Metrics) RelayFault(state string) {
	if m == nil {
		return
	}
	m.relayFaults.WithLabelValues(state).Inc()
}

func (m *Metrics) TelemetryDropped() {
	if m == nil {
		return
	}
	m.telemetryDropped.Inc()
}
