// Package metrics provides Prometheus metrics collection for KeyGate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the server. A nil *Metrics
// is safe to call; recording becomes a no-op, which keeps the enforcement
// paths usable in tests without a registry.
type Metrics struct {
	registry *prometheus.Registry

	validationsTotal  *prometheus.CounterVec
	sweepPurgedTotal  *prometheus.CounterVec
	cascadesTotal     *prometheus.CounterVec
	duesAcceptedUnits prometheus.Counter
	maintenanceRuns   prometheus.Counter
}

// New creates the server metrics and registers them on a fresh registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		validationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_license_validations_total",
			Help: "License validation calls by result.",
		}, []string{"result"}),
		sweepPurgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_sweep_purged_total",
			Help: "Records purged by the TTL sweeper, by record kind.",
		}, []string{"kind"}),
		cascadesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_cascade_deactivations_total",
			Help: "Cascade deactivations triggered by the grace evaluator, by tier kind.",
		}, []string{"kind"}),
		duesAcceptedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_dues_accepted_units_total",
			Help: "Billable units settled through due acceptance.",
		}),
		maintenanceRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_maintenance_runs_total",
			Help: "Completed maintenance passes (sweep plus grace evaluation).",
		}),
	}

	collectors := []prometheus.Collector{
		m.validationsTotal,
		m.sweepPurgedTotal,
		m.cascadesTotal,
		m.duesAcceptedUnits,
		m.maintenanceRuns,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the underlying registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordValidation counts one validation call by result label
// (accepted, key_not_found, deactivated, unpaid, expired, device_conflict,
// error).
func (m *Metrics) RecordValidation(result string) {
	if m == nil {
		return
	}
	m.validationsTotal.WithLabelValues(result).Inc()
}

// RecordSweepPurge counts records removed by the sweeper.
func (m *Metrics) RecordSweepPurge(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepPurgedTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordCascade counts one grace-driven cascade deactivation.
func (m *Metrics) RecordCascade(kind string) {
	if m == nil {
		return
	}
	m.cascadesTotal.WithLabelValues(kind).Inc()
}

// RecordDuesAccepted counts settled billable units.
func (m *Metrics) RecordDuesAccepted(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.duesAcceptedUnits.Add(float64(units))
}

// RecordMaintenanceRun counts one completed maintenance pass.
func (m *Metrics) RecordMaintenanceRun() {
	if m == nil {
		return
	}
	m.maintenanceRuns.Inc()
}
