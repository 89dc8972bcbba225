// Package metrics exposes Prometheus instrumentation for connection profiles.
package metrics

import (
	"errors"
	"time"

	"github.com/moolen/nosql/internal/connection"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for profile lifecycles.
type Metrics struct {
	StartsTotal    *prometheus.CounterVec   // Start attempts by profile, backend and result
	Active         *prometheus.GaugeVec     // 1 while a profile is Active
	StartDuration  *prometheus.HistogramVec // Time spent in Service.Start by backend
	RestartsTotal  *prometheus.CounterVec   // Automatic restarts after failed health checks
	HealthFailures *prometheus.CounterVec   // Failed health pings
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nosql_connection_starts_total",
			Help: "Connection start attempts, labelled by result (ok, driver, credentials, setup, session, error)",
		}, []string{"profile", "backend", "result"}),
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nosql_connection_active",
			Help: "Whether a connection profile is currently active",
		}, []string{"profile", "backend"}),
		StartDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nosql_connection_start_duration_seconds",
			Help:    "Duration of connection starts",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"backend"}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nosql_connection_restarts_total",
			Help: "Automatic restarts of connection profiles",
		}, []string{"profile"}),
		HealthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nosql_connection_health_failures_total",
			Help: "Failed health checks of active connection profiles",
		}, []string{"profile"}),
	}

	reg.MustRegister(m.StartsTotal, m.Active, m.StartDuration, m.RestartsTotal, m.HealthFailures)
	return m
}

// ObserveStart records the outcome of one Service.Start.
func (m *Metrics) ObserveStart(profile, backend string, elapsed time.Duration, err error) {
	m.StartsTotal.WithLabelValues(profile, backend, Result(err)).Inc()
	m.StartDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	m.SetActive(profile, backend, err == nil)
}

// SetActive sets the active gauge for a profile.
func (m *Metrics) SetActive(profile, backend string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.Active.WithLabelValues(profile, backend).Set(v)
}

// Forget drops all series of a removed profile.
func (m *Metrics) Forget(profile string) {
	labels := prometheus.Labels{"profile": profile}
	m.StartsTotal.DeletePartialMatch(labels)
	m.Active.DeletePartialMatch(labels)
	m.RestartsTotal.DeletePartialMatch(labels)
	m.HealthFailures.DeletePartialMatch(labels)
}

// Result classifies a start error into a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, connection.ErrDriverUnavailable):
		return "driver"
	case errors.Is(err, connection.ErrCredentialsUnavailable):
		return "credentials"
	case errors.Is(err, connection.ErrSessionOpenFailed):
		return "session"
	case errors.Is(err, connection.ErrConnectionSetupFailed):
		return "setup"
	default:
		return "error"
	}
}
