package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors exported by the service. All
// methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry        *prometheus.Registry
	samplesTotal    *prometheus.CounterVec
	sessionsRunning prometheus.Gauge
	accruedTax      *prometheus.GaugeVec
	transmitErrors  *prometheus.CounterVec
}

// Sample results.
const (
	ResultAccepted   = "accepted"
	ResultMalformed  = "malformed"
	ResultIgnored    = "ignored"
	ResultUnroutable = "unroutable"
)

// New builds and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "co2live_samples_total",
			Help: "Samples received, by processing result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "co2live_sessions_running",
			Help: "Sessions currently live or disconnected.",
		}),
		accruedTax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "co2live_accrued_tax",
			Help: "Accumulated environmental tax per session.",
		}, []string{"session"}),
		transmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "co2live_transmit_errors_total",
			Help: "Failed snapshot transmissions, by transmitter.",
		}, []string{"transmitter"}),
	}
	m.registry.MustRegister(
		m.samplesTotal,
		m.sessionsRunning,
		m.accruedTax,
		m.transmitErrors,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveSample(result string) {
	if m == nil {
		return
	}
	m.samplesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetSessionsRunning(n int) {
	if m == nil {
		return
	}
	m.sessionsRunning.Set(float64(n))
}

func (m *Metrics) SetAccruedTax(sessionID string, v float64) {
	if m == nil {
		return
	}
	m.accruedTax.WithLabelValues(sessionID).Set(v)
}

// ForgetSession drops the per-session series once a session is disposed.
func (m *Metrics) ForgetSession(sessionID string) {
	if m == nil {
		return
	}
	m.accruedTax.DeleteLabelValues(sessionID)
}

func (m *Metrics) TransmitFailed(name string) {
	if m == nil {
		return
	}
	m.transmitErrors.WithLabelValues(name).Inc()
}
