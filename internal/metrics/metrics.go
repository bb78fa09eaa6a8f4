// Package metrics содержит Prometheus-метрики портала.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Исходы запроса на переход.
const (
	OutcomeOK                = "ok"
	OutcomeUnauthorized      = "unauthorized"
	OutcomeNotFound          = "not_found"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomeError             = "error"
)

// Metrics содержит метрики сервиса на собственном реестре.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	submitted   prometheus.Counter
}

// New создаёт и регистрирует метрики.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanportal",
			Name:      "transitions_total",
			Help:      "Application status transition requests by action and outcome.",
		}, []string{"action", "outcome"}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanportal",
			Name:      "applications_submitted_total",
			Help:      "Applications accepted for processing.",
		}),
	}

	m.registry.MustRegister(
		m.transitions,
		m.submitted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveTransition учитывает запрос на переход.
func (m *Metrics) ObserveTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

// ObserveSubmit учитывает принятую заявку.
func (m *Metrics) ObserveSubmit() {
	if m == nil {
		return
	}
	m.submitted.Inc()
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
