// Package metrics exposes Prometheus collectors for the kernel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the kernel collectors on a dedicated registry so tests can
// construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	CommandInvocations *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	IdempotentReplays  prometheus.Counter
	ValidationFailures *prometheus.CounterVec
	PolicyDenials      *prometheus.CounterVec
	FeatureMounts      *prometheus.CounterVec
	FeatureCrashes     *prometheus.CounterVec
	OverlayOpens       *prometheus.CounterVec
	OverlayDenials     *prometheus.CounterVec
}

// New creates and registers the kernel collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		CommandInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "bus",
				Name:      "invocations_total",
				Help:      "Total command invocations handled by the bus.",
			},
			[]string{"app", "action", "status"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kernel",
				Subsystem: "bus",
				Name:      "invocation_duration_seconds",
				Help:      "Duration of command invocations including adapter execution.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"app", "action"},
		),
		IdempotentReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "bus",
				Name:      "idempotent_replays_total",
				Help:      "Invocations answered from the idempotency cache.",
			},
		),
		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "bus",
				Name:      "validation_failures_total",
				Help:      "Invocations rejected by parameter validation.",
			},
			[]string{"app", "action"},
		),
		PolicyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "policy",
				Name:      "denials_total",
				Help:      "Invocations denied by the policy guard.",
			},
			[]string{"reason"},
		),
		FeatureMounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "features",
				Name:      "mounts_total",
				Help:      "Feature mount attempts by outcome.",
			},
			[]string{"feature", "outcome"},
		),
		FeatureCrashes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "features",
				Name:      "crashes_total",
				Help:      "Contained feature crashes.",
			},
			[]string{"feature"},
		),
		OverlayOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "overlay",
				Name:      "opens_total",
				Help:      "Overlay open operations by key.",
			},
			[]string{"key"},
		),
		OverlayDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kernel",
				Subsystem: "overlay",
				Name:      "denials_total",
				Help:      "Overlay opens denied by auth or role gating.",
			},
			[]string{"key", "reason"},
		),
	}

	m.Registry.MustRegister(
		m.CommandInvocations,
		m.CommandDuration,
		m.IdempotentReplays,
		m.ValidationFailures,
		m.PolicyDenials,
		m.FeatureMounts,
		m.FeatureCrashes,
		m.OverlayOpens,
		m.OverlayDenials,
	)
	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
