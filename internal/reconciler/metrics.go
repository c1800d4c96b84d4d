/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package reconciler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records what reconciliation passes did. The registry is private to
// the process and exported in the text exposition format, which suits a job
// that runs one pass and exits: the node-exporter textfile collector picks
// the file up between runs.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	changedFields prometheus.Gauge
	pushRetries   prometheus.Counter
	runDuration   prometheus.Gauge
}

// NewMetrics returns a Metrics with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ami_reconciler_runs_total",
			Help: "Reconciliation passes by outcome.",
		}, []string{"outcome"}),
		changedFields: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ami_reconciler_changed_fields",
			Help: "Number of cluster file fields the last pass updated.",
		}),
		pushRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ami_reconciler_push_retries_total",
			Help: "Publishes replayed after a conditional push rejection.",
		}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ami_reconciler_run_duration_seconds",
			Help: "Wall clock duration of the last pass.",
		}),
	}
}

// ObserveRun records the result of one pass.
func (m *Metrics) ObserveRun(summary Summary, took time.Duration, err error) {
	outcome := "error"
	if err == nil {
		outcome = summary.Outcome.Status.String()
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.changedFields.Set(float64(len(summary.Outcome.ChangedFields)))
	if summary.Outcome.Retried {
		m.pushRetries.Inc()
	}
	m.runDuration.Set(took.Seconds())
}

// WriteTextfile writes the registry to path for the textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
