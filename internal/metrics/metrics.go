// Package metrics provides Prometheus metrics for the planner.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lpbf_planner"

// Metrics holds all Prometheus metrics for the planner. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Estimation
	TrainingRuns     *prometheus.CounterVec
	TrainingDuration *prometheus.HistogramVec
	ModelMAE         *prometheus.GaugeVec
	Predictions      *prometheus.CounterVec

	// Scheduling
	SchedulingRuns     prometheus.Counter
	NestingDecisions   *prometheus.CounterVec
	SchedulingDuration prometheus.Histogram
	BatchFillPercent   *prometheus.GaugeVec
}

// New registers the planner metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TrainingRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "training_runs_total",
				Help:      "Segment trainings by outcome (trained, insufficient_data, failed)",
			},
			[]string{"segment", "outcome"},
		),
		TrainingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "training_duration_seconds",
				Help:      "Time to fit and persist both models of a segment",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
			},
			[]string{"family"},
		),
		ModelMAE: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_mae",
				Help:      "Mean absolute error of the last trained model",
			},
			[]string{"segment", "target"},
		),
		Predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Estimates served by status (ok, not_trained)",
			},
			[]string{"status"},
		),
		SchedulingRuns: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduling_runs_total",
				Help:      "Completed batch scheduling runs",
			},
		),
		NestingDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nesting_decisions_total",
				Help:      "Nesting decisions by kind",
			},
			[]string{"kind"},
		),
		SchedulingDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduling_duration_seconds",
				Help:      "Time to schedule one batch including persistence",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		BatchFillPercent: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_fill_percent",
				Help:      "Used platform surface after the last scheduling run",
			},
			[]string{"machine"},
		),
	}
}

// Handler returns the HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordTraining records one segment training outcome.
func (m *Metrics) RecordTraining(segment, outcome, family string, seconds float64) {
	if m == nil {
		return
	}
	m.TrainingRuns.WithLabelValues(segment, outcome).Inc()
	if family != "" {
		m.TrainingDuration.WithLabelValues(family).Observe(seconds)
	}
}

// RecordMAE stores the error estimate of a freshly trained model.
func (m *Metrics) RecordMAE(segment, target string, mae float64) {
	if m == nil {
		return
	}
	m.ModelMAE.WithLabelValues(segment, target).Set(mae)
}

// RecordPrediction counts one estimate.
func (m *Metrics) RecordPrediction(status string) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(status).Inc()
}

// RecordScheduling records one completed scheduling run.
func (m *Metrics) RecordScheduling(machine string, admitted, rejected int, fillPercent, seconds float64) {
	if m == nil {
		return
	}
	m.SchedulingRuns.Inc()
	m.NestingDecisions.WithLabelValues("admitted").Add(float64(admitted))
	m.NestingDecisions.WithLabelValues("rejected_capacity").Add(float64(rejected))
	m.SchedulingDuration.Observe(seconds)
	m.BatchFillPercent.WithLabelValues(machine).Set(fillPercent)
}
