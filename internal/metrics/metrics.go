// Package metrics holds the Prometheus instrumentation for the access engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the access decision engine.
type Metrics struct {
	// Decision metrics
	DecisionTotal    *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	DegradedTotal    *prometheus.CounterVec

	// Scoring metrics
	BehavioralScore prometheus.Histogram
	ContextScore    prometheus.Histogram

	// Threat metrics
	PredictionsEmitted *prometheus.CounterVec
	PredictorAccuracy  prometheus.Gauge
	PredictorFPR       prometheus.Gauge

	// Adaptive metrics
	PolicyEffectiveness *prometheus.GaugeVec
	AdjustmentsApplied  *prometheus.CounterVec
}

// New creates and registers all engine metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		DecisionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_decisions_total",
				Help: "Total access decisions rendered",
			},
			[]string{"decision", "policy_id"},
		),
		DecisionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "access_decision_duration_seconds",
				Help:    "Latency of a single decision evaluation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		DegradedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_decisions_degraded_total",
				Help: "Decisions rendered with a missing input signal",
			},
			[]string{"signal"}, // behavioral, context, threat
		),
		BehavioralScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "access_behavioral_score",
				Help:    "Behavioral risk scores at decision time",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		ContextScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "access_context_score",
				Help:    "Context scores at decision time",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		PredictionsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threat_predictions_emitted_total",
				Help: "Threat predictions that passed the confidence filter",
			},
			[]string{"type"},
		),
		PredictorAccuracy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "threat_predictor_accuracy",
				Help: "Fraction of resolved predictions confirmed as incidents",
			},
		),
		PredictorFPR: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "threat_predictor_false_positive_rate",
				Help: "Fraction of resolved predictions marked false positive",
			},
		),
		PolicyEffectiveness: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "policy_effectiveness",
				Help: "Current effectiveness score per policy",
			},
			[]string{"policy_id"},
		),
		AdjustmentsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_adjustments_total",
				Help: "Adaptive policy adjustments by disposition",
			},
			[]string{"disposition"}, // applied, rolled_back
		),
	}
}

// ObserveBusEvent maps bus event types onto their counters. Unrecognized
// types are ignored so the caller can feed it the raw stream.
func (m *Metrics) ObserveBusEvent(eventType string, data map[string]interface{}) {
	switch eventType {
	case "access.threat.predicted":
		threatType, _ := data["type"].(string)
		m.PredictionsEmitted.WithLabelValues(threatType).Inc()
	case "access.policy.changed":
		m.AdjustmentsApplied.WithLabelValues("applied").Inc()
	case "access.policy.rolled_back":
		m.AdjustmentsApplied.WithLabelValues("rolled_back").Inc()
	}
}

// ObserveDecision records the counters and histograms for one decision.
func (m *Metrics) ObserveDecision(decision, policyID string, behavioral, context float64, degraded []string, seconds float64) {
	m.DecisionTotal.WithLabelValues(decision, policyID).Inc()
	m.DecisionDuration.WithLabelValues(decision).Observe(seconds)
	m.BehavioralScore.Observe(behavioral)
	m.ContextScore.Observe(context)
	for _, signal := range degraded {
		m.DegradedTotal.WithLabelValues(signal).Inc()
	}
}
