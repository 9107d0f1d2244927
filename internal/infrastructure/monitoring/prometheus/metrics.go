// Package prometheus exports training metrics: epochs run, fit durations,
// best scores, and run outcomes.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrainingMetrics implements the pipeline's TrainMetrics interface over a
// Prometheus registry.
type TrainingMetrics struct {
	epochsTotal *prometheus.CounterVec
	fitDuration *prometheus.HistogramVec
	bestScore   *prometheus.GaugeVec
	runsTotal   *prometheus.CounterVec
	registry    *prometheus.Registry
}

// NewTrainingMetrics builds and registers the training metric set under
// namespace on a fresh registry.
func NewTrainingMetrics(namespace string) *TrainingMetrics {
	reg := prometheus.NewRegistry()
	m := &TrainingMetrics{
		epochsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_epochs_total",
			Help:      "Fit increments performed, by model type.",
		}, []string{"model_type"}),
		fitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "train_fit_duration_seconds",
			Help:      "Duration of one fit increment.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"model_type"}),
		bestScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_best_valid_score",
			Help:      "Fold-averaged validation score of the selected best epoch.",
		}, []string{"model_type"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_runs_total",
			Help:      "Completed training runs, by outcome.",
		}, []string{"status"}),
		registry: reg,
	}
	reg.MustRegister(m.epochsTotal, m.fitDuration, m.bestScore, m.runsTotal)
	return m
}

// Registry exposes the backing registry for exposition.
func (m *TrainingMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFitDuration records the duration of one fit increment.
func (m *TrainingMetrics) ObserveFitDuration(kind string, d time.Duration) {
	m.fitDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// AddEpochs counts completed fit increments.
func (m *TrainingMetrics) AddEpochs(kind string, n int) {
	m.epochsTotal.WithLabelValues(kind).Add(float64(n))
}

// SetBestScore records the chosen epoch's validation score.
func (m *TrainingMetrics) SetBestScore(kind string, score float64) {
	m.bestScore.WithLabelValues(kind).Set(score)
}

// IncRuns counts a run outcome: "completed" or "failed".
func (m *TrainingMetrics) IncRuns(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}
