package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metrics for the allocation saga service.
type Metrics struct {
	SagaDuration         *prometheus.HistogramVec
	SagaOutcomes         *prometheus.CounterVec
	StepFailures         *prometheus.CounterVec
	CompensationFailures *prometheus.CounterVec
	SweepScanned         prometheus.Counter
	SweepClaimed         prometheus.Counter
	ResolutionActions    *prometheus.CounterVec
	gatherer             prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Saga execution duration in seconds by saga type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga_type"}),
		SagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_outcomes_total",
			Help: "Total finished saga executions by saga type and final status.",
		}, []string{"saga_type", "status"}),
		StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_failures_total",
			Help: "Total forward step failures by saga type and step.",
		}, []string{"saga_type", "step"}),
		CompensationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensation_failures_total",
			Help: "Total compensation step failures by saga type and step.",
		}, []string{"saga_type", "step"}),
		SweepScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_sweep_scanned_total",
			Help: "Total orphan candidates examined by recovery sweeps.",
		}),
		SweepClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_sweep_claimed_total",
			Help: "Total orphaned sagas claimed by recovery sweeps.",
		}),
		ResolutionActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_resolution_actions_total",
			Help: "Total manual resolution actions by action type.",
		}, []string{"action"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagaDuration,
		m.SagaOutcomes,
		m.StepFailures,
		m.CompensationFailures,
		m.SweepScanned,
		m.SweepClaimed,
		m.ResolutionActions,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveSagaDuration records end-to-end saga duration.
func (m *Metrics) ObserveSagaDuration(sagaType string, d time.Duration) {
	m.SagaDuration.WithLabelValues(sagaType).Observe(d.Seconds())
}

// IncSagaOutcome increments the outcome counter for a finished saga.
func (m *Metrics) IncSagaOutcome(sagaType, status string) {
	m.SagaOutcomes.WithLabelValues(sagaType, status).Inc()
}

// IncStepFailure increments the forward step failure counter.
func (m *Metrics) IncStepFailure(sagaType, step string) {
	m.StepFailures.WithLabelValues(sagaType, step).Inc()
}

// IncCompensationFailure increments the compensation step failure counter.
func (m *Metrics) IncCompensationFailure(sagaType, step string) {
	m.CompensationFailures.WithLabelValues(sagaType, step).Inc()
}

// ObserveSweep records the outcome of one recovery sweep.
func (m *Metrics) ObserveSweep(scanned, claimed int) {
	m.SweepScanned.Add(float64(scanned))
	m.SweepClaimed.Add(float64(claimed))
}

// IncResolutionAction increments the manual resolution action counter.
func (m *Metrics) IncResolutionAction(action string) {
	m.ResolutionActions.WithLabelValues(action).Inc()
}
