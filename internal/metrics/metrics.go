// Package metrics exposes run outcomes to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

const namespace = "subsentry"

// Collector records workflow progress. It implements supervisor.Observer.
type Collector struct {
	active   prometheus.Gauge
	steps    *prometheus.CounterVec
	runs     *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	refresh  prometheus.Counter
}

// NewCollector registers the workflow collectors with reg. A nil reg uses
// the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "runs_active",
			Help:      "Number of workflow runs in progress.",
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "steps_entered_total",
			Help:      "Workflow steps entered, by step.",
		}, []string{"step"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Finished workflow runs by action, outcome and status.",
		}, []string{"action", "outcome", "status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "run_errors_total",
			Help:      "Finished workflow runs that carried an error, by code.",
		}, []string{"code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}, []string{"action"}),
		refresh: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "stagnation_refreshes_total",
			Help:      "Page refreshes triggered by the stagnation watchdog.",
		}),
	}
}

// StepEntered counts a step transition.
func (c *Collector) StepEntered(run schemas.WorkflowRun) {
	if run.CurrentStep == schemas.StepStarting {
		c.active.Inc()
	}
	c.steps.WithLabelValues(string(run.CurrentStep)).Inc()
}

// RunFinished records the terminal result of a run.
func (c *Collector) RunFinished(res *schemas.RunResult) {
	c.active.Dec()
	c.runs.WithLabelValues(string(res.Action), string(res.Outcome), string(res.Status)).Inc()
	if res.Error != nil {
		c.errors.WithLabelValues(string(res.Error.Code)).Inc()
	}
	c.duration.WithLabelValues(string(res.Action)).Observe(float64(res.DurationMs) / 1000)
	if res.Refreshes > 0 {
		c.refresh.Add(float64(res.Refreshes))
	}
}
