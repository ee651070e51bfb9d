package engine

import "github.com/prometheus/client_golang/prometheus"

const (
	labelStatus = "status"
	labelStage  = "stage"
)

// Metrics are the orchestrator's prometheus collectors.
type Metrics struct {
	WorkflowsStarted  prometheus.Counter
	WorkflowsFinished *prometheus.CounterVec
	WorkflowsRunning  prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	PushListeners     prometheus.Gauge
	TaskPanics        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentchain_workflows_started_total",
			Help: "Number of workflows accepted for execution",
		}),
		WorkflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchain_workflows_finished_total",
			Help: "Number of workflows that reached a terminal status",
		}, []string{labelStatus}),
		WorkflowsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentchain_workflows_running",
			Help: "Number of workflows currently held by the orchestrator",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentchain_stage_duration_seconds",
			Help:    "Duration of a single stage generation call",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{labelStage, labelStatus}),
		PushListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentchain_push_listeners",
			Help: "Number of connected push channel listeners",
		}),
		TaskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentchain_task_panics_total",
			Help: "Number of workflow tasks that panicked",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.WorkflowsStarted,
			m.WorkflowsFinished,
			m.WorkflowsRunning,
			m.StageDuration,
			m.PushListeners,
			m.TaskPanics,
		)
	}
	return m
}
