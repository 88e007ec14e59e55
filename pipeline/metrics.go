package pipeline

import (
	"github.com/poiesic/kgraph/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the executor's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	items        *prometheus.CounterVec
	failures     *prometheus.CounterVec
	deduplicated prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgraph",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kgraph",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgraph",
			Subsystem: "pipeline",
			Name:      "task_items_total",
			Help:      "Items emitted by each task.",
		}, []string{"task"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kgraph",
			Subsystem: "pipeline",
			Name:      "task_errors_total",
			Help:      "Task failures that aborted a run.",
		}, []string{"task", "code"}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kgraph",
			Subsystem: "pipeline",
			Name:      "runs_deduplicated_total",
			Help:      "Submissions answered by an existing run.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.runs, m.duration, m.items, m.failures, m.deduplicated} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeRun(run *core.PipelineRun) {
	if m == nil {
		return
	}
	status := string(run.Status)
	m.runs.WithLabelValues(status).Inc()
	if !run.StartedAt.IsZero() && !run.EndedAt.IsZero() {
		m.duration.WithLabelValues(status).Observe(run.EndedAt.Sub(run.StartedAt).Seconds())
	}
}

func (m *Metrics) observeItem(task string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(task).Inc()
}

func (m *Metrics) observeFailure(task string, err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(task, core.Code(err)).Inc()
}

func (m *Metrics) observeDedup() {
	if m == nil {
		return
	}
	m.deduplicated.Inc()
}
