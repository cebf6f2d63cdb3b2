package orchestration

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	started      *prometheus.CounterVec
	finished     *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	queued       prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagemeta",
			Name:      "instances_started_total",
			Help:      "Workflow instances started.",
		}, []string{"workflow"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagemeta",
			Name:      "instances_finished_total",
			Help:      "Workflow instances that reached a terminal status.",
		}, []string{"workflow", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagemeta",
			Name:      "activity_calls_total",
			Help:      "Activity invocations by result.",
		}, []string{"activity", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imagemeta",
			Name:      "activity_duration_seconds",
			Help:      "Activity invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"activity"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imagemeta",
			Name:      "ready_queue_length",
			Help:      "Instances waiting for a worker.",
		}),
	}

	for _, c := range []prometheus.Collector{m.started, m.finished, m.steps, m.stepDuration, m.queued} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering engine metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) instanceStarted(workflow string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(workflow).Inc()
}

func (m *Metrics) instanceFinished(workflow string, status Status) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(workflow, string(status)).Inc()
}

func (m *Metrics) activityCalled(activity string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.steps.WithLabelValues(activity, result).Inc()
	m.stepDuration.WithLabelValues(activity).Observe(elapsed.Seconds())
}

func (m *Metrics) queueLength(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}
