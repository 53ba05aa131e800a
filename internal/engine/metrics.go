package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dangazineu/kiln/internal/interfaces"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runs              *prometheus.CounterVec
	activeRuns        prometheus.Gauge
	transitions       *prometheus.CounterVec
	errors            *prometheus.CounterVec
	repairs           *prometheus.CounterVec
	repairUnmatched   prometheus.Counter
	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	teardowns         *prometheus.CounterVec
	watchPolls        *prometheus.CounterVec
	retries           *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: status (succeeded, failed, exhausted, cancelled, step_limit)
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status",
		}, []string{"status"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiln",
			Name:      "active_runs",
			Help:      "Runs currently in progress",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "stage_transitions_total",
			Help:      "Stage handler invocations",
		}, []string{"stage"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "errors_total",
			Help:      "Classified failures by kind",
		}, []string{"kind"}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "repairs_total",
			Help:      "Repair attempts by stage and result",
		}, []string{"stage", "result"}),
		repairUnmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "repair_unmatched_total",
			Help:      "Code repairs whose filename matched no artifact",
		}),
		// Labels: outcome (success, failed, long_running)
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "execute",
			Name:      "outcomes_total",
			Help:      "Build and run cycles by outcome",
		}, []string{"outcome"}),
		executionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kiln",
			Subsystem: "execute",
			Name:      "duration_seconds",
			Help:      "Duration of one build and run cycle",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "execute",
			Name:      "teardowns_total",
			Help:      "Teardowns by result",
		}, []string{"result"}),
		// Labels: result (clean, error, not_found, internal)
		watchPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Subsystem: "watch",
			Name:      "polls_total",
			Help:      "Log tail polls by result",
		}, []string{"result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiln",
			Name:      "collaborator_retries_total",
			Help:      "Retried collaborator calls by stage",
		}, []string{"stage"}),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(status string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) transition(stage Stage) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(stage.String()).Inc()
}

func (m *Metrics) errorRecorded(kind interfaces.ErrorKind) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) repair(stage Stage, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.repairs.WithLabelValues(stage.String(), result).Inc()
}

func (m *Metrics) unmatchedRepair() {
	if m == nil {
		return
	}
	m.repairUnmatched.Inc()
}

func (m *Metrics) execution(out Outcome, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case out.Err != nil:
		outcome = "failed"
	case out.LongRunning:
		outcome = "long_running"
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.executionDuration.Observe(d.Seconds())
}

func (m *Metrics) teardown(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.teardowns.WithLabelValues(result).Inc()
}

func (m *Metrics) watchPoll(result string) {
	if m == nil {
		return
	}
	m.watchPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) retry(stage Stage) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage.String()).Inc()
}
