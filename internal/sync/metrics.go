package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the controller. A nil *Metrics
// records nothing.
type Metrics struct {
	pushes        *prometheus.CounterVec
	runs          *prometheus.CounterVec
	applies       *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	driftTriggers prometheus.Counter
	driftFailing  prometheus.Gauge
	reverts       prometheus.Counter
}

// NewMetrics registers the controller metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		pushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composesyncd_pushes_total",
				Help: "Total number of pushes by gate decision",
			},
			[]string{"decision"},
		),

		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composesyncd_synthesis_runs_total",
				Help: "Total number of synthesis runs by trigger and result",
			},
			[]string{"trigger", "result"},
		),

		applies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composesyncd_stack_applies_total",
				Help: "Total number of stack applies by result",
			},
			[]string{"result"},
		),

		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "composesyncd_synthesis_duration_seconds",
				Help:    "Duration of synthesis runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
			[]string{"trigger"},
		),

		driftTriggers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "composesyncd_drift_triggers_total",
				Help: "Total number of environment changes that triggered a synthesis",
			},
		),

		driftFailing: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "composesyncd_drift_consecutive_failures",
				Help: "Number of drift runs in a row that failed, 0 after a clean check",
			},
		),

		reverts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "composesyncd_reverts_total",
				Help: "Total number of commits reverted after a failed synthesis",
			},
		),
	}
}

func (m *Metrics) recordPush(decision string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(decision).Inc()
}

func (m *Metrics) recordRun(run *Run, d time.Duration) {
	if m == nil {
		return
	}

	result := "success"
	switch {
	case run.Err != nil:
		result = "failure"
	case run.NoOp():
		result = "noop"
	}
	m.runs.WithLabelValues(string(run.Trigger), result).Inc()
	m.runDuration.WithLabelValues(string(run.Trigger)).Observe(d.Seconds())
}

func (m *Metrics) recordApply(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.applies.WithLabelValues(result).Inc()
}

func (m *Metrics) recordDriftTrigger() {
	if m == nil {
		return
	}
	m.driftTriggers.Inc()
}

func (m *Metrics) setDriftFailures(n int64) {
	if m == nil {
		return
	}
	m.driftFailing.Set(float64(n))
}

func (m *Metrics) recordRevert() {
	if m == nil {
		return
	}
	m.reverts.Inc()
}
