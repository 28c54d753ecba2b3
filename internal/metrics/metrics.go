// Package metrics exposes Prometheus instruments for the crew coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the instruments the coordinator records during a run.
// Each collector owns its registry so tests and repeated construction
// do not collide on metric registration.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  prometheus.Histogram

	workerLaunches     *prometheus.CounterVec
	workerLaunchErrors *prometheus.CounterVec
	workersFinished    *prometheus.CounterVec
	workerFailures     *prometheus.CounterVec
	workerDuration     *prometheus.HistogramVec

	liveWorkers     prometheus.Gauge
	stalledWarnings *prometheus.CounterVec
	pollCycles      prometheus.Counter
}

// NewCollector creates a collector backed by a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry:  reg,
		startTime: time.Now(),
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "crew_runs_started_total",
			Help: "Total number of runs started",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_runs_finished_total",
			Help: "Total number of runs finished",
		}, []string{"state"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crew_run_duration_seconds",
			Help:    "Run duration from start to recorded outcome",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		workerLaunches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_worker_launches_total",
			Help: "Total worker launch attempts",
		}, []string{"worker"}),
		workerLaunchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_worker_launch_errors_total",
			Help: "Total worker launch failures",
		}, []string{"worker"}),
		workersFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_workers_finished_total",
			Help: "Total workers that reached a terminal state",
		}, []string{"worker", "state"}),
		workerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_worker_failures_total",
			Help: "Total worker failures by reason",
		}, []string{"reason"}),
		workerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crew_worker_duration_seconds",
			Help:    "Worker duration from launch to terminal state",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		}, []string{"worker"}),
		liveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crew_live_workers",
			Help: "Worker processes currently supervised",
		}),
		stalledWarnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crew_stalled_warnings_total",
			Help: "Stall warnings surfaced for silent workers",
		}, []string{"worker"}),
		pollCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "crew_poll_cycles_total",
			Help: "Status poll cycles executed by the coordinator",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "crew_uptime_seconds",
		Help: "Time since the coordinator process started",
	}, func() float64 {
		return time.Since(c.startTime).Seconds()
	})

	return c
}

// Registry returns the backing registry for HTTP exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRunStarted records a run entering the running state.
func (c *Collector) RecordRunStarted() {
	c.runsStarted.Inc()
}

// RecordRunFinished records a finished run with its final state.
func (c *Collector) RecordRunFinished(state string, duration time.Duration) {
	c.runsFinished.WithLabelValues(state).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// RecordLaunch records a worker launch attempt.
func (c *Collector) RecordLaunch(worker string, success bool) {
	c.workerLaunches.WithLabelValues(worker).Inc()
	if !success {
		c.workerLaunchErrors.WithLabelValues(worker).Inc()
	}
}

// RecordWorkerFinished records a worker reaching a terminal state.
func (c *Collector) RecordWorkerFinished(worker, state string, duration time.Duration) {
	c.workersFinished.WithLabelValues(worker, state).Inc()
	c.workerDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordFailure records a worker failure by reason.
func (c *Collector) RecordFailure(reason string) {
	c.workerFailures.WithLabelValues(reason).Inc()
}

// SetLiveWorkers records the number of supervised processes.
func (c *Collector) SetLiveWorkers(n int) {
	c.liveWorkers.Set(float64(n))
}

// RecordStall records a stall warning for a silent worker.
func (c *Collector) RecordStall(worker string) {
	c.stalledWarnings.WithLabelValues(worker).Inc()
}

// RecordPollCycle records one coordinator poll cycle.
func (c *Collector) RecordPollCycle() {
	c.pollCycles.Inc()
}
