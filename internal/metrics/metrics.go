// Package metrics holds the Prometheus collectors shared by the queue, the
// resource cache and the generation lock. HTTP request metrics live in httpapi.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gend"

var (
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs accepted by the queue",
		},
		[]string{"kind", "origin"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time from Processing to a terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_jobs",
			Help:      "Jobs waiting for the worker",
		},
	)

	LockHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "genlock",
			Name:      "held",
			Help:      "1 while the generation lock is held",
		},
	)

	LockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "genlock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the generation lock",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	CacheLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "loads_total",
			Help:      "Resource constructions by class and result",
		},
		[]string{"class", "result"},
	)

	CacheUnloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "unloads_total",
			Help:      "Resources disposed by class and reason",
		},
		[]string{"class", "reason"},
	)

	CacheResident = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "resident",
			Help:      "Resources currently loaded",
		},
		[]string{"class"},
	)

	CacheConstructDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "construct_seconds",
			Help:      "Time spent constructing a resource",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsFinished, JobDuration, QueueDepth,
		LockHeld, LockWait,
		CacheLoads, CacheUnloads, CacheResident, CacheConstructDuration,
	)
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
