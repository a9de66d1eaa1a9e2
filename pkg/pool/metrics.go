package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "sessions",
		Help:      "Browser sessions by lifecycle state",
	}, []string{"state"})

	metricReserved = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "reserved",
		Help:      "Session slots reserved for in-flight creations",
	})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Callers waiting for a session",
	})

	metricAcquires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "acquires_total",
		Help:      "Successful session acquisitions",
	})

	metricAcquireTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "acquire_timeouts_total",
		Help:      "Acquisitions abandoned before a session became available",
	})

	metricAcquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for a session",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "sessions_created_total",
		Help:      "Browser sessions started",
	})

	metricSessionsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "sessions_destroyed_total",
		Help:      "Browser sessions terminated",
	})

	metricCreateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "create_failures_total",
		Help:      "Failed browser session creations",
	})

	metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "pool",
		Name:      "health_probes_total",
		Help:      "Health probe outcomes",
	}, []string{"result"})
)
