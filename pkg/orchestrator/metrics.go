package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "tasks",
		Name:      "total",
		Help:      "Tasks by final status and error kind",
	}, []string{"status", "error_kind"})

	metricTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookingd",
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Wall-clock task duration",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookingd",
		Subsystem: "steps",
		Name:      "total",
		Help:      "Step executions by outcome",
	}, []string{"status"})
)
