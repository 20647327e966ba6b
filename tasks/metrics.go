package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_tasks_submitted_total",
	Help: "The total number of deferred tasks submitted",
}, []string{"kind"})

var tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_tasks_processed_total",
	Help: "The total number of deferred task attempts, by outcome",
}, []string{"kind", "result"})

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "warden_task_duration_seconds",
	Help:    "Time spent in task handlers",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
}, []string{"kind"})
