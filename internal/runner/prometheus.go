package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bgtasks_tasks_processed_total",
		Help: "Total number of tasks run to a terminal status",
	}, []string{"group", "status"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bgtasks_task_duration_seconds",
		Help:    "Time spent invoking a task handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	batchFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bgtasks_batch_fetch_duration_seconds",
		Help:    "Time taken to fetch a batch of eligible tasks",
		Buckets: prometheus.DefBuckets,
	})

	tasksPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgtasks_tasks_purged_total",
		Help: "Total number of old succeeded tasks removed by the retention sweep",
	})

	purgeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgtasks_purge_failures_total",
		Help: "Total number of failed retention sweeps",
	})
)
