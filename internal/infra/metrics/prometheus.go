package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionmesh_jobs_processed_total",
		Help: "Total number of jobs reaching a terminal state, by status",
	}, []string{"status"})

	JobStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "actionmesh_job_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actionmesh_frames_extracted_total",
		Help: "Total number of frames extracted across all submissions",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "actionmesh_queue_depth",
		Help: "Number of jobs waiting for admission",
	})

	RunningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "actionmesh_running_jobs",
		Help: "Number of jobs currently holding a concurrency slot",
	})

	SubmissionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "actionmesh_submissions_rejected_total",
		Help: "Total number of submissions rejected by validation",
	})
)
