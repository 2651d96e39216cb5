package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyworker_jobs_total",
			Help: "Total number of jobs handled, by operation and terminal status",
		},
		[]string{"operation", "status"},
	)

	JobFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyworker_job_failures_total",
			Help: "Total number of failed jobs by error kind",
		},
		[]string{"operation", "error_kind"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyworker_job_duration_seconds",
			Help:    "Duration of a job from receipt to terminal result",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyworker_stage_duration_seconds",
			Help:    "Duration of each job stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		},
		[]string{"operation", "stage"},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyworker_jobs_active",
			Help: "Number of jobs currently being processed",
		},
	)

	EngineQueueRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyworker_engine_queue_remaining",
			Help: "Prompts remaining in the ComfyUI queue as last reported by the engine",
		},
	)

	EngineProgress = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comfyworker_engine_progress_steps_total",
			Help: "Sampler steps reported by the engine",
		},
	)

	ResultDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyworker_result_deliveries_total",
			Help: "Job results posted back to the platform, by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
