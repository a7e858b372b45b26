package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsLeased   *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
}

// NewMetrics registers the worker metrics with reg. A nil reg leaves them
// unregistered, which suits tests and one-shot runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsLeased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contextbot_worker_jobs_leased_total",
			Help: "Jobs leased from the queue by kind",
		}, []string{"kind"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "contextbot_worker_jobs_finished_total",
			Help: "Jobs finished by kind and outcome (done or failed)",
		}, []string{"kind", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contextbot_worker_job_duration_seconds",
			Help:    "Wall time spent on a job, model call included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
	}
}
