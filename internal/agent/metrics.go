package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	currentJobsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgepool_agent_current_jobs",
		Help: "Number of jobs currently being processed",
	})
	maxConcurrencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgepool_agent_max_concurrency",
		Help: "Maximum number of concurrent jobs",
	})
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgepool_agent_jobs_total",
		Help: "Jobs handled by outcome (completed, failed, rejected)",
	}, []string{"outcome"})
	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgepool_agent_job_duration_seconds",
		Help:    "Duration of jobs in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// RegisterMetrics registers the agent collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(currentJobsGauge, maxConcurrencyGauge, jobsTotal, jobDuration)
}
