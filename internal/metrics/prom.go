package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/edgepool/internal/registry"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgepool_build_info",
			Help: "Build information",
		},
		[]string{"component", "date", "sha", "version"},
	)

	workersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgepool_workers",
			Help: "Registered workers by status",
		},
		[]string{"status"},
	)

	workerLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgepool_worker_load",
			Help: "Current load factor per worker",
		},
		[]string{"worker_id"},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgepool_tasks_total",
			Help: "Resolved tasks by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgepool_tasks_in_flight",
			Help: "Tasks submitted and not yet resolved",
		},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgepool_dispatch_duration_seconds",
			Help:    "Time from dispatch to resolution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker_id", "model"},
	)

	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgepool_probe_failures_total",
			Help: "Failed liveness probes per worker",
		},
		[]string{"worker_id"},
	)

	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgepool_worker_evictions_total",
			Help: "Workers unregistered after repeated probe failures",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, workersByStatus, workerLoad, tasksTotal, tasksInFlight, dispatchDuration, probeFailures, evictions)
}

// SetBuildInfo sets the build info metric for a component.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, date, sha, version).Set(1)
}

// TaskStarted marks a submitted task as in flight.
func TaskStarted() { tasksInFlight.Inc() }

// TaskFinished records a resolved task. outcome is "completed" or a failure kind.
func TaskFinished(model, outcome string) {
	tasksInFlight.Dec()
	tasksTotal.WithLabelValues(model, outcome).Inc()
}

// ObserveDispatch records how long a task ran on a worker.
func ObserveDispatch(workerID, model string, d time.Duration) {
	dispatchDuration.WithLabelValues(workerID, model).Observe(d.Seconds())
}

// RecordProbeFailure counts a failed probe.
func RecordProbeFailure(workerID string) { probeFailures.WithLabelValues(workerID).Inc() }

// RecordEviction counts an automatic unregistration.
func RecordEviction() { evictions.Inc() }

// WatchRegistry keeps the worker gauges in step with reg.
func WatchRegistry(reg *registry.Registry) {
	sync := func() {
		counts := map[registry.Status]int{
			registry.StatusOnline:      0,
			registry.StatusOffline:     0,
			registry.StatusMaintenance: 0,
			registry.StatusOverloaded:  0,
		}
		for _, w := range reg.Snapshot() {
			counts[w.Status]++
		}
		for s, n := range counts {
			workersByStatus.WithLabelValues(string(s)).Set(float64(n))
		}
	}
	reg.OnChange(func(ev registry.Event) {
		switch ev.Type {
		case registry.EventRemoved:
			workerLoad.DeleteLabelValues(ev.Worker.ID)
			probeFailures.DeleteLabelValues(ev.Worker.ID)
		default:
			workerLoad.WithLabelValues(ev.Worker.ID).Set(ev.Worker.Load)
		}
		sync()
	})
	sync()
}
