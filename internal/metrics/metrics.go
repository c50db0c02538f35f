package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_tasks_enqueued_total",
			Help: "Total number of tasks admitted to the queue, by priority tier.",
		},
		[]string{"priority"},
	)

	TasksLeasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_tasks_leased_total",
			Help: "Total number of task leases handed to workers.",
		},
	)

	TasksResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_tasks_resolved_total",
			Help: "Total number of task resolutions by outcome.",
		},
		[]string{"outcome"}, // succeeded, requeued, deadlettered, lease_lost
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgrid_retries_total",
			Help: "Total number of task retries by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, no_egress, other
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_deadletters_total",
			Help: "Total number of tasks moved to the dead-letter state.",
		},
	)

	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_leases_reclaimed_total",
			Help: "Total number of expired leases returned to the queue by the sweeper.",
		},
	)

	WorkersPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_workers_purged_total",
			Help: "Total number of dead worker records purged by the sweeper.",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgrid_heartbeats_total",
			Help: "Total number of worker heartbeats recorded.",
		},
	)

	ExecuteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawlgrid_execute_duration_seconds",
			Help:    "Wall time spent inside the execution capability per lease.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlgrid_queue_depth",
			Help: "Number of queued tasks eligible for leasing, by priority tier.",
		},
		[]string{"priority"},
	)

	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlgrid_tasks_by_state",
			Help: "Number of task records by lifecycle state.",
		},
		[]string{"state"},
	)

	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlgrid_workers_by_status",
			Help: "Number of registered workers by status.",
		},
		[]string{"status"},
	)

	ThroughputPerMinute = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgrid_throughput_per_minute",
			Help: "Tasks completed in the trailing one-minute window.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksEnqueuedTotal,
		TasksLeasedTotal,
		TasksResolvedTotal,
		RetriesTotal,
		DeadLettersTotal,
		LeasesReclaimedTotal,
		WorkersPurgedTotal,
		HeartbeatsTotal,
		ExecuteDuration,
		QueueDepth,
		TasksByState,
		WorkersByStatus,
		ThroughputPerMinute,
	)
}
