// Package metrics defines the Prometheus collectors of the content store core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

// Storage metrics.
var (
	// S3OperationsTotal counts S3 calls by operation and status.
	S3OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstore_s3_operations_total",
			Help: "S3 operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	// S3OperationDuration observes S3 call latency in seconds.
	S3OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vstore_s3_operation_duration_seconds",
			Help:    "S3 operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// CacheLookupsTotal counts descriptor cache lookups by store and result (hit/miss).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstore_descriptor_cache_lookups_total",
			Help: "Descriptor cache lookups",
		},
		[]string{"store", "result"},
	)
)

// Lock and job metrics.
var (
	// LockAcquisitionsTotal counts lock attempts by result (granted/conflict/error).
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstore_lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts",
		},
		[]string{"result"},
	)

	BinariesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vstore_binaries_deleted_total",
			Help: "Unreferenced binaries removed by the cleanup job",
		},
	)

	EventsProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstore_events_produced_total",
			Help: "Events published by the event production job",
		},
		[]string{"mode"},
	)

	// JobState exposes the loop state of each running job as a number, see jobs.State.
	JobState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vstore_job_state",
			Help: "Current loop state of a job (0 idle, 1 scanning, 2 processing, 3 waiting, 4 cancelled)",
		},
		[]string{"job"},
	)
)

// Register registers all collectors with the default registry. It is safe to
// call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			S3OperationsTotal,
			S3OperationDuration,
			CacheLookupsTotal,
			LockAcquisitionsTotal,
			BinariesDeletedTotal,
			EventsProducedTotal,
			JobState,
		)
	})
}
