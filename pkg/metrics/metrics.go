package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LogsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intakelog_logs_recorded_total",
		Help: "Log calls accepted by the logger",
	}, []string{"level"})

	LogsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intakelog_logs_dropped_total",
		Help: "Log entries dropped before reaching the store",
	}, []string{"reason"})

	PendingLogs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intakelog_pending_logs",
		Help: "Entries waiting in memory for the next flush",
	})

	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intakelog_flushes_total",
		Help: "Flushes of pending entries to the durable store",
	}, []string{"status"})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intakelog_flush_duration_seconds",
		Help:    "Time taken to persist a flush",
		Buckets: prometheus.DefBuckets,
	})

	UploadBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intakelog_upload_batches_total",
		Help: "Upload batches processed, by log type and outcome",
	}, []string{"log_type", "status"})

	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intakelog_upload_duration_seconds",
		Help:    "Time taken to upload one batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"log_type"})

	UploadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intakelog_upload_queue_depth",
		Help: "Batches waiting in the upload queue",
	})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intakelog_dead_lettered_logs_total",
		Help: "Entries excluded from upload after too many failed attempts",
	})
)
