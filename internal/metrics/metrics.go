package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventsourcekit_messages_enqueued_total",
		Help: "Total number of messages placed on the processing queue.",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventsourcekit_messages_dropped_total",
		Help: "Total number of messages rejected due to a full queue.",
	})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsourcekit_pipeline_runs_total",
		Help: "Total number of pipeline runs, labelled by outcome and the stage a failed run stopped in.",
	}, []string{"outcome", "stage"})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventsourcekit_duplicate_events_total",
		Help: "Total number of messages whose event was already committed.",
	})

	CommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventsourcekit_commit_failures_total",
		Help: "Total number of transactions the store refused to commit.",
	})

	SnapshotsTaken = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsourcekit_snapshots_total",
		Help: "Total number of snapshot computations, labelled by snapshotter and status.",
	}, []string{"snapshotter", "status"})

	SnapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventsourcekit_snapshot_duration_ms",
		Help:    "Take plus persist latency per snapshotter in milliseconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"snapshotter"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventsourcekit_pipeline_duration_ms",
		Help:    "End-to-end message handling latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventsourcekit_queue_utilization_ratio",
		Help: "Current message queue utilization (0-1).",
	})

	SourceMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsourcekit_source_messages_total",
		Help: "Messages consumed from brokers, labelled by source and outcome.",
	}, []string{"source", "outcome"})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsourcekit_snapshot_cache_requests_total",
		Help: "Snapshot cache operations, labelled by operation and result.",
	}, []string{"op", "result"})
)
