// Package metrics defines the Prometheus series exported by the dispatch
// pool and the batch system underneath it. All collectors are registered on
// the default registry via promauto and served by the /metrics endpoint in
// cmd/router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics

	// PoolMessagesProcessed tracks total messages processed by pool
	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by dispatch pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed, rate_limited
	)

	// PoolProcessingDuration tracks message processing duration
	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	// PoolActiveWorkers tracks number of active workers
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of active workers in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks queue depth (pending messages)
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of messages pending in the pool queue",
		},
		[]string{"pool_code"},
	)

	// PoolRateLimitRejections tracks rate limit rejections
	PoolRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "rate_limit_rejections_total",
			Help:      "Total messages rejected due to rate limiting",
		},
		[]string{"pool_code"},
	)

	// PoolAvailablePermits tracks available concurrency permits
	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Available concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount tracks active message groups
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of active message groups in the pool",
		},
		[]string{"pool_code"},
	)

	// Batch system metrics

	// BatchScheduleWaitDuration tracks how long an Fsm waited on a
	// scheduler channel before a poller picked it up
	BatchScheduleWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "batchsystem",
			Name:      "schedule_wait_duration_seconds",
			Help:      "Time an fsm spent queued on a scheduler channel before being picked up",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// BatchPollDuration tracks how long an fsm stayed resident in a
	// poller across all the rounds of one batch-owned stay
	BatchPollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "batchsystem",
			Name:      "poll_duration_seconds",
			Help:      "Time an fsm spent batch-owned before being released, removed, or rescheduled",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// BatchPollRoundCount tracks how many rounds an fsm survived in a
	// single batch-owned stay
	BatchPollRoundCount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "batchsystem",
			Name:      "poll_round_count",
			Help:      "Number of rounds an fsm was resident for in a single batch-owned stay",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		},
		[]string{"kind"},
	)

	// BatchCountPerPoll tracks how many normal FSMs were resident in a
	// poller's batch for a single round
	BatchCountPerPoll = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "batchsystem",
			Name:      "count_per_poll",
			Help:      "Number of normal fsms resident in a batch for a single round",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
		[]string{"kind"},
	)

	// BatchRescheduleTotal tracks why a poller moved an fsm back onto a
	// scheduler channel instead of releasing it to its mailbox
	BatchRescheduleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "batchsystem",
			Name:      "reschedule_total",
			Help:      "Total fsm reschedules, by reason",
		},
		[]string{"kind", "reason"}, // reason: priority_mismatch, hot
	)

	// BatchResourceThrottled tracks scheduling admissions a
	// ResourceController flagged as exceeding its configured rate
	BatchResourceThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "batchsystem",
			Name:      "resource_throttled_total",
			Help:      "Total scheduling admissions flagged as throttled by a resource controller",
		},
		[]string{"kind"},
	)
)
