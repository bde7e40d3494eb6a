package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRecorded tracks newly persisted events per stream
	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_events_recorded_total",
			Help: "Total number of events persisted for the first time",
		},
		[]string{"stream"},
	)

	// EventsDuplicate tracks events that were already recorded
	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_events_duplicate_total",
			Help: "Total number of redelivered events ignored by persistence",
		},
		[]string{"stream"},
	)

	// HandlerFailures tracks domain handler errors per event type
	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_handler_failures_total",
			Help: "Total number of domain handler failures",
		},
		[]string{"event_type"},
	)

	// BatchesCommitted tracks batches that advanced the cursor
	BatchesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_batches_committed_total",
			Help: "Total number of batches that advanced the stream cursor",
		},
		[]string{"stream"},
	)

	// BatchFailures tracks aborted batches
	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_batch_failures_total",
			Help: "Total number of aborted batches",
		},
		[]string{"stream"},
	)

	// StreamCursorBlock tracks the cursor block per stream
	StreamCursorBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contestwatch_stream_cursor_block",
			Help: "Block number of the persisted stream cursor",
		},
		[]string{"stream"},
	)

	// StreamLag tracks blocks between the confirmed tip and the cursor
	StreamLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contestwatch_stream_lag_blocks",
			Help: "Confirmed blocks not yet ingested per stream",
		},
		[]string{"stream"},
	)

	// ScanInterval tracks the wait the pipeline picked before its next tick
	ScanInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contestwatch_scan_interval_seconds",
			Help: "Current adaptive scan interval per stream",
		},
		[]string{"stream"},
	)

	// GapJumpsTotal tracks jumps toward the tip that handed a window to replay
	GapJumpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_gap_jumps_total",
			Help: "Total number of lag jumps",
		},
		[]string{"stream"},
	)

	// GapJumpSize tracks the number of blocks skipped per jump
	GapJumpSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contestwatch_gap_jump_size_blocks",
			Help:    "Blocks handed to replay per lag jump",
			Buckets: prometheus.ExponentialBuckets(100, 4, 8),
		},
		[]string{"stream"},
	)

	// ChainLatestBlock tracks the latest block height of the chain
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contestwatch_chain_latest_block",
			Help: "Latest block height of the chain",
		},
		[]string{"chain"},
	)

	// RPCCallsTotal tracks event source RPC calls
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "method"},
	)

	// RPCErrorsTotal tracks event source RPC errors
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "method"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contestwatch_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// JobsDispatched tracks dispatch outcomes per family
	JobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_jobs_dispatched_total",
			Help: "Total number of job dispatch attempts",
		},
		[]string{"family", "result"},
	)

	// JobsProcessed tracks worker outcomes per family
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contestwatch_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		},
		[]string{"family", "result"},
	)

	// QueueStatus is 1 for the current queue client status
	QueueStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contestwatch_queue_status",
			Help: "Queue client status (1 for the active status)",
		},
		[]string{"status"},
	)

	// DBConnectionPoolUsage tracks the share of open connections in percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contestwatch_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool size",
		},
	)
)
