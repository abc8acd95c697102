package metrics

// Metric name constants following Prometheus naming conventions
// Format: relay_{component}_{metric}_{unit}

// Messaging metrics
const (
	MetricMessagesSent       = "relay_messages_sent_total"
	MetricMessagesDelivered  = "relay_messages_delivered_total"
	MetricDeliveryFailures   = "relay_delivery_failures_total"
	MetricMessagesDeadLetter = "relay_messages_dead_lettered_total"
	MetricQueueDepth         = "relay_queue_depth"
	MetricOldestPendingAge   = "relay_queue_oldest_pending_age_seconds"
	MetricDeliveryDuration   = "relay_delivery_duration_seconds"
	MetricProcessingDuration = "relay_processing_duration_seconds"
	MetricAckTimeouts        = "relay_ack_timeouts_total"
	MetricReconnectAttempts  = "relay_reconnect_attempts_total"
	MetricSyncConflicts      = "relay_sync_conflicts_total"
	MetricSyncResyncs        = "relay_sync_resyncs_total"
	MetricStoreRecoveries    = "relay_queue_recoveries_total"
	MetricEnqueueRejections  = "relay_enqueue_rejections_total"
)

// Label name constants
const (
	LabelType     = "type"
	LabelPriority = "priority"
	LabelReason   = "reason"
)

// Enqueue rejection reasons
const (
	ReasonQueueFull = "queue_full"
)
