package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MessagingMetrics tracks delivery pipeline metrics
type MessagingMetrics struct {
	messagesSent       *prometheus.CounterVec
	messagesDelivered  *prometheus.CounterVec
	deliveryFailures   *prometheus.CounterVec
	deadLettered       *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	oldestPendingAge   *prometheus.GaugeVec
	deliveryDuration   *prometheus.HistogramVec
	processingDuration *prometheus.HistogramVec
	ackTimeouts        *prometheus.CounterVec
	reconnectAttempts  *prometheus.CounterVec
	syncConflicts      *prometheus.CounterVec
	syncResyncs        *prometheus.CounterVec
	queueRecoveries    *prometheus.CounterVec
	enqueueRejections  *prometheus.CounterVec
}

// NewMessagingMetrics initializes messaging metrics with the collector
func NewMessagingMetrics(collector *Collector) *MessagingMetrics {
	return &MessagingMetrics{
		messagesSent: collector.RegisterCounter(
			MetricMessagesSent,
			"Total number of messages accepted by sendMessage",
			[]string{LabelType, LabelPriority},
		),
		messagesDelivered: collector.RegisterCounter(
			MetricMessagesDelivered,
			"Total number of messages successfully delivered",
			[]string{LabelType, LabelPriority},
		),
		deliveryFailures: collector.RegisterCounter(
			MetricDeliveryFailures,
			"Total number of failed delivery attempts",
			[]string{LabelType, LabelPriority},
		),
		deadLettered: collector.RegisterCounter(
			MetricMessagesDeadLetter,
			"Total number of messages dead-lettered after exhausting retries",
			[]string{LabelType, LabelPriority},
		),
		queueDepth: collector.RegisterGauge(
			MetricQueueDepth,
			"Current number of messages in the in-memory queue",
			nil,
		),
		oldestPendingAge: collector.RegisterGauge(
			MetricOldestPendingAge,
			"Age of the oldest pending message in seconds",
			nil,
		),
		deliveryDuration: collector.RegisterHistogram(
			MetricDeliveryDuration,
			"Duration of single delivery attempts in seconds",
			nil,
			prometheus.DefBuckets,
		),
		processingDuration: collector.RegisterHistogram(
			MetricProcessingDuration,
			"Duration of full processing passes in seconds",
			nil,
			prometheus.DefBuckets,
		),
		ackTimeouts: collector.RegisterCounter(
			MetricAckTimeouts,
			"Total number of acknowledgments failed by timeout",
			nil,
		),
		reconnectAttempts: collector.RegisterCounter(
			MetricReconnectAttempts,
			"Total number of reconnection attempts",
			nil,
		),
		syncConflicts: collector.RegisterCounter(
			MetricSyncConflicts,
			"Total number of vector-clock conflicts detected",
			nil,
		),
		syncResyncs: collector.RegisterCounter(
			MetricSyncResyncs,
			"Total number of full resynchronization passes",
			nil,
		),
		queueRecoveries: collector.RegisterCounter(
			MetricStoreRecoveries,
			"Total number of queue rebuilds from the durable store",
			nil,
		),
		enqueueRejections: collector.RegisterCounter(
			MetricEnqueueRejections,
			"Total number of sendMessage rejections",
			[]string{LabelReason},
		),
	}
}

// RecordSent records an accepted message
func (m *MessagingMetrics) RecordSent(msgType, priority string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType, priority).Inc()
}

// RecordDelivered records a successful delivery and its duration
func (m *MessagingMetrics) RecordDelivered(msgType, priority string, duration time.Duration) {
	if m == nil {
		return
	}
	m.messagesDelivered.WithLabelValues(msgType, priority).Inc()
	m.deliveryDuration.WithLabelValues().Observe(duration.Seconds())
}

// RecordDeliveryFailure records a failed delivery attempt
func (m *MessagingMetrics) RecordDeliveryFailure(msgType, priority string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(msgType, priority).Inc()
}

// RecordDeadLetter records a dead-lettered message
func (m *MessagingMetrics) RecordDeadLetter(msgType, priority string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(msgType, priority).Inc()
}

// RecordProcessingPass records the duration of one processing pass
func (m *MessagingMetrics) RecordProcessingPass(duration time.Duration) {
	if m == nil {
		return
	}
	m.processingDuration.WithLabelValues().Observe(duration.Seconds())
}

// UpdateQueueDepth updates the queue depth gauge
func (m *MessagingMetrics) UpdateQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues().Set(float64(depth))
}

// UpdateOldestPendingAge updates the oldest pending message age gauge
func (m *MessagingMetrics) UpdateOldestPendingAge(age time.Duration) {
	if m == nil {
		return
	}
	m.oldestPendingAge.WithLabelValues().Set(age.Seconds())
}

// RecordAckTimeout records an acknowledgment timeout
func (m *MessagingMetrics) RecordAckTimeout() {
	if m == nil {
		return
	}
	m.ackTimeouts.WithLabelValues().Inc()
}

// RecordReconnectAttempt records a reconnection attempt
func (m *MessagingMetrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues().Inc()
}

// RecordSyncConflict records a detected vector-clock conflict
func (m *MessagingMetrics) RecordSyncConflict() {
	if m == nil {
		return
	}
	m.syncConflicts.WithLabelValues().Inc()
}

// RecordResync records a full resynchronization pass
func (m *MessagingMetrics) RecordResync() {
	if m == nil {
		return
	}
	m.syncResyncs.WithLabelValues().Inc()
}

// RecordQueueRecovery records a queue rebuild from the durable store
func (m *MessagingMetrics) RecordQueueRecovery() {
	if m == nil {
		return
	}
	m.queueRecoveries.WithLabelValues().Inc()
}

// RecordEnqueueRejection records a rejected sendMessage call
func (m *MessagingMetrics) RecordEnqueueRejection(reason string) {
	if m == nil {
		return
	}
	m.enqueueRejections.WithLabelValues(reason).Inc()
}
