package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector()
	require.NotNil(t, collector)
	assert.NotNil(t, collector.GetRegistry())
}

func TestRegisterCounter(t *testing.T) {
	collector := NewCollector()
	counter := collector.RegisterCounter("test_counter", "Test counter", []string{"label1"})
	require.NotNil(t, counter)

	// Registering again under the same name must fail
	err := collector.GetRegistry().Register(counter)
	assert.Error(t, err)
}

func TestRegisterGauge(t *testing.T) {
	collector := NewCollector()
	gauge := collector.RegisterGauge("test_gauge", "Test gauge", nil)
	require.NotNil(t, gauge)

	err := collector.GetRegistry().Register(gauge)
	assert.Error(t, err)
}

func TestRegisterHistogram_DefaultBuckets(t *testing.T) {
	collector := NewCollector()
	histogram := collector.RegisterHistogram("test_histogram", "Test histogram", nil, nil)
	require.NotNil(t, histogram)

	err := collector.GetRegistry().Register(histogram)
	assert.Error(t, err)
}

func TestMessagingMetrics_Counters(t *testing.T) {
	collector := NewCollector()
	m := NewMessagingMetrics(collector)

	m.RecordSent("TASK", "HIGH")
	m.RecordSent("TASK", "HIGH")
	m.RecordDelivered("TASK", "HIGH", 10*time.Millisecond)
	m.RecordDeliveryFailure("TASK", "LOW")
	m.RecordDeadLetter("TASK", "LOW")
	m.RecordAckTimeout()
	m.RecordEnqueueRejection(ReasonQueueFull)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("TASK", "HIGH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesDelivered.WithLabelValues("TASK", "HIGH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures.WithLabelValues("TASK", "LOW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettered.WithLabelValues("TASK", "LOW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ackTimeouts.WithLabelValues()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueueRejections.WithLabelValues(ReasonQueueFull)))
}

func TestMessagingMetrics_Gauges(t *testing.T) {
	collector := NewCollector()
	m := NewMessagingMetrics(collector)

	m.UpdateQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth.WithLabelValues()))

	m.UpdateOldestPendingAge(90 * time.Second)
	assert.Equal(t, 90.0, testutil.ToFloat64(m.oldestPendingAge.WithLabelValues()))
}

func TestMessagingMetrics_NilSafe(t *testing.T) {
	var m *MessagingMetrics

	assert.NotPanics(t, func() {
		m.RecordSent("TASK", "HIGH")
		m.RecordDelivered("TASK", "HIGH", time.Millisecond)
		m.RecordProcessingPass(time.Millisecond)
		m.UpdateQueueDepth(1)
		m.RecordReconnectAttempt()
		m.RecordSyncConflict()
		m.RecordResync()
		m.RecordQueueRecovery()
	})
}
