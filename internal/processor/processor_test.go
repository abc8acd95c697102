package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questforge/relay/internal/ack"
	"github.com/questforge/relay/internal/connectivity"
	"github.com/questforge/relay/internal/delivery"
	"github.com/questforge/relay/internal/message"
	"github.com/questforge/relay/internal/metrics"
	"github.com/questforge/relay/internal/queue"
	"github.com/questforge/relay/internal/remote"
	"github.com/questforge/relay/internal/schema"
	"github.com/questforge/relay/internal/store"
	relaysync "github.com/questforge/relay/internal/sync"
)

// fakeBackend is an in-memory remote.Backend with failure injection
type fakeBackend struct {
	mu             sync.Mutex
	failInsert     bool
	communications []remote.CommunicationRecord
	sequences      map[string]remote.SequenceRecord
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sequences: make(map[string]remote.SequenceRecord)}
}

func (f *fakeBackend) InsertCommunication(ctx context.Context, record remote.CommunicationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return errors.New("backend unavailable")
	}
	f.communications = append(f.communications, record)
	return nil
}

func (f *fakeBackend) UpsertSequence(ctx context.Context, record remote.SequenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences[record.MessageID] = record
	return nil
}

func (f *fakeBackend) GetSequence(ctx context.Context, messageID string) (*remote.SequenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.sequences[messageID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (f *fakeBackend) ListSequences(ctx context.Context) ([]remote.SequenceRecord, error) {
	return nil, nil
}

func (f *fakeBackend) UpsertSyncStatus(ctx context.Context, record remote.SyncStatusRecord) error {
	return nil
}

func (f *fakeBackend) ProbeSession(ctx context.Context) error {
	return nil
}

func (f *fakeBackend) setFailInsert(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInsert = fail
}

func (f *fakeBackend) inserted() []remote.CommunicationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.CommunicationRecord, len(f.communications))
	copy(out, f.communications)
	return out
}

// fakeNotifier is a hand-driven connectivity transition source
type fakeNotifier struct {
	ch chan bool
}

func (n *fakeNotifier) Events() <-chan bool { return n.ch }

type harness struct {
	proc    *Service
	backend *fakeBackend
	store   *store.Store
	queue   *queue.PriorityQueue
	acks    *ack.Tracker
	monitor *connectivity.Monitor
}

// slowCfg keeps every background ticker out of the test's way so ticks are
// driven by hand
func slowCfg() Config {
	return Config{
		TickInterval:     time.Hour,
		AckSweepInterval: time.Hour,
		GCInterval:       time.Hour,
		GCMaxAge:         time.Hour,
	}
}

func newHarness(t *testing.T, qcfg queue.Config) *harness {
	t.Helper()

	s := store.New(t.TempDir())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})

	backend := newFakeBackend()
	m := metrics.NewMessagingMetrics(metrics.NewCollector())
	acks := ack.NewTracker(s, qcfg.AckTimeout)
	deliverySvc := delivery.NewService(backend, s, acks, m)
	q := queue.New(qcfg)

	conn := connectivity.NewMonitor(s, backend, &fakeNotifier{ch: make(chan bool)}, connectivity.Config{
		InitialDelay: time.Hour,
		MaxDelay:     2 * time.Hour,
		Multiplier:   2.0,
		MaxAttempts:  3,
	}, m)

	syncSvc := relaysync.NewService("dm", s, backend, relaysync.TimestampResolver{}, 0, m)

	proc := NewService(slowCfg(), q, s, deliverySvc, acks, conn, syncSvc, schema.NewRegistry(), m)

	return &harness{
		proc:    proc,
		backend: backend,
		store:   s,
		queue:   q,
		acks:    acks,
		monitor: conn,
	}
}

func defaultQueueCfg() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.RetryDelay = 0
	return cfg
}

func sendContent(t *testing.T, h *harness, priority message.Priority, content string) string {
	t.Helper()

	before := make(map[string]struct{})
	for _, id := range h.queue.IDs() {
		before[id] = struct{}{}
	}

	ok, err := h.proc.SendMessage(context.Background(), "dm", "scribe", message.TypeTask, json.RawMessage(content), priority)
	require.NoError(t, err)
	require.True(t, ok)

	for _, id := range h.queue.IDs() {
		if _, seen := before[id]; !seen {
			return id
		}
	}
	t.Fatal("sent message not found in queue")
	return ""
}

func send(t *testing.T, h *harness, priority message.Priority) string {
	t.Helper()
	return sendContent(t, h, priority, `{"action":"narrate"}`)
}

func TestSendMessage_PersistsAndQueues(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	ok, err := h.proc.SendMessage(ctx, "dm", "scribe", message.TypeQuery, json.RawMessage(`{"q":"spell slots"}`), message.PriorityHigh)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Equal(t, 1, h.queue.Len())
	id := h.queue.IDs()[0]

	stored, err := h.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, stored.Status)
	assert.Equal(t, message.PriorityHigh, stored.Priority)

	// The message sequence was synchronized on send
	h.backend.mu.Lock()
	_, synced := h.backend.sequences[id]
	h.backend.mu.Unlock()
	assert.True(t, synced)
}

func TestSendMessage_RejectsInvalid(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())

	_, err := h.proc.SendMessage(context.Background(), "dm", "scribe", "GOSSIP", nil, message.PriorityLow)
	var invalid message.InvalidMessageError
	assert.ErrorAs(t, err, &invalid)

	_, err = h.proc.SendMessage(context.Background(), "", "scribe", message.TypeTask, nil, message.PriorityLow)
	assert.Error(t, err)
	assert.Equal(t, 0, h.queue.Len())
}

func TestSendMessage_SchemaValidation(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())

	taskSchema := []byte(`{"type":"object","required":["action"]}`)
	require.NoError(t, h.proc.schemas.Register(message.TypeTask, taskSchema))

	ok, err := h.proc.SendMessage(context.Background(), "dm", "scribe", message.TypeTask, json.RawMessage(`{"other":1}`), message.PriorityLow)
	assert.Error(t, err)
	assert.False(t, ok)

	ok, err = h.proc.SendMessage(context.Background(), "dm", "scribe", message.TypeTask, json.RawMessage(`{"action":"rest"}`), message.PriorityLow)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendMessage_QueueFull(t *testing.T) {
	cfg := defaultQueueCfg()
	cfg.MaxSize = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	ok, err := h.proc.SendMessage(ctx, "dm", "scribe", message.TypeTask, json.RawMessage(`{}`), message.PriorityLow)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.proc.SendMessage(ctx, "dm", "scribe", message.TypeTask, json.RawMessage(`{}`), message.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.queue.Len())

	// The rejected message leaves no record behind, so a restart cannot
	// resurrect it.
	pending, err := h.store.PendingMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, h.queue.IDs()[0], pending[0].ID)
}

func TestSendMessage_ConcurrentWithProcessing(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.proc.processTick(ctx)
		}
	}()

	const sends = 40
	for i := 0; i < sends; i++ {
		ok, err := h.proc.SendMessage(ctx, "dm", "scribe", message.TypeTask, json.RawMessage(`{}`), message.PriorityMedium)
		require.NoError(t, err)
		require.True(t, ok)
	}
	<-done

	// Drain whatever the concurrent passes left queued
	h.proc.processTick(ctx)

	assert.Equal(t, 0, h.queue.Len())
	sent, err := h.store.MessagesByStatus(ctx, message.StatusSent)
	require.NoError(t, err)
	assert.Len(t, sent, sends)
}

func TestProcessTick_DeliversInPriorityOrder(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	lowID := sendContent(t, h, message.PriorityLow, `{"step":"low"}`)
	highID := sendContent(t, h, message.PriorityHigh, `{"step":"high"}`)
	mediumID := sendContent(t, h, message.PriorityMedium, `{"step":"medium"}`)

	h.proc.processTick(ctx)

	assert.Equal(t, 0, h.queue.Len())

	// Every message delivered on its first attempt
	for _, id := range []string{lowID, highID, mediumID} {
		stored, err := h.store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, message.StatusSent, stored.Status)
		assert.Equal(t, 1, stored.Delivery.Attempts)

		record, err := h.acks.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, ack.StatusReceived, record.Status)
	}

	// Delivery order follows priority, not send order
	records := h.backend.inserted()
	require.Len(t, records, 3)
	assert.JSONEq(t, `{"step":"high"}`, string(records[0].Content))
	assert.JSONEq(t, `{"step":"medium"}`, string(records[1].Content))
	assert.JSONEq(t, `{"step":"low"}`, string(records[2].Content))

	status := h.proc.Status()
	assert.Equal(t, int64(3), status.TotalProcessed)
	assert.Equal(t, int64(0), status.FailedDeliveries)
}

func TestProcessTick_RetriesThenDeadLetters(t *testing.T) {
	cfg := defaultQueueCfg()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	id := send(t, h, message.PriorityHigh)
	h.backend.setFailInsert(true)

	// First pass: delivery fails, retry budget not yet exhausted
	h.proc.processTick(ctx)

	stored, err := h.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.Equal(t, 1, h.queue.Len())

	// Second pass: budget exhausted, message dead-lettered
	h.proc.processTick(ctx)

	stored, err = h.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Delivery.Attempts)
	assert.Equal(t, 0, h.queue.Len())

	status := h.proc.Status()
	assert.Equal(t, int64(2), status.FailedDeliveries)
	assert.Equal(t, int64(0), status.TotalProcessed)
}

func TestProcessTick_RecoveredMessageDelivers(t *testing.T) {
	cfg := defaultQueueCfg()
	h := newHarness(t, cfg)
	ctx := context.Background()

	id := send(t, h, message.PriorityMedium)
	h.backend.setFailInsert(true)
	h.proc.processTick(ctx)
	h.backend.setFailInsert(false)
	h.proc.processTick(ctx)

	stored, err := h.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, stored.Status)
	assert.Equal(t, 2, stored.Delivery.Attempts)
}

func TestProcessTick_PanicIsContainedAndCounted(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	send(t, h, message.PriorityMedium)

	// A nil delivery service makes the pass blow up mid-message
	deliverySvc := h.proc.delivery
	h.proc.delivery = nil
	assert.NotPanics(t, func() { h.proc.processTick(ctx) })

	status := h.proc.Status()
	assert.Equal(t, int64(1), status.FailedDeliveries)
	assert.Empty(t, status.ProcessingMessageID)

	// The pass guard was released; later passes run normally
	h.proc.delivery = deliverySvc
	send(t, h, message.PriorityMedium)
	h.proc.processTick(ctx)
	assert.Equal(t, int64(1), h.proc.Status().TotalProcessed)
}

func TestProcessTick_OfflineLeavesQueueIntact(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	send(t, h, message.PriorityHigh)
	h.monitor.HandleOffline()

	h.proc.processTick(ctx)

	assert.Equal(t, 1, h.queue.Len())
	assert.Empty(t, h.backend.inserted())
}

func TestProcessTick_RebuildsLostQueueFromStore(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	id := send(t, h, message.PriorityLow)
	require.NoError(t, h.proc.persistSnapshot(ctx))

	// Simulate in-memory loss: snapshot still references the message
	h.queue.Clear()
	require.Equal(t, 0, h.queue.Len())

	h.proc.processTick(ctx)

	stored, err := h.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, stored.Status)
}

func TestProcessTick_RetryDelayDefersRetry(t *testing.T) {
	cfg := defaultQueueCfg()
	cfg.RetryDelay = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	id := send(t, h, message.PriorityLow)
	h.backend.setFailInsert(true)
	h.proc.processTick(ctx)
	h.backend.setFailInsert(false)

	// The retry is not due yet, so the message stays queued untouched
	h.proc.processTick(ctx)

	stored, err := h.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Delivery.Attempts)
	assert.Equal(t, 1, h.queue.Len())
}

func TestStart_RestoresPersistedMessages(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	pending := message.New("dm", "scribe", message.TypeTask, json.RawMessage(`{}`), message.PriorityHigh, 3)
	require.NoError(t, h.store.StoreMessage(ctx, pending))

	interrupted := message.New("dm", "scribe", message.TypeTask, json.RawMessage(`{}`), message.PriorityLow, 3)
	interrupted.Status = message.StatusDelivering
	require.NoError(t, h.store.StoreMessage(ctx, interrupted))

	done := message.New("dm", "scribe", message.TypeTask, json.RawMessage(`{}`), message.PriorityLow, 3)
	done.Status = message.StatusSent
	require.NoError(t, h.store.StoreMessage(ctx, done))

	require.NoError(t, h.proc.Start(ctx))
	defer h.proc.Stop(ctx)

	assert.Equal(t, 2, h.queue.Len())
	assert.True(t, h.queue.Contains(pending.ID))
	assert.True(t, h.queue.Contains(interrupted.ID))
	assert.False(t, h.queue.Contains(done.ID))

	// The interrupted message is back to pending in storage
	stored, err := h.store.GetMessage(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, stored.Status)
}

func TestStop_PersistsSnapshot(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	require.NoError(t, h.proc.Start(ctx))

	// Keep the message queued through shutdown
	h.backend.setFailInsert(true)
	id := send(t, h, message.PriorityMedium)
	require.NoError(t, h.proc.Stop(ctx))

	snap, err := h.store.QueueState(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Contains(id))
}

func TestStatsSurviveRestart(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	send(t, h, message.PriorityHigh)
	h.proc.processTick(ctx)
	require.Equal(t, int64(1), h.proc.Status().TotalProcessed)

	// A fresh processor over the same store picks up the counters
	m := metrics.NewMessagingMetrics(metrics.NewCollector())
	deliverySvc := delivery.NewService(h.backend, h.store, h.acks, m)
	fresh := NewService(slowCfg(), queue.New(defaultQueueCfg()), h.store, deliverySvc, h.acks, h.monitor, nil, schema.NewRegistry(), m)
	require.NoError(t, fresh.Start(ctx))
	defer fresh.Stop(ctx)

	assert.Equal(t, int64(1), fresh.Status().TotalProcessed)
}

func TestSweepAcks(t *testing.T) {
	h := newHarness(t, queue.Config{
		MaxSize:    100,
		MaxRetries: 3,
		RetryDelay: 0,
		AckTimeout: -time.Second, // expire immediately
	})
	ctx := context.Background()

	// A delivery whose receiver never confirmed
	_, err := h.acks.Create(ctx, "stalled-msg", "scribe")
	require.NoError(t, err)

	h.proc.sweepAcks(ctx)

	record, err := h.acks.Get(ctx, "stalled-msg")
	require.NoError(t, err)
	assert.Equal(t, ack.StatusFailed, record.Status)
	assert.Equal(t, "acknowledgment timeout", record.Error)
}

func TestRunGC(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())
	ctx := context.Background()

	old := message.New("dm", "scribe", message.TypeTask, json.RawMessage(`{}`), message.PriorityLow, 3)
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	old.Status = message.StatusSent
	require.NoError(t, h.store.StoreMessage(ctx, old))

	h.proc.runGC(ctx)

	_, err := h.store.GetMessage(ctx, old.ID)
	var notFound store.MessageNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, defaultQueueCfg())

	send(t, h, message.PriorityLow)
	status := h.proc.Status()

	assert.Equal(t, 1, status.QueueLength)
	assert.True(t, status.IsOnline)
	assert.Empty(t, status.ProcessingMessageID)
}
