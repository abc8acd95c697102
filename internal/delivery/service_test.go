package delivery

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
	"github.com/questforge/relay/internal/message"
	"github.com/questforge/relay/internal/metrics"
	"github.com/questforge/relay/internal/remote"
	"github.com/questforge/relay/internal/store"
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

func newTestService(t *testing.T) (*Service, *fakeBackend, *store.Store, *ack.Tracker) {
	t.Helper()

	s := store.New(t.TempDir())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})

	backend := newFakeBackend()
	acks := ack.NewTracker(s, time.Minute)
	m := metrics.NewMessagingMetrics(metrics.NewCollector())
	return NewService(backend, s, acks, m), backend, s, acks
}

func newMsg() *message.Message {
	return message.New("dm", "scribe", message.TypeTask, json.RawMessage(`{"action":"log"}`), message.PriorityMedium, 3)
}

func TestDeliver_Success(t *testing.T) {
	svc, backend, s, acks := newTestService(t)
	ctx := context.Background()

	msg := newMsg()
	require.NoError(t, s.StoreMessage(ctx, msg))

	ok := svc.Deliver(ctx, msg)
	require.True(t, ok)

	assert.True(t, msg.Delivery.Delivered)
	assert.Equal(t, 1, msg.Delivery.Attempts)
	assert.Empty(t, msg.Delivery.Error)

	records := backend.inserted()
	require.Len(t, records, 1)
	assert.Equal(t, "dm", records[0].SenderID)
	assert.Equal(t, string(message.TypeTask), records[0].Type)

	record, err := acks.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, ack.StatusPending, record.Status)

	stored, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Delivery.Delivered)
}

func TestDeliver_Failure(t *testing.T) {
	svc, backend, s, acks := newTestService(t)
	ctx := context.Background()

	msg := newMsg()
	require.NoError(t, s.StoreMessage(ctx, msg))
	backend.setFailInsert(true)

	ok := svc.Deliver(ctx, msg)
	require.False(t, ok)

	assert.False(t, msg.Delivery.Delivered)
	assert.Equal(t, 1, msg.Delivery.Attempts)
	assert.Contains(t, msg.Delivery.Error, "backend unavailable")

	// No acknowledgment on failed delivery
	record, err := acks.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestDeliver_AttemptsAccumulate(t *testing.T) {
	svc, backend, s, _ := newTestService(t)
	ctx := context.Background()

	msg := newMsg()
	require.NoError(t, s.StoreMessage(ctx, msg))

	backend.setFailInsert(true)
	require.False(t, svc.Deliver(ctx, msg))
	require.False(t, svc.Deliver(ctx, msg))

	backend.setFailInsert(false)
	require.True(t, svc.Deliver(ctx, msg))

	assert.Equal(t, 3, msg.Delivery.Attempts)
	assert.True(t, msg.Delivery.Delivered)
	assert.Empty(t, msg.Delivery.Error)
}

func TestConfirmDelivery(t *testing.T) {
	svc, _, s, acks := newTestService(t)
	ctx := context.Background()

	msg := newMsg()
	require.NoError(t, s.StoreMessage(ctx, msg))
	require.True(t, svc.Deliver(ctx, msg))

	require.NoError(t, svc.ConfirmDelivery(ctx, msg.ID))

	record, err := acks.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, ack.StatusReceived, record.Status)
}

func TestConfirmDelivery_Unknown(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	assert.Error(t, svc.ConfirmDelivery(context.Background(), "ghost"))
}

func TestHandleFailedDelivery(t *testing.T) {
	svc, backend, s, acks := newTestService(t)
	ctx := context.Background()

	msg := newMsg()
	require.NoError(t, s.StoreMessage(ctx, msg))

	// The message had a successful ack-creating delivery earlier in life
	_, err := acks.Create(ctx, msg.ID, msg.ReceiverID)
	require.NoError(t, err)

	msg.Delivery.Attempts = 4
	msg.Delivery.Error = "connection refused"
	require.NoError(t, svc.HandleFailedDelivery(ctx, msg))

	records := backend.inserted()
	require.Len(t, records, 1)
	assert.Equal(t, typeFailedDelivery, records[0].Type)

	var payload struct {
		MessageID string `json:"message_id"`
		Reason    string `json:"reason"`
		Attempts  int    `json:"attempts"`
		LastError string `json:"last_error"`
	}
	require.NoError(t, json.Unmarshal(records[0].Content, &payload))
	assert.Equal(t, msg.ID, payload.MessageID)
	assert.Equal(t, 4, payload.Attempts)
	assert.Equal(t, "connection refused", payload.LastError)

	record, err := acks.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, ack.StatusFailed, record.Status)
}

func TestHandleFailedDelivery_RemoteDown(t *testing.T) {
	svc, backend, s, _ := newTestService(t)
	ctx := context.Background()

	msg := newMsg()
	require.NoError(t, s.StoreMessage(ctx, msg))
	backend.setFailInsert(true)

	// Dead-lettering is best effort when the backend is unreachable
	assert.NoError(t, svc.HandleFailedDelivery(ctx, msg))
}
