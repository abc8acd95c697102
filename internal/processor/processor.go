package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/ack"
	"github.com/questforge/relay/internal/connectivity"
	"github.com/questforge/relay/internal/delivery"
	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/message"
	"github.com/questforge/relay/internal/metrics"
	"github.com/questforge/relay/internal/queue"
	"github.com/questforge/relay/internal/schema"
	"github.com/questforge/relay/internal/store"
	relaysync "github.com/questforge/relay/internal/sync"
)

// Config holds the processing loop intervals
type Config struct {
	// TickInterval drives the delivery loop while online
	TickInterval time.Duration
	// AckSweepInterval is how often pending acknowledgments are checked for expiry
	AckSweepInterval time.Duration
	// GCInterval is how often old terminal messages are swept from storage
	GCInterval time.Duration
	// GCMaxAge is how long terminal messages are retained
	GCMaxAge time.Duration
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		AckSweepInterval: 30 * time.Second,
		GCInterval:       time.Hour,
		GCMaxAge:         168 * time.Hour,
	}
}

// QueueStatus is a point-in-time view of the processor for callers and
// diagnostics endpoints
type QueueStatus struct {
	QueueLength         int                       `json:"queue_length"`
	ProcessingMessageID string                    `json:"processing_message_id,omitempty"`
	IsOnline            bool                      `json:"is_online"`
	TotalProcessed      int64                     `json:"total_processed"`
	FailedDeliveries    int64                     `json:"failed_deliveries"`
	AvgProcessingTimeMs float64                   `json:"avg_processing_time_ms"`
	Offline             connectivity.OfflineState `json:"offline"`
}

// Service is the messaging orchestrator: it admits outbound messages,
// drains the priority queue while online, applies the retry and
// dead-letter policy, and keeps the durable snapshot in step with the
// in-memory queue.
type Service struct {
	cfg      Config
	queue    *queue.PriorityQueue
	store    *store.Store
	delivery *delivery.Service
	acks     *ack.Tracker
	conn     *connectivity.Monitor
	syncer   *relaysync.Service
	schemas  *schema.Registry
	metrics  *metrics.MessagingMetrics
	log      zerolog.Logger

	mu           sync.Mutex
	processing   bool
	processingID string
	started      bool

	totalProcessed   int64
	failedDeliveries int64
	avgProcessingMs  float64

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a processor wired to its collaborators. The sync
// service may be nil when synchronization is disabled.
func NewService(cfg Config, q *queue.PriorityQueue, s *store.Store, d *delivery.Service, acks *ack.Tracker, conn *connectivity.Monitor, syncer *relaysync.Service, schemas *schema.Registry, m *metrics.MessagingMetrics) *Service {
	return &Service{
		cfg:      cfg,
		queue:    q,
		store:    s,
		delivery: d,
		acks:     acks,
		conn:     conn,
		syncer:   syncer,
		schemas:  schemas,
		metrics:  m,
		kick:     make(chan struct{}, 1),
		log:      logger.WithComponent("processor"),
	}
}

// Start replays persisted pending messages into the queue, registers the
// reconnection recovery hook, and starts the background processing loop
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	restored, err := s.restoreQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore queue from storage: %w", err)
	}
	if snap, err := s.store.QueueState(ctx); err == nil && snap != nil {
		s.totalProcessed = snap.TotalProcessed
		s.failedDeliveries = snap.FailedDeliveries
		s.avgProcessingMs = snap.AvgProcessingTimeMs
	}

	// Drain the backlog as soon as connectivity returns
	s.conn.SetRecoveryHook(func(hctx context.Context) error {
		s.processTick(hctx)
		return nil
	})
	s.conn.Subscribe(func(n connectivity.Notification) {
		if n.Event == connectivity.EventStateChanged && n.State == connectivity.StateConnected {
			s.Kick()
		}
	})
	s.conn.SetQueueSize(s.queue.Len())

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)

	s.started = true
	s.log.Info().
		Int("restored", restored).
		Dur("tick_interval", s.cfg.TickInterval).
		Msg("Processor started")
	return nil
}

// Stop halts the processing loop and persists a final queue snapshot
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if err := s.persistSnapshot(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist final queue snapshot")
	}

	s.log.Info().Msg("Processor stopped")
	return nil
}

// Ready reports whether the processing loop is running
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SendMessage validates, persists, and enqueues an outbound message. It
// returns false without error when the queue rejects the message for
// capacity; validation and storage problems return an error.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID string, msgType message.Type, content json.RawMessage, priority message.Priority) (bool, error) {
	qcfg := s.queue.Config()
	msg := message.New(senderID, receiverID, msgType, content, priority, qcfg.MaxRetries)

	if err := msg.Validate(); err != nil {
		return false, err
	}
	if err := s.schemas.ValidateContent(msgType, content); err != nil {
		return false, fmt.Errorf("invalid content for %s message: %w", msgType, err)
	}

	// Persist before enqueueing: once the queue holds the message a
	// processing pass may take it over and start mutating its delivery
	// state, so SendMessage must not touch that state past this point.
	if err := s.store.StoreMessage(ctx, msg); err != nil {
		return false, fmt.Errorf("failed to persist message %s: %w", msg.ID, err)
	}

	id := msg.ID
	if !s.queue.Enqueue(msg) {
		s.metrics.RecordEnqueueRejection(metrics.ReasonQueueFull)
		// A rejected message stays rejected: remove the record so a later
		// restore does not resurrect it behind the producer's back.
		if err := s.store.DeleteMessage(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("Failed to remove rejected message")
		}
		return false, nil
	}

	s.metrics.RecordSent(string(msgType), string(priority))
	s.conn.SetQueueSize(s.queue.Len())

	// The syncer reads only the immutable message id, so this is safe
	// after the queue has taken the message over.
	if s.syncer != nil {
		if err := s.syncer.SynchronizeMessage(ctx, msg); err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("Failed to synchronize message sequence")
		}
	}

	s.log.Debug().
		Str("message_id", id).
		Str("type", string(msgType)).
		Str("priority", string(priority)).
		Str("receiver", receiverID).
		Msg("Message queued")

	if s.conn.IsOnline() {
		s.Kick()
	}
	return true, nil
}

// Kick nudges the processing loop to run a pass ahead of the next tick
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the processor state
func (s *Service) Status() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return QueueStatus{
		QueueLength:         s.queue.Len(),
		ProcessingMessageID: s.processingID,
		IsOnline:            s.conn.IsOnline(),
		TotalProcessed:      s.totalProcessed,
		FailedDeliveries:    s.failedDeliveries,
		AvgProcessingTimeMs: s.avgProcessingMs,
		Offline:             s.conn.Offline(),
	}
}

// run is the main processing loop
func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.cfg.AckSweepInterval)
	defer sweep.Stop()
	gc := time.NewTicker(s.cfg.GCInterval)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if s.conn.IsOnline() {
				s.processTick(ctx)
			}
		case <-s.kick:
			if s.conn.IsOnline() {
				s.processTick(ctx)
			}
		case <-sweep.C:
			s.sweepAcks(ctx)
		case <-gc.C:
			s.runGC(ctx)
		}
	}
}

// processTick runs one pass over the queue. Re-entrant calls are a no-op:
// a pass already in flight owns the queue until it finishes.
func (s *Service) processTick(ctx context.Context) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if r := recover(); r != nil {
			s.failedDeliveries++
			s.log.Error().
				Interface("panic", r).
				Str("message_id", s.processingID).
				Msg("Processing pass panicked")
		}
		s.processing = false
		s.processingID = ""
		s.mu.Unlock()
	}()

	start := time.Now()

	// The store is the source of truth: rebuild the queue when the
	// persisted snapshot holds messages the queue lost.
	if snap, err := s.store.QueueState(ctx); err == nil && snap != nil {
		if !s.queue.Validate(snap.MessageIDs) {
			s.recoverQueue(ctx)
		}
	}

	qcfg := s.queue.Config()

	// Bound the pass by the starting length so a re-enqueued message is
	// retried on a later pass, not spun on within this one.
	n := s.queue.Len()
	for i := 0; i < n; i++ {
		if !s.conn.IsOnline() {
			break
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := s.queue.Dequeue()
		if msg == nil {
			break
		}

		if msg.RetryCount > 0 && time.Since(msg.Delivery.LastAttemptAt) < qcfg.RetryDelay {
			s.queue.Enqueue(msg)
			continue
		}

		s.processOne(ctx, msg)
	}

	if err := s.persistSnapshot(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist queue snapshot")
	}
	s.updateGauges()
	s.metrics.RecordProcessingPass(time.Since(start))
}

// processOne attempts delivery of a single message and applies the
// retry / dead-letter policy to the outcome
func (s *Service) processOne(ctx context.Context, msg *message.Message) {
	s.mu.Lock()
	s.processingID = msg.ID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.processingID = ""
		s.mu.Unlock()
	}()

	msgStart := time.Now()

	msg.Status = message.StatusDelivering
	if err := s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusDelivering); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to mark message delivering")
	}

	if s.delivery.Deliver(ctx, msg) {
		msg.Status = message.StatusSent
		if err := s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusSent); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to mark message sent")
		}
		if err := s.delivery.ConfirmDelivery(ctx, msg.ID); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to confirm delivery")
		}
		s.recordProcessed(time.Since(msgStart))
		return
	}

	s.mu.Lock()
	s.failedDeliveries++
	s.mu.Unlock()

	if msg.RetriesExhausted() {
		msg.Status = message.StatusFailed
		if err := s.store.UpdateMessageStatus(ctx, msg.ID, message.StatusFailed); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to mark message failed")
		}
		if err := s.delivery.HandleFailedDelivery(ctx, msg); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to dead-letter message")
		}
		return
	}

	// Retry: persist the bumped retry count, then back to the tail of
	// its priority tier
	msg.RetryCount++
	msg.Status = message.StatusPending
	if err := s.store.StoreMessage(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to persist retry state")
	}
	if !s.queue.Enqueue(msg) {
		s.metrics.RecordEnqueueRejection(metrics.ReasonQueueFull)
		s.log.Warn().Str("message_id", msg.ID).Msg("Queue full, retry deferred to restore from storage")
	}

	s.log.Debug().
		Str("message_id", msg.ID).
		Int("retry_count", msg.RetryCount).
		Int("max_retries", msg.MaxRetries).
		Msg("Delivery failed, message requeued")
}

// restoreQueue replays non-terminal messages from storage into the queue.
// Messages interrupted mid-delivery are returned to pending.
func (s *Service) restoreQueue(ctx context.Context) (int, error) {
	pending, err := s.store.PendingMessages(ctx)
	if err != nil {
		return 0, err
	}
	delivering, err := s.store.MessagesByStatus(ctx, message.StatusDelivering)
	if err != nil {
		return 0, err
	}

	for _, msg := range delivering {
		msg.Status = message.StatusPending
		if err := s.store.StoreMessage(ctx, msg); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to reset interrupted message")
		}
	}

	restored := 0
	for _, msg := range append(pending, delivering...) {
		if s.queue.Contains(msg.ID) {
			continue
		}
		if !s.queue.Enqueue(msg) {
			s.metrics.RecordEnqueueRejection(metrics.ReasonQueueFull)
			s.log.Warn().Str("message_id", msg.ID).Msg("Queue full during restore, message stays persisted")
			continue
		}
		restored++
	}
	return restored, nil
}

// recoverQueue rebuilds the in-memory queue from storage after a
// divergence from the persisted snapshot
func (s *Service) recoverQueue(ctx context.Context) {
	s.queue.Clear()
	restored, err := s.restoreQueue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Queue recovery failed")
		return
	}
	s.metrics.RecordQueueRecovery()
	s.log.Warn().Int("restored", restored).Msg("Queue rebuilt from storage")
}

func (s *Service) sweepAcks(ctx context.Context) {
	expired, err := s.acks.SweepTimeouts(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Acknowledgment sweep failed")
		return
	}
	for i := 0; i < expired; i++ {
		s.metrics.RecordAckTimeout()
	}
	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("Expired pending acknowledgments")
	}
}

func (s *Service) runGC(ctx context.Context) {
	removed, err := s.store.ClearOldMessages(ctx, s.cfg.GCMaxAge)
	if err != nil {
		s.log.Warn().Err(err).Msg("Message garbage collection failed")
		return
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("Cleared old terminal messages")
	}
}

func (s *Service) recordProcessed(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalProcessed++
	ms := float64(d.Milliseconds())
	s.avgProcessingMs = (s.avgProcessingMs*float64(s.totalProcessed-1) + ms) / float64(s.totalProcessed)
}

func (s *Service) persistSnapshot(ctx context.Context) error {
	s.mu.Lock()
	snap := &store.Snapshot{
		MessageIDs:          s.queue.IDs(),
		TotalProcessed:      s.totalProcessed,
		FailedDeliveries:    s.failedDeliveries,
		AvgProcessingTimeMs: s.avgProcessingMs,
		SavedAt:             time.Now(),
	}
	s.mu.Unlock()

	return s.store.SaveQueueState(ctx, snap)
}

func (s *Service) updateGauges() {
	depth := s.queue.Len()
	s.metrics.UpdateQueueDepth(depth)
	s.conn.SetQueueSize(depth)

	if oldest, ok := s.queue.OldestCreatedAt(); ok {
		s.metrics.UpdateOldestPendingAge(time.Since(oldest))
	} else {
		s.metrics.UpdateOldestPendingAge(0)
	}
}
