package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/ack"
	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/message"
	"github.com/questforge/relay/internal/metrics"
	"github.com/questforge/relay/internal/remote"
	"github.com/questforge/relay/internal/store"
)

// Remote record type for dead-lettered messages
const typeFailedDelivery = "FAILED_DELIVERY"

// Service performs single delivery attempts and classifies their outcome
type Service struct {
	backend remote.Backend
	store   *store.Store
	acks    *ack.Tracker
	metrics *metrics.MessagingMetrics
	log     zerolog.Logger
}

// NewService creates a delivery service
func NewService(backend remote.Backend, s *store.Store, acks *ack.Tracker, m *metrics.MessagingMetrics) *Service {
	return &Service{
		backend: backend,
		store:   s,
		acks:    acks,
		metrics: m,
		log:     logger.WithComponent("delivery"),
	}
}

// Deliver performs one network delivery attempt for a message and returns
// whether it succeeded. Deliver never returns an error: every failure is
// recorded on the message's delivery state and classified by the boolean.
func (s *Service) Deliver(ctx context.Context, msg *message.Message) bool {
	start := time.Now()

	err := s.backend.InsertCommunication(ctx, remote.CommunicationRecord{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Type:       string(msg.Type),
		Content:    msg.Content,
		Timestamp:  msg.CreatedAt,
	})

	msg.Delivery.Attempts++
	msg.Delivery.LastAttemptAt = time.Now()

	if err != nil {
		msg.Delivery.Delivered = false
		msg.Delivery.Error = err.Error()

		if storeErr := s.store.StoreMessage(ctx, msg); storeErr != nil {
			s.log.Warn().Err(storeErr).Str("message_id", msg.ID).Msg("Failed to persist delivery failure")
		}
		s.metrics.RecordDeliveryFailure(string(msg.Type), string(msg.Priority))

		s.log.Debug().
			Err(err).
			Str("message_id", msg.ID).
			Int("attempts", msg.Delivery.Attempts).
			Msg("Delivery attempt failed")
		return false
	}

	msg.Delivery.Delivered = true
	msg.Delivery.Error = ""

	if _, ackErr := s.acks.Create(ctx, msg.ID, msg.ReceiverID); ackErr != nil {
		s.log.Warn().Err(ackErr).Str("message_id", msg.ID).Msg("Failed to create acknowledgment")
	}
	if storeErr := s.store.StoreMessage(ctx, msg); storeErr != nil {
		s.log.Warn().Err(storeErr).Str("message_id", msg.ID).Msg("Failed to persist delivery state")
	}
	s.metrics.RecordDelivered(string(msg.Type), string(msg.Priority), time.Since(start))

	s.log.Debug().
		Str("message_id", msg.ID).
		Str("receiver", msg.ReceiverID).
		Int("attempts", msg.Delivery.Attempts).
		Msg("Message delivered")

	return true
}

// ConfirmDelivery marks the message's acknowledgment as received. Called by
// the processor after a successful delivery.
func (s *Service) ConfirmDelivery(ctx context.Context, messageID string) error {
	if err := s.acks.Update(ctx, messageID, ack.StatusReceived, ""); err != nil {
		return fmt.Errorf("failed to confirm delivery of %s: %w", messageID, err)
	}
	return nil
}

// HandleFailedDelivery dead-letters a message whose retry budget is
// exhausted: a terminal record is written remotely and the acknowledgment is
// failed. After this call the message never re-enters the live queue.
func (s *Service) HandleFailedDelivery(ctx context.Context, msg *message.Message) error {
	reason := fmt.Sprintf("max retries exceeded after %d attempts", msg.Delivery.Attempts)

	payload, err := json.Marshal(map[string]any{
		"message_id": msg.ID,
		"reason":     reason,
		"attempts":   msg.Delivery.Attempts,
		"last_error": msg.Delivery.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter payload: %w", err)
	}

	if err := s.backend.InsertCommunication(ctx, remote.CommunicationRecord{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Type:       typeFailedDelivery,
		Content:    payload,
		Timestamp:  time.Now(),
	}); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to write dead-letter record remotely")
	}

	if err := s.acks.Update(ctx, msg.ID, ack.StatusFailed, reason); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to fail acknowledgment for dead-lettered message")
	}

	s.metrics.RecordDeadLetter(string(msg.Type), string(msg.Priority))

	s.log.Warn().
		Str("message_id", msg.ID).
		Str("receiver", msg.ReceiverID).
		Int("attempts", msg.Delivery.Attempts).
		Msg("Message dead-lettered")

	return nil
}
