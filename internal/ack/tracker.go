package ack

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/store"
)

// Status is the lifecycle state of an acknowledgment
type Status string

const (
	StatusPending   Status = "pending"
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Terminal returns true when the status admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Acknowledgment tracks receipt/processing confirmation for one message.
// The timeout deadline is fixed at creation and never extended.
type Acknowledgment struct {
	MessageID     string    `json:"message_id"`
	ReceiverID    string    `json:"receiver_id"`
	Status        Status    `json:"status"`
	TimeoutAt     time.Time `json:"timeout_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
}

const keyPrefix = "ack/"

// Tracker records per-message acknowledgment state in the durable store.
//
// An acknowledgment that times out is failed independently of the message it
// tracks: the message's own retry budget remains the sole authority over
// dead-lettering, so a slow receiver does not force an otherwise deliverable
// message into a terminal state.
type Tracker struct {
	store   *store.Store
	timeout time.Duration
	log     zerolog.Logger
}

// NewTracker creates a tracker with the given fixed acknowledgment timeout
func NewTracker(s *store.Store, timeout time.Duration) *Tracker {
	return &Tracker{
		store:   s,
		timeout: timeout,
		log:     logger.WithComponent("ack"),
	}
}

// Create records a pending acknowledgment for a message. Creation is
// idempotent: if a record already exists for the id, the existing record is
// returned unchanged.
func (t *Tracker) Create(ctx context.Context, messageID, receiverID string) (*Acknowledgment, error) {
	if existing, err := t.Get(ctx, messageID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	record := &Acknowledgment{
		MessageID:     messageID,
		ReceiverID:    receiverID,
		Status:        StatusPending,
		TimeoutAt:     time.Now().Add(t.timeout),
		LastAttemptAt: time.Now(),
	}

	if err := t.store.PutRecord(ctx, keyPrefix+messageID, record); err != nil {
		return nil, err
	}

	t.log.Debug().
		Str("message_id", messageID).
		Time("timeout_at", record.TimeoutAt).
		Msg("Acknowledgment created")

	return record, nil
}

// Update transitions an acknowledgment and increments its attempts counter.
// Terminal records are left untouched.
func (t *Tracker) Update(ctx context.Context, messageID string, status Status, errText string) error {
	record, err := t.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if record == nil {
		return NotFoundError{MessageID: messageID}
	}
	if record.Status.Terminal() {
		return TerminalError{MessageID: messageID, Status: record.Status}
	}

	record.Status = status
	record.Error = errText
	record.Attempts++
	record.LastAttemptAt = time.Now()

	if err := t.store.PutRecord(ctx, keyPrefix+messageID, record); err != nil {
		return err
	}

	t.log.Debug().
		Str("message_id", messageID).
		Str("status", string(status)).
		Msg("Acknowledgment updated")

	return nil
}

// Get returns the acknowledgment for a message, or nil if none exists
func (t *Tracker) Get(ctx context.Context, messageID string) (*Acknowledgment, error) {
	var record Acknowledgment
	if err := t.store.GetRecord(ctx, keyPrefix+messageID, &record); err != nil {
		if errors.As(err, &store.RecordNotFoundError{}) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// HandleTimeout force-fails an acknowledgment that is still pending past its
// deadline. It returns true when the record was transitioned. Callers are
// responsible for invoking this periodically; the tracker never self-schedules.
func (t *Tracker) HandleTimeout(ctx context.Context, messageID string) (bool, error) {
	record, err := t.Get(ctx, messageID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, NotFoundError{MessageID: messageID}
	}
	if record.Status != StatusPending || time.Now().Before(record.TimeoutAt) {
		return false, nil
	}

	if err := t.Update(ctx, messageID, StatusFailed, "acknowledgment timeout"); err != nil {
		return false, err
	}

	t.log.Warn().
		Str("message_id", messageID).
		Time("timeout_at", record.TimeoutAt).
		Msg("Acknowledgment timed out")

	return true, nil
}

// SweepTimeouts applies HandleTimeout to every pending acknowledgment and
// returns the number of records failed by timeout
func (t *Tracker) SweepTimeouts(ctx context.Context) (int, error) {
	values, err := t.store.ListRecords(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, value := range values {
		var record Acknowledgment
		if err := json.Unmarshal(value, &record); err != nil {
			t.log.Warn().Err(err).Msg("Skipping undecodable acknowledgment record")
			continue
		}
		if record.Status != StatusPending {
			continue
		}
		timedOut, err := t.HandleTimeout(ctx, record.MessageID)
		if err != nil {
			t.log.Warn().Err(err).Str("message_id", record.MessageID).Msg("Timeout sweep failed for record")
			continue
		}
		if timedOut {
			expired++
		}
	}
	return expired, nil
}
