package remote

import (
	"context"
	"encoding/json"
	"time"
)

// CommunicationRecord is a row in the remote communications collection
type CommunicationRecord struct {
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SequenceRecord correlates a message with a vector-clock snapshot and a
// per-sender sequence number
type SequenceRecord struct {
	ID             string           `json:"id"`
	MessageID      string           `json:"message_id"`
	AgentID        string           `json:"agent_id"`
	SequenceNumber int64            `json:"sequence_number"`
	VectorClock    map[string]int64 `json:"vector_clock"`
	CreatedAt      time.Time        `json:"created_at"`
}

// SyncStatusRecord is the per-agent synchronization state row
type SyncStatusRecord struct {
	AgentID            string           `json:"agent_id"`
	LastSequenceNumber int64            `json:"last_sequence_number"`
	VectorClock        map[string]int64 `json:"vector_clock"`
	PendingMessageIDs  []string         `json:"pending_message_ids"`
	ConflictIDs        []string         `json:"conflict_ids"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Backend is the narrow interface to the hosted backend consumed by the
// delivery and synchronization services. Implementations must be safe for
// concurrent use.
type Backend interface {
	// InsertCommunication inserts a communication row
	InsertCommunication(ctx context.Context, record CommunicationRecord) error
	// UpsertSequence inserts or replaces a message sequence row
	UpsertSequence(ctx context.Context, record SequenceRecord) error
	// GetSequence returns the sequence row for a message, or nil if absent
	GetSequence(ctx context.Context, messageID string) (*SequenceRecord, error)
	// ListSequences returns all sequence rows ordered by sequence number
	ListSequences(ctx context.Context) ([]SequenceRecord, error)
	// UpsertSyncStatus inserts or replaces an agent's sync status row
	UpsertSyncStatus(ctx context.Context, record SyncStatusRecord) error
	// ProbeSession validates connectivity and authentication
	ProbeSession(ctx context.Context) error
}
