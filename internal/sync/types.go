package sync

import "time"

// MessageSequence correlates a message with a point-in-time vector clock
// snapshot and a per-sender sequence number
type MessageSequence struct {
	MessageID      string      `json:"message_id"`
	AgentID        string      `json:"agent_id"`
	SequenceNumber int64       `json:"sequence_number"`
	Clock          VectorClock `json:"clock"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Status is the per-agent persisted synchronization record
type Status struct {
	AgentID            string      `json:"agent_id"`
	LastSequenceNumber int64       `json:"last_sequence_number"`
	Clock              VectorClock `json:"clock"`
	PendingMessageIDs  []string    `json:"pending_message_ids"`
	ConflictIDs        []string    `json:"conflict_ids"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Resolver picks a winner among conflicting message sequence versions.
// Implementations must not mutate their inputs.
type Resolver interface {
	Resolve(local, incoming *MessageSequence) *MessageSequence
}

// TimestampResolver resolves conflicts by latest wall-clock creation time
// (last-write-wins)
type TimestampResolver struct{}

// Resolve returns the version with the later CreatedAt; ties go to the
// incoming version
func (TimestampResolver) Resolve(local, incoming *MessageSequence) *MessageSequence {
	if local == nil {
		return incoming
	}
	if incoming == nil {
		return local
	}
	if local.CreatedAt.After(incoming.CreatedAt) {
		return local
	}
	return incoming
}
