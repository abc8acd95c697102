package store

import "time"

// Snapshot is the persisted mirror of the in-memory priority queue plus
// aggregate processing metrics. A single snapshot exists, keyed by "current".
type Snapshot struct {
	// MessageIDs are the ids of messages in the queue at save time
	MessageIDs []string `json:"message_ids"`
	// TotalProcessed counts messages that reached a successful terminal state
	TotalProcessed int64 `json:"total_processed"`
	// FailedDeliveries counts failed delivery attempts
	FailedDeliveries int64 `json:"failed_deliveries"`
	// AvgProcessingTimeMs is the rolling average processing time per message
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	// SavedAt is when the snapshot was persisted
	SavedAt time.Time `json:"saved_at"`
}

// Contains reports whether the snapshot holds the given message id
func (s *Snapshot) Contains(id string) bool {
	for _, existing := range s.MessageIDs {
		if existing == id {
			return true
		}
	}
	return false
}
