package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type classifies the purpose of an inter-agent message
type Type string

const (
	TypeTask        Type = "TASK"
	TypeResult      Type = "RESULT"
	TypeQuery       Type = "QUERY"
	TypeResponse    Type = "RESPONSE"
	TypeStateUpdate Type = "STATE_UPDATE"
)

// Valid returns true if the type is one of the known message types
func (t Type) Valid() bool {
	switch t {
	case TypeTask, TypeResult, TypeQuery, TypeResponse, TypeStateUpdate:
		return true
	default:
		return false
	}
}

// Priority orders messages for processing
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Rank maps a priority to its processing order (lower ranks first).
// Unknown priorities are treated as LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Status is the delivery lifecycle state of a message
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivering   Status = "delivering"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Terminal returns true when the status admits no further transitions
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusAcknowledged, StatusFailed:
		return true
	default:
		return false
	}
}

// DeliveryState tracks the outcome of delivery attempts for a message.
// Attempts increases monotonically; Delivered=true is never reverted.
type DeliveryState struct {
	Delivered     bool      `json:"delivered"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
}

// Message is the unit of inter-agent communication
type Message struct {
	// ID is a unique message identifier, immutable after creation
	ID string `json:"id"`
	// Type classifies the message
	Type Type `json:"type"`
	// Content is an opaque, producer-defined JSON payload
	Content json.RawMessage `json:"content"`
	// Priority orders the message for processing
	Priority Priority `json:"priority"`
	// SenderID and ReceiverID identify the agents involved
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	// CreatedAt is when the message was constructed
	CreatedAt time.Time `json:"created_at"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// RetryCount is the number of retries consumed so far
	RetryCount int `json:"retry_count"`
	// MaxRetries is the retry budget before dead-lettering
	MaxRetries int `json:"max_retries"`
	// Delivery tracks delivery attempts
	Delivery DeliveryState `json:"delivery"`
}

// New constructs a pending message with a fresh id and zeroed delivery state
func New(senderID, receiverID string, msgType Type, content json.RawMessage, priority Priority, maxRetries int) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		Content:    content,
		Priority:   priority,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  time.Now(),
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
}

// Validate checks that the message fields are well-formed
func (m *Message) Validate() error {
	if m.ID == "" {
		return InvalidMessageError{Reason: "id cannot be empty"}
	}
	if !m.Type.Valid() {
		return InvalidMessageError{Reason: "unknown message type " + string(m.Type)}
	}
	if m.SenderID == "" {
		return InvalidMessageError{Reason: "sender id cannot be empty"}
	}
	if m.ReceiverID == "" {
		return InvalidMessageError{Reason: "receiver id cannot be empty"}
	}
	if m.MaxRetries < 0 {
		return InvalidMessageError{Reason: "max retries cannot be negative"}
	}
	return nil
}

// RetriesExhausted returns true when the retry budget has been consumed
func (m *Message) RetriesExhausted() bool {
	return m.RetryCount >= m.MaxRetries
}

// Encode serializes the message for storage
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserializes a stored message
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
