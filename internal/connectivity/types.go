package connectivity

import (
	"context"
	"time"
)

// State is the connection status
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Event identifies a connectivity notification
type Event string

const (
	EventStateChanged           Event = "connectionStateChanged"
	EventReconnectionSuccessful Event = "reconnectionSuccessful"
	EventReconnectionFailed     Event = "reconnectionFailed"
	EventReconnectionError      Event = "reconnectionError"
)

// Notification is the payload delivered to subscribers
type Notification struct {
	Event        Event
	State        State
	Reconnecting bool
	Attempt      int
	Err          error
}

// Handler receives connectivity notifications
type Handler func(Notification)

// OfflineState is the persisted process-wide connectivity record
type OfflineState struct {
	IsOnline             bool      `json:"is_online"`
	LastOnlineAt         time.Time `json:"last_online_at,omitempty"`
	LastOfflineAt        time.Time `json:"last_offline_at,omitempty"`
	PendingSync          bool      `json:"pending_sync"`
	QueueSize            int       `json:"queue_size"`
	ReconnectionAttempts int       `json:"reconnection_attempts"`
}

// Notifier abstracts runtime online/offline signals so the state machine is
// testable without a browser or live network. Events emits true for online
// transitions and false for offline.
type Notifier interface {
	Events() <-chan bool
}

// Prober validates connectivity against the remote session/auth endpoint
// during reconnection attempts
type Prober interface {
	ProbeSession(ctx context.Context) error
}

// Config holds reconnection backoff tunables
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultConfig returns the default reconnection configuration
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
}
