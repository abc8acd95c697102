package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/metrics"
	"github.com/questforge/relay/internal/store"
)

const keyOfflineState = "offline/current"

// Monitor is the single authority over connection state. It consumes
// transitions from an injected Notifier, drives the reconnection loop with
// exponential backoff, and persists OfflineState after every mutation.
// Other components subscribe to its event stream rather than watching the
// network themselves.
type Monitor struct {
	store    *store.Store
	prober   Prober
	notifier Notifier
	cfg      Config
	metrics  *metrics.MessagingMetrics
	log      zerolog.Logger

	mu           sync.Mutex
	state        State
	reconnecting bool
	attempts     int
	offline      OfflineState
	expBackoff   *backoff.ExponentialBackOff
	timer        *time.Timer
	subs         []Handler
	recovery     func(context.Context) error

	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewMonitor creates a connectivity monitor
func NewMonitor(s *store.Store, prober Prober, notifier Notifier, cfg Config, m *metrics.MessagingMetrics) *Monitor {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.MaxInterval = cfg.MaxDelay
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = 0.5

	return &Monitor{
		store:      s,
		prober:     prober,
		notifier:   notifier,
		cfg:        cfg,
		metrics:    m,
		log:        logger.WithComponent("connectivity"),
		state:      StateConnected,
		expBackoff: eb,
		offline:    OfflineState{IsOnline: true},
	}
}

// SetRecoveryHook registers the function run on every reconnection: queue
// revalidation, outbox replay, and resynchronization live behind it.
func (m *Monitor) SetRecoveryHook(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = fn
}

// Subscribe registers a handler for connectivity notifications
func (m *Monitor) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, h)
}

// Start restores persisted offline state and begins consuming notifier events
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true

	var persisted OfflineState
	if err := m.store.GetRecord(ctx, keyOfflineState, &persisted); err == nil {
		m.offline = persisted
		if persisted.IsOnline {
			m.state = StateConnected
		} else {
			m.state = StateDisconnected
		}
	} else if !errors.As(err, &store.RecordNotFoundError{}) {
		m.mu.Unlock()
		return err
	}

	m.runCtx, m.cancel = context.WithCancel(context.Background())
	startOffline := m.state == StateDisconnected
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	// A restart while offline resumes the reconnection loop immediately.
	if startOffline {
		m.mu.Lock()
		m.scheduleReconnectLocked()
		m.mu.Unlock()
	}

	m.log.Info().Str("state", string(m.state)).Msg("Connectivity monitor started")
	return nil
}

// Stop halts the monitor
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.reconnecting = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info().Msg("Connectivity monitor stopped")
	return nil
}

// run consumes notifier events until stopped
func (m *Monitor) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case online, ok := <-m.notifier.Events():
			if !ok {
				return
			}
			if online {
				m.HandleOnline()
			} else {
				m.HandleOffline()
			}
		}
	}
}

// IsOnline reports whether the connection is currently considered up
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// Offline returns a snapshot of the persisted offline state
func (m *Monitor) Offline() OfflineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// SetQueueSize records the live queue depth in the offline state
func (m *Monitor) SetQueueSize(n int) {
	m.mu.Lock()
	m.offline.QueueSize = n
	m.persistLocked()
	m.mu.Unlock()
}

// HandleOnline transitions to connected and runs reconnection recovery
func (m *Monitor) HandleOnline() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state = StateConnected
	m.reconnecting = false
	m.attempts = 0
	m.expBackoff.Reset()
	m.offline.IsOnline = true
	m.offline.LastOnlineAt = time.Now()
	m.offline.ReconnectionAttempts = 0
	m.persistLocked()
	ctx := m.runCtx
	m.mu.Unlock()

	m.log.Info().Msg("Connection online")
	m.emit(Notification{Event: EventStateChanged, State: StateConnected})
	m.runRecovery(ctx)
}

// HandleOffline transitions to disconnected and starts reconnection attempts
func (m *Monitor) HandleOffline() {
	m.mu.Lock()
	m.state = StateDisconnected
	m.reconnecting = false
	m.offline.IsOnline = false
	m.offline.LastOfflineAt = time.Now()
	m.offline.PendingSync = true
	m.persistLocked()
	m.mu.Unlock()

	m.log.Warn().Msg("Connection offline")
	m.emit(Notification{Event: EventStateChanged, State: StateDisconnected})

	m.mu.Lock()
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// Resume restarts an abandoned reconnection loop. Required after
// EventReconnectionFailed; the monitor never self-heals past its attempt cap.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected || m.reconnecting {
		return
	}
	m.attempts = 0
	m.expBackoff.Reset()
	m.scheduleReconnectLocked()
	m.log.Info().Msg("Reconnection loop resumed")
}

// scheduleReconnectLocked arms the reconnection timer; m.mu must be held
func (m *Monitor) scheduleReconnectLocked() {
	// An attempt in flight when Stop runs must not re-arm the timer.
	if !m.started || m.state == StateConnected {
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.reconnecting = false
		attempts := m.attempts
		m.log.Error().Int("attempts", attempts).Msg("Reconnection abandoned after max attempts")
		go m.emit(Notification{Event: EventReconnectionFailed, State: StateDisconnected, Attempt: attempts})
		return
	}

	m.reconnecting = true
	delay := m.nextDelayLocked()
	m.timer = time.AfterFunc(delay, m.attemptReconnect)

	m.log.Debug().
		Int("attempt", m.attempts+1).
		Dur("delay", delay).
		Msg("Reconnection attempt scheduled")
}

// nextDelayLocked computes the next backoff delay, clamped to the configured
// bounds. Jitter keeps concurrent clients from stampeding a recovering
// endpoint; clamping keeps every delay within [initial, max].
func (m *Monitor) nextDelayLocked() time.Duration {
	delay := m.expBackoff.NextBackOff()
	if delay < m.cfg.InitialDelay {
		delay = m.cfg.InitialDelay
	}
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	return delay
}

// attemptReconnect probes the session endpoint once
func (m *Monitor) attemptReconnect() {
	m.mu.Lock()
	if m.state == StateConnected || !m.reconnecting {
		m.mu.Unlock()
		return
	}
	ctx := m.runCtx
	m.mu.Unlock()

	m.metrics.RecordReconnectAttempt()

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := m.prober.ProbeSession(probeCtx)
	cancel()

	if err == nil {
		m.HandleOnline()
		return
	}

	m.mu.Lock()
	m.attempts++
	m.offline.ReconnectionAttempts++
	m.persistLocked()
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection attempt failed")
	m.emit(Notification{Event: EventReconnectionError, State: StateDisconnected, Reconnecting: true, Attempt: attempt, Err: err})

	m.mu.Lock()
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// runRecovery executes the registered recovery hook after reconnection
func (m *Monitor) runRecovery(ctx context.Context) {
	m.mu.Lock()
	recovery := m.recovery
	m.mu.Unlock()

	if recovery != nil {
		if err := recovery(ctx); err != nil {
			m.log.Error().Err(err).Msg("Reconnection recovery failed")
			m.emit(Notification{Event: EventReconnectionError, State: StateConnected, Err: err})
			return
		}
	}

	m.mu.Lock()
	m.offline.PendingSync = false
	m.persistLocked()
	m.mu.Unlock()

	m.emit(Notification{Event: EventReconnectionSuccessful, State: StateConnected})
}

// persistLocked writes the offline state; m.mu must be held
func (m *Monitor) persistLocked() {
	if err := m.store.PutRecord(context.Background(), keyOfflineState, &m.offline); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist offline state")
	}
}

// emit delivers a notification to all subscribers
func (m *Monitor) emit(n Notification) {
	m.mu.Lock()
	subs := make([]Handler, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, h := range subs {
		h(n)
	}
}
