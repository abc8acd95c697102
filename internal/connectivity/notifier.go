package connectivity

import (
	"context"
	"sync"
	"time"
)

// ProbeNotifier derives online/offline transitions by polling the session
// endpoint. It emits only on state changes. This is the default notifier for
// environments without native connectivity signals; embedders with real
// signals (browser runtimes, mobile shells) supply their own Notifier.
type ProbeNotifier struct {
	prober   Prober
	interval time.Duration

	events  chan bool
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

var _ Notifier = (*ProbeNotifier)(nil)

// NewProbeNotifier creates a polling notifier with the given probe interval
func NewProbeNotifier(prober Prober, interval time.Duration) *ProbeNotifier {
	return &ProbeNotifier{
		prober:   prober,
		interval: interval,
		events:   make(chan bool, 1),
	}
}

// Events returns the transition channel
func (n *ProbeNotifier) Events() <-chan bool {
	return n.events
}

// Start begins polling
func (n *ProbeNotifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	n.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(1)
	go n.run(runCtx)
	return nil
}

// Stop halts polling
func (n *ProbeNotifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()
	return nil
}

func (n *ProbeNotifier) run(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	// Unknown until the first probe completes.
	var online *bool

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, n.interval)
			err := n.prober.ProbeSession(probeCtx)
			cancel()

			current := err == nil
			if online != nil && *online == current {
				continue
			}
			online = &current

			select {
			case n.events <- current:
			case <-ctx.Done():
				return
			}
		}
	}
}
