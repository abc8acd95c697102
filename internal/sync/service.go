package sync

import (
	"context"
	"errors"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/message"
	"github.com/questforge/relay/internal/metrics"
	"github.com/questforge/relay/internal/remote"
	"github.com/questforge/relay/internal/store"
)

const keyPrefix = "sync/"

// Service maintains the agent's vector clock, detects conflicting concurrent
// updates to shared message sequences, and resolves them with the configured
// strategy. The service is eventually consistent: remote failures are logged
// and retried on the next periodic tick, never escalated.
type Service struct {
	agentID  string
	store    *store.Store
	backend  remote.Backend
	resolver Resolver
	metrics  *metrics.MessagingMetrics
	log      zerolog.Logger

	mu       stdsync.Mutex
	clock    VectorClock
	lastSeq  int64
	checking bool

	// Backlogs of sequences whose remote write failed, keyed by message id.
	// Retried on the consistency tick; the ids are part of the persisted
	// status record.
	pending   map[string]*MessageSequence
	conflicts map[string]*MessageSequence

	checkInterval time.Duration
	cancel        context.CancelFunc
	started       bool
	wg            stdsync.WaitGroup
}

// NewService creates a synchronization service for the given agent
func NewService(agentID string, s *store.Store, backend remote.Backend, resolver Resolver, checkInterval time.Duration, m *metrics.MessagingMetrics) *Service {
	if resolver == nil {
		resolver = TimestampResolver{}
	}
	return &Service{
		agentID:       agentID,
		store:         s,
		backend:       backend,
		resolver:      resolver,
		metrics:       m,
		log:           logger.WithComponent("sync"),
		clock:         NewVectorClock(),
		pending:       make(map[string]*MessageSequence),
		conflicts:     make(map[string]*MessageSequence),
		checkInterval: checkInterval,
	}
}

// Start restores persisted sync status and begins the periodic consistency check
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true

	var status Status
	if err := s.store.GetRecord(ctx, keyPrefix+s.agentID, &status); err == nil {
		if status.Clock != nil {
			s.clock = status.Clock
		}
		s.lastSeq = status.LastSequenceNumber
		// Backlog payloads do not survive a restart; the ids do, and the
		// consistency tick reconciles them against the remote.
		for _, id := range status.PendingMessageIDs {
			s.pending[id] = nil
		}
		for _, id := range status.ConflictIDs {
			s.conflicts[id] = nil
		}
	} else if !errors.As(err, &store.RecordNotFoundError{}) {
		s.started = false
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if s.checkInterval > 0 {
		s.wg.Add(1)
		go s.run(runCtx)
	}

	s.log.Info().
		Str("agent_id", s.agentID).
		Int64("last_seq", s.lastSeq).
		Msg("Synchronization service started")
	return nil
}

// Stop halts the periodic consistency check
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckConsistency(ctx)
		}
	}
}

// Clock returns a copy of the local vector clock
func (s *Service) Clock() VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Copy()
}

// SynchronizeMessage stamps a message with the agent's advanced clock and a
// fresh sequence number, then persists the sequence remotely and the sync
// status locally
func (s *Service) SynchronizeMessage(ctx context.Context, msg *message.Message) error {
	s.mu.Lock()
	s.clock.Increment(s.agentID)
	s.lastSeq++
	seq := &MessageSequence{
		MessageID:      msg.ID,
		AgentID:        s.agentID,
		SequenceNumber: s.lastSeq,
		Clock:          s.clock.Copy(),
		CreatedAt:      time.Now(),
	}
	s.mu.Unlock()

	if err := s.backend.UpsertSequence(ctx, toRemote(seq)); err != nil {
		s.mu.Lock()
		s.pending[msg.ID] = seq
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to persist sequence remotely")
		if perr := s.persistStatus(ctx); perr != nil {
			s.log.Warn().Err(perr).Msg("Failed to persist sync status")
		}
		return err
	}

	s.mu.Lock()
	delete(s.pending, msg.ID)
	s.mu.Unlock()

	if err := s.persistStatus(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist sync status")
	}

	s.log.Debug().
		Str("message_id", msg.ID).
		Int64("seq", seq.SequenceNumber).
		Msg("Message synchronized")

	return nil
}

// ApplyRemote folds an incoming remote sequence into local state. Conflicting
// sequences are resolved with the configured strategy and the winner is
// written back remotely; conflict-free clocks are merged component-wise.
func (s *Service) ApplyRemote(ctx context.Context, incoming *MessageSequence) error {
	s.mu.Lock()
	conflict := s.clock.ConflictsWith(incoming.Clock)
	s.mu.Unlock()

	if !conflict {
		s.mu.Lock()
		s.clock.Merge(incoming.Clock)
		s.mu.Unlock()

		if err := s.persistStatus(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to persist sync status after merge")
		}
		return nil
	}

	s.metrics.RecordSyncConflict()
	s.log.Warn().
		Str("message_id", incoming.MessageID).
		Str("remote_agent", incoming.AgentID).
		Msg("Sync conflict detected")

	return s.resolveConflict(ctx, incoming)
}

// resolveConflict resolves an incoming sequence against the stored remote
// version and overwrites the loser
func (s *Service) resolveConflict(ctx context.Context, incoming *MessageSequence) error {
	stored, err := s.backend.GetSequence(ctx, incoming.MessageID)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", incoming.MessageID).Msg("Failed to fetch stored sequence for conflict resolution")
		s.deferConflict(ctx, incoming)
		return err
	}

	var local *MessageSequence
	if stored != nil {
		local = fromRemote(*stored)
	}

	winner := s.resolver.Resolve(local, incoming)
	if winner == nil {
		winner = incoming
	}

	if err := s.backend.UpsertSequence(ctx, toRemote(winner)); err != nil {
		s.log.Warn().Err(err).Str("message_id", incoming.MessageID).Msg("Failed to write conflict winner")
		s.deferConflict(ctx, incoming)
		return err
	}

	s.mu.Lock()
	s.clock.Merge(winner.Clock)
	delete(s.conflicts, incoming.MessageID)
	s.mu.Unlock()

	if err := s.persistStatus(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist sync status after resolution")
	}

	s.log.Info().
		Str("message_id", incoming.MessageID).
		Str("winner_agent", winner.AgentID).
		Msg("Sync conflict resolved")

	return nil
}

// deferConflict records a sequence whose resolution failed so the next
// consistency tick can retry it
func (s *Service) deferConflict(ctx context.Context, incoming *MessageSequence) {
	s.mu.Lock()
	s.conflicts[incoming.MessageID] = incoming
	s.mu.Unlock()

	if err := s.persistStatus(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist sync status")
	}
}

// CheckConsistency fetches all known sequences and verifies strict
// contiguous numbering per agent; a gap triggers a full resynchronization.
// Overlapping invocations are serialized by a busy flag.
func (s *Service) CheckConsistency(ctx context.Context) {
	s.mu.Lock()
	if s.checking {
		s.mu.Unlock()
		return
	}
	s.checking = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.checking = false
		s.mu.Unlock()
	}()

	s.flushBacklog(ctx)

	records, err := s.backend.ListSequences(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Consistency check skipped: failed to list sequences")
		return
	}

	if s.hasGap(records) {
		s.log.Warn().Int("sequences", len(records)).Msg("Sequence gap detected, starting full resync")
		s.Resynchronize(ctx, records)
	}
}

// flushBacklog retries sequence writes that failed on earlier cycles.
// Entries restored from a previous run carry no payload: a pending one is
// re-stamped with the current clock, an unresolved conflict concedes to the
// stored remote version.
func (s *Service) flushBacklog(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 && len(s.conflicts) == 0 {
		s.mu.Unlock()
		return
	}
	pending := make(map[string]*MessageSequence, len(s.pending))
	for id, seq := range s.pending {
		pending[id] = seq
	}
	conflicts := make(map[string]*MessageSequence, len(s.conflicts))
	for id, seq := range s.conflicts {
		conflicts[id] = seq
	}
	s.mu.Unlock()

	for id, seq := range pending {
		if seq == nil {
			s.mu.Lock()
			s.clock.Increment(s.agentID)
			s.lastSeq++
			seq = &MessageSequence{
				MessageID:      id,
				AgentID:        s.agentID,
				SequenceNumber: s.lastSeq,
				Clock:          s.clock.Copy(),
				CreatedAt:      time.Now(),
			}
			s.mu.Unlock()
		}
		if err := s.backend.UpsertSequence(ctx, toRemote(seq)); err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("Pending sequence retry failed")
			continue
		}
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	for id, seq := range conflicts {
		if seq == nil {
			stored, err := s.backend.GetSequence(ctx, id)
			if err != nil {
				s.log.Warn().Err(err).Str("message_id", id).Msg("Conflict reconciliation failed")
				continue
			}
			s.mu.Lock()
			if stored != nil {
				s.clock.Merge(VectorClock(stored.VectorClock))
			}
			delete(s.conflicts, id)
			s.mu.Unlock()
			continue
		}
		if err := s.resolveConflict(ctx, seq); err != nil {
			s.log.Warn().Err(err).Str("message_id", id).Msg("Conflict resolution retry failed")
		}
	}

	if err := s.persistStatus(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist sync status")
	}
}

// hasGap reports whether any agent's sequence numbers are non-contiguous
func (s *Service) hasGap(records []remote.SequenceRecord) bool {
	lastByAgent := make(map[string]int64)
	for _, rec := range records {
		last, seen := lastByAgent[rec.AgentID]
		if seen && rec.SequenceNumber != last+1 {
			return true
		}
		if !seen && rec.SequenceNumber != 1 {
			return true
		}
		lastByAgent[rec.AgentID] = rec.SequenceNumber
	}
	return false
}

// Resynchronize replays all sequences in creation order and reconciles the
// local clock per message
func (s *Service) Resynchronize(ctx context.Context, records []remote.SequenceRecord) {
	s.metrics.RecordResync()

	ordered := make([]remote.SequenceRecord, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	for i := range ordered {
		seq := fromRemote(ordered[i])
		if err := s.ApplyRemote(ctx, seq); err != nil {
			s.log.Warn().Err(err).Str("message_id", seq.MessageID).Msg("Resync skipped sequence")
		}
		s.mu.Lock()
		if seq.AgentID == s.agentID && seq.SequenceNumber > s.lastSeq {
			s.lastSeq = seq.SequenceNumber
		}
		s.mu.Unlock()
	}

	if err := s.persistStatus(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist sync status after resync")
	}

	s.log.Info().Int("sequences", len(ordered)).Msg("Resynchronization completed")
}

// persistStatus writes the agent's sync status locally and remotely
func (s *Service) persistStatus(ctx context.Context) error {
	s.mu.Lock()
	status := Status{
		AgentID:            s.agentID,
		LastSequenceNumber: s.lastSeq,
		Clock:              s.clock.Copy(),
		PendingMessageIDs:  sortedIDs(s.pending),
		ConflictIDs:        sortedIDs(s.conflicts),
		UpdatedAt:          time.Now(),
	}
	s.mu.Unlock()

	if err := s.store.PutRecord(ctx, keyPrefix+s.agentID, &status); err != nil {
		return err
	}

	if err := s.backend.UpsertSyncStatus(ctx, remote.SyncStatusRecord{
		AgentID:            status.AgentID,
		LastSequenceNumber: status.LastSequenceNumber,
		VectorClock:        status.Clock,
		PendingMessageIDs:  status.PendingMessageIDs,
		ConflictIDs:        status.ConflictIDs,
		UpdatedAt:          status.UpdatedAt,
	}); err != nil {
		// Remote status is advisory; local state is authoritative.
		s.log.Debug().Err(err).Msg("Failed to push sync status remotely")
	}
	return nil
}

// sortedIDs snapshots a backlog's message ids; the caller holds s.mu
func sortedIDs(set map[string]*MessageSequence) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func toRemote(seq *MessageSequence) remote.SequenceRecord {
	return remote.SequenceRecord{
		ID:             uuid.NewString(),
		MessageID:      seq.MessageID,
		AgentID:        seq.AgentID,
		SequenceNumber: seq.SequenceNumber,
		VectorClock:    map[string]int64(seq.Clock.Copy()),
		CreatedAt:      seq.CreatedAt,
	}
}

func fromRemote(rec remote.SequenceRecord) *MessageSequence {
	clock := NewVectorClock()
	clock.Merge(VectorClock(rec.VectorClock))
	return &MessageSequence{
		MessageID:      rec.MessageID,
		AgentID:        rec.AgentID,
		SequenceNumber: rec.SequenceNumber,
		Clock:          clock,
		CreatedAt:      rec.CreatedAt,
	}
}
