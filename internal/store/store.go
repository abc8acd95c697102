package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/message"
)

// Key prefixes. Messages carry two secondary indexes: one on status (for
// getPendingMessages) and one on creation time (for garbage collection).
const (
	prefixMessage     = "msg/"
	prefixStatusIndex = "idx/status/"
	prefixTimeIndex   = "idx/created/"
	prefixRecord      = "rec/"
	keySnapshot       = "snapshot/current"
)

// Store persists messages, the queue snapshot, and auxiliary records in a
// local Pebble database, independent of the remote backend.
type Store struct {
	dir string
	db  *pebble.DB
	log zerolog.Logger
	mu  sync.RWMutex
}

// New creates a store rooted at dir. The database is opened lazily on first
// use, so construction never touches the filesystem.
func New(dir string) *Store {
	return &Store{
		dir: dir,
		log: logger.WithComponent("store"),
	}
}

// Start opens the underlying database
func (s *Store) Start(ctx context.Context) error {
	_, err := s.ensureOpen()
	return err
}

// Stop closes the underlying database
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return UnavailableError{Op: "close", Err: err}
	}
	s.log.Info().Msg("Store closed")
	return nil
}

// Ready returns true if the database is open
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// ensureOpen opens the database on first use
func (s *Store) ensureOpen() (*pebble.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	dbDir := filepath.Join(s.dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, UnavailableError{Op: "open", Err: err}
	}

	db, err := pebble.Open(dbDir, &pebble.Options{})
	if err != nil {
		return nil, UnavailableError{Op: "open", Err: err}
	}

	s.db = db
	s.log.Info().Str("dir", dbDir).Msg("Store opened")
	return db, nil
}

func messageKey(id string) []byte {
	return []byte(prefixMessage + id)
}

func statusIndexKey(status message.Status, id string) []byte {
	return []byte(prefixStatusIndex + string(status) + "/" + id)
}

// timeIndexKey encodes the creation time zero-padded so lexicographic key
// order matches chronological order.
func timeIndexKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixTimeIndex, createdAt.UnixNano(), id))
}

func recordKey(key string) []byte {
	return []byte(prefixRecord + key)
}

// StoreMessage upserts a message by id and maintains its secondary indexes.
// Each call is a single atomic batch.
func (s *Store) StoreMessage(ctx context.Context, msg *message.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return err
	}

	encoded, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	batch := db.NewBatch()
	defer batch.Close()

	// Clear a stale status index entry if the message already exists with a
	// different status.
	if existing, err := s.readMessage(db, msg.ID); err == nil {
		if existing.Status != msg.Status {
			if err := batch.Delete(statusIndexKey(existing.Status, msg.ID), nil); err != nil {
				return UnavailableError{Op: "store", Err: err}
			}
		}
	} else if !errors.As(err, &MessageNotFoundError{}) {
		return err
	}

	if err := batch.Set(messageKey(msg.ID), encoded, nil); err != nil {
		return UnavailableError{Op: "store", Err: err}
	}
	if err := batch.Set(statusIndexKey(msg.Status, msg.ID), nil, nil); err != nil {
		return UnavailableError{Op: "store", Err: err}
	}
	if err := batch.Set(timeIndexKey(msg.CreatedAt, msg.ID), []byte(msg.ID), nil); err != nil {
		return UnavailableError{Op: "store", Err: err}
	}

	if err := db.Apply(batch, pebble.Sync); err != nil {
		return UnavailableError{Op: "store", Err: err}
	}

	s.log.Debug().
		Str("message_id", msg.ID).
		Str("status", string(msg.Status)).
		Msg("Message stored")

	return nil
}

// GetMessage retrieves a message by id
func (s *Store) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return nil, err
	}
	return s.readMessage(db, id)
}

// readMessage fetches and decodes a message straight off the db handle;
// pebble's own synchronization makes this safe without holding s.mu.
func (s *Store) readMessage(db *pebble.DB, id string) (*message.Message, error) {
	value, closer, err := db.Get(messageKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, MessageNotFoundError{ID: id}
		}
		return nil, UnavailableError{Op: "get", Err: err}
	}
	defer closer.Close()

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	msg, err := message.Decode(valueCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return msg, nil
}

// DeleteMessage removes a message and its index entries. Fails with
// MessageNotFoundError if the id is absent.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return err
	}

	msg, err := s.readMessage(db, id)
	if err != nil {
		return err
	}

	batch := db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(messageKey(id), nil); err != nil {
		return UnavailableError{Op: "delete", Err: err}
	}
	if err := batch.Delete(statusIndexKey(msg.Status, id), nil); err != nil {
		return UnavailableError{Op: "delete", Err: err}
	}
	if err := batch.Delete(timeIndexKey(msg.CreatedAt, id), nil); err != nil {
		return UnavailableError{Op: "delete", Err: err}
	}

	if err := db.Apply(batch, pebble.Sync); err != nil {
		return UnavailableError{Op: "delete", Err: err}
	}

	s.log.Debug().Str("message_id", id).Msg("Message deleted")
	return nil
}

// UpdateMessageStatus transitions a stored message's status. Fails with
// MessageNotFoundError if the id is absent.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status message.Status) error {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	msg.Status = status
	return s.StoreMessage(ctx, msg)
}

// PendingMessages returns all messages with status "pending" via the status
// index, ordered by creation time.
func (s *Store) PendingMessages(ctx context.Context) ([]*message.Message, error) {
	return s.MessagesByStatus(ctx, message.StatusPending)
}

// MessagesByStatus returns all messages with the given status
func (s *Store) MessagesByStatus(ctx context.Context, status message.Status) ([]*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return nil, err
	}

	lower := []byte(prefixStatusIndex + string(status) + "/")
	upper := append(append([]byte{}, lower...), 0xff)

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, UnavailableError{Op: "scan", Err: err}
	}
	defer iter.Close()

	var messages []*message.Message
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(iter.Key()[len(lower):])
		msg, err := s.readMessage(db, id)
		if err != nil {
			// A dangling index entry; skip it rather than fail the scan.
			s.log.Warn().Err(err).Str("message_id", id).Msg("Dangling status index entry")
			continue
		}
		messages = append(messages, msg)
	}

	// Index order is by id; callers expect arrival order.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// ClearOldMessages deletes terminal message records older than maxAge,
// sweeping the creation-time index. Returns the number of records removed.
func (s *Store) ClearOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	lower := []byte(prefixTimeIndex)
	upper := timeIndexKey(cutoff, "")

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, UnavailableError{Op: "gc", Err: err}
	}
	defer iter.Close()

	removed := 0
	batch := db.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id := string(iter.Value())
		indexKey := append([]byte{}, iter.Key()...)

		msg, err := s.readMessage(db, id)
		if err != nil {
			// Message already gone; drop the index entry.
			if err := batch.Delete(indexKey, nil); err != nil {
				return removed, UnavailableError{Op: "gc", Err: err}
			}
			continue
		}

		if !msg.Status.Terminal() {
			continue
		}

		if err := batch.Delete(messageKey(id), nil); err != nil {
			return removed, UnavailableError{Op: "gc", Err: err}
		}
		if err := batch.Delete(statusIndexKey(msg.Status, id), nil); err != nil {
			return removed, UnavailableError{Op: "gc", Err: err}
		}
		if err := batch.Delete(indexKey, nil); err != nil {
			return removed, UnavailableError{Op: "gc", Err: err}
		}
		removed++
	}

	if err := db.Apply(batch, pebble.Sync); err != nil {
		return 0, UnavailableError{Op: "gc", Err: err}
	}

	if removed > 0 {
		s.log.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("Old terminal messages cleared")
	}
	return removed, nil
}

// SaveQueueState overwrites the current queue snapshot
func (s *Store) SaveQueueState(ctx context.Context, snapshot *Snapshot) error {
	snapshot.SavedAt = time.Now()
	return s.PutRecord(ctx, keySnapshot, snapshot)
}

// QueueState returns the current queue snapshot, or nil if none was saved
func (s *Store) QueueState(ctx context.Context) (*Snapshot, error) {
	var snapshot Snapshot
	if err := s.GetRecord(ctx, keySnapshot, &snapshot); err != nil {
		if errors.As(err, &RecordNotFoundError{}) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

// PutRecord upserts an arbitrary JSON-encoded record under a caller key.
// Used for acknowledgments, offline state, and sync status.
func (s *Store) PutRecord(ctx context.Context, key string, value any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}

	if err := db.Set(recordKey(key), encoded, pebble.Sync); err != nil {
		return UnavailableError{Op: "put", Err: err}
	}
	return nil
}

// GetRecord retrieves a record into value, returning RecordNotFoundError if absent
func (s *Store) GetRecord(ctx context.Context, key string, value any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return err
	}

	data, closer, err := db.Get(recordKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return RecordNotFoundError{Key: key}
		}
		return UnavailableError{Op: "get", Err: err}
	}
	defer closer.Close()

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return nil
}

// DeleteRecord removes a record; deleting an absent key is not an error
func (s *Store) DeleteRecord(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return err
	}

	if err := db.Delete(recordKey(key), pebble.Sync); err != nil {
		return UnavailableError{Op: "delete", Err: err}
	}
	return nil
}

// ListRecords returns the raw values of all records whose key has the given prefix
func (s *Store) ListRecords(ctx context.Context, prefix string) ([][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	db, err := s.ensureOpen()
	if err != nil {
		return nil, err
	}

	lower := recordKey(prefix)
	upper := append(append([]byte{}, lower...), 0xff)

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, UnavailableError{Op: "scan", Err: err}
	}
	defer iter.Close()

	var values [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		value := append([]byte{}, iter.Value()...)
		values = append(values, value)
	}
	return values, nil
}
