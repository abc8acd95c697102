package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/questforge/relay/internal/logger"
	"github.com/questforge/relay/internal/message"
)

// Config holds queue and processing tunables, mutable at runtime
type Config struct {
	// MaxSize bounds the queue; Enqueue rejects beyond it
	MaxSize int
	// MaxRetries is the per-message retry budget
	MaxRetries int
	// RetryDelay is the base delay between retries
	RetryDelay time.Duration
	// AckTimeout is the acknowledgment deadline
	AckTimeout time.Duration
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		MaxSize:    100,
		MaxRetries: 3,
		RetryDelay: time.Second,
		AckTimeout: 5 * time.Minute,
	}
}

// PriorityQueue is the in-memory ordering of pending messages: HIGH before
// MEDIUM before LOW, FIFO within a tier. It is always rebuildable from the
// durable store, which is the source of truth when the two disagree.
type PriorityQueue struct {
	mu      sync.RWMutex
	heap    messageHeap
	nextSeq uint64
	cfg     Config
	log     zerolog.Logger
}

// New creates an empty priority queue
func New(cfg Config) *PriorityQueue {
	return &PriorityQueue{
		cfg: cfg,
		log: logger.WithComponent("queue"),
	}
}

// Config returns the current configuration
func (q *PriorityQueue) Config() Config {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

// SetConfig replaces the configuration at runtime
func (q *PriorityQueue) SetConfig(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg
}

// Enqueue admits a message, returning false when the queue is at capacity.
// Rejection is admission control, not an error.
func (q *PriorityQueue) Enqueue(msg *message.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() >= q.cfg.MaxSize {
		q.log.Warn().
			Str("message_id", msg.ID).
			Int("max_size", q.cfg.MaxSize).
			Msg("Queue full, message rejected")
		return false
	}

	q.nextSeq++
	heap.Push(&q.heap, &item{msg: msg, seq: q.nextSeq})
	return true
}

// Dequeue removes and returns the head message, or nil if the queue is empty
func (q *PriorityQueue) Dequeue() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	return it.msg
}

// Peek returns the head message without removing it, or nil if empty
func (q *PriorityQueue) Peek() *message.Message {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.heap.Len() == 0 {
		return nil
	}
	return q.heap.items[0].msg
}

// Remove removes a specific message by id
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.heap.items {
		if it.msg.ID == id {
			heap.Remove(&q.heap, i)
			return true
		}
	}
	return false
}

// Contains reports whether a message id is currently queued
func (q *PriorityQueue) Contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, it := range q.heap.items {
		if it.msg.ID == id {
			return true
		}
	}
	return false
}

// Len returns the number of queued messages
func (q *PriorityQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.heap.Len()
}

// IDs returns the ids of all queued messages
func (q *PriorityQueue) IDs() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ids := make([]string, 0, q.heap.Len())
	for _, it := range q.heap.items {
		ids = append(ids, it.msg.ID)
	}
	return ids
}

// Messages returns a copy of all queued messages, unordered
func (q *PriorityQueue) Messages() []*message.Message {
	q.mu.RLock()
	defer q.mu.RUnlock()

	msgs := make([]*message.Message, 0, q.heap.Len())
	for _, it := range q.heap.items {
		msgs = append(msgs, it.msg)
	}
	return msgs
}

// OldestCreatedAt returns the earliest creation time among queued messages
// and false when the queue is empty
func (q *PriorityQueue) OldestCreatedAt() (time.Time, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	oldest := q.heap.items[0].msg.CreatedAt
	for _, it := range q.heap.items[1:] {
		if it.msg.CreatedAt.Before(oldest) {
			oldest = it.msg.CreatedAt
		}
	}
	return oldest, true
}

// Clear removes all messages
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap.items = nil
}

// Validate compares the queue against the ids persisted in the store
// snapshot. It returns false when the store holds an id the queue lacks,
// signalling the caller to rebuild the queue from storage.
func (q *PriorityQueue) Validate(storedIDs []string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	queued := make(map[string]struct{}, q.heap.Len())
	for _, it := range q.heap.items {
		queued[it.msg.ID] = struct{}{}
	}

	for _, id := range storedIDs {
		if _, ok := queued[id]; !ok {
			q.log.Warn().Str("message_id", id).Msg("Message present in store but absent from queue")
			return false
		}
	}
	return true
}
