// Package queue implements the per-user offline delivery queue: a bounded
// FIFO holding area for events generated while a user has no live transport.
// Order is preserved because later events (a read receipt, say) can depend on
// earlier ones. Overflow drops the oldest entries; the conversation log
// remains the system of record, so a dropped live event is recoverable.
package queue

import (
	"hash/fnv"
	"sync"
)

// DefaultCapacity is the per-user event cap used when no explicit capacity
// is configured.
const DefaultCapacity = 256

const shardCount = 32

// QueuedEvent is a single pending outbound frame.
type QueuedEvent struct {
	Data []byte
}

// ringBuffer is a fixed-size circular buffer of queued events.
type ringBuffer struct {
	items []QueuedEvent
	pos   int
	count int
}

type shard struct {
	mu      sync.Mutex
	buffers map[string]*ringBuffer
}

// Queue holds per-user FIFO buffers behind sharded locks.
type Queue struct {
	capacity int
	shards   [shardCount]*shard
}

// New creates a Queue with the given per-user capacity. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{capacity: capacity}
	for i := range q.shards {
		q.shards[i] = &shard{buffers: make(map[string]*ringBuffer)}
	}
	return q
}

func (q *Queue) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return q.shards[h.Sum32()%shardCount]
}

// Enqueue appends an event to the user's buffer, creating it on first use.
// If the buffer is full the oldest event is overwritten; the return value
// reports whether an event was dropped.
func (q *Queue) Enqueue(userID string, data []byte) bool {
	s := q.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rb, ok := s.buffers[userID]
	if !ok {
		rb = &ringBuffer{items: make([]QueuedEvent, q.capacity)}
		s.buffers[userID] = rb
	}

	dropped := rb.count == q.capacity
	rb.items[rb.pos] = QueuedEvent{Data: data}
	rb.pos = (rb.pos + 1) % q.capacity
	if rb.count < q.capacity {
		rb.count++
	}
	return dropped
}

// Drain removes and returns all pending events for the user in FIFO order.
// The buffer is detached under the shard lock, so events enqueued after a
// drain begins land in a fresh buffer and are excluded from this drain's
// result.
func (q *Queue) Drain(userID string) [][]byte {
	s := q.shardFor(userID)
	s.mu.Lock()
	rb, ok := s.buffers[userID]
	if ok {
		delete(s.buffers, userID)
	}
	s.mu.Unlock()

	if !ok || rb.count == 0 {
		return nil
	}

	out := make([][]byte, rb.count)
	start := (rb.pos - rb.count + q.capacity) % q.capacity
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%q.capacity].Data
	}
	return out
}

// Requeue prepends events to the user's buffer, ahead of anything enqueued
// since those events were drained. A reconnect drain that fails mid-flight
// puts its undelivered tail back with this so the next drain still sees the
// oldest events first. On overflow the oldest events are dropped; the return
// value reports whether any were.
func (q *Queue) Requeue(userID string, events [][]byte) bool {
	if len(events) == 0 {
		return false
	}
	s := q.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	combined := events
	if rb, ok := s.buffers[userID]; ok && rb.count > 0 {
		combined = make([][]byte, 0, len(events)+rb.count)
		combined = append(combined, events...)
		start := (rb.pos - rb.count + q.capacity) % q.capacity
		for i := 0; i < rb.count; i++ {
			combined = append(combined, rb.items[(start+i)%q.capacity].Data)
		}
	}

	dropped := false
	if len(combined) > q.capacity {
		combined = combined[len(combined)-q.capacity:]
		dropped = true
	}

	rb := &ringBuffer{items: make([]QueuedEvent, q.capacity)}
	for i, data := range combined {
		rb.items[i] = QueuedEvent{Data: data}
	}
	rb.pos = len(combined) % q.capacity
	rb.count = len(combined)
	s.buffers[userID] = rb
	return dropped
}

// Len returns the number of events pending for the user.
func (q *Queue) Len(userID string) int {
	s := q.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.buffers[userID]
	if !ok {
		return 0
	}
	return rb.count
}

// PendingUsers returns the number of users with at least one queued event.
func (q *Queue) PendingUsers() int {
	n := 0
	for _, s := range q.shards {
		s.mu.Lock()
		n += len(s.buffers)
		s.mu.Unlock()
	}
	return n
}
