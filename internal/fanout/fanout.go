// Package fanout maps conversations to their interested users and routes
// events to each subscriber's live transport or offline queue. Subscriptions
// persist across reconnects until explicit unsubscribe.
package fanout

import (
	"hash/fnv"
	"log"
	"sync"

	"github.com/unveil/ritual-app/internal/metrics"
	"github.com/unveil/ritual-app/internal/queue"
	"github.com/unveil/ritual-app/internal/registry"
)

const shardCount = 32

type shard struct {
	mu sync.RWMutex
	// conversation_id -> set of user_ids
	subs map[string]map[string]struct{}
	// user_id -> set of conversation_ids, for presence fanout
	byUser map[string]map[string]struct{}
}

// Index is the sharded subscription table. Conversations hash to shards;
// the reverse user index lives alongside so both directions stay consistent
// under one lock per mutation.
type Index struct {
	shards [shardCount]*shard
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{
			subs:   make(map[string]map[string]struct{}),
			byUser: make(map[string]map[string]struct{}),
		}
	}
	return idx
}

func (idx *Index) shardFor(conversationID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return idx.shards[h.Sum32()%shardCount]
}

// Subscribe adds the user to the conversation's subscriber set.
func (idx *Index) Subscribe(conversationID, userID string) {
	s := idx.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.subs[conversationID]
	if !ok {
		set = make(map[string]struct{})
		s.subs[conversationID] = set
	}
	set[userID] = struct{}{}

	convs, ok := s.byUser[userID]
	if !ok {
		convs = make(map[string]struct{})
		s.byUser[userID] = convs
	}
	convs[conversationID] = struct{}{}
}

// Unsubscribe removes the user from the conversation's subscriber set,
// pruning empty sets.
func (idx *Index) Unsubscribe(conversationID, userID string) {
	s := idx.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.subs[conversationID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.subs, conversationID)
		}
	}
	if convs, ok := s.byUser[userID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(s.byUser, userID)
		}
	}
}

// IsSubscribed reports whether the user is in the conversation's set.
func (idx *Index) IsSubscribed(conversationID, userID string) bool {
	s := idx.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.subs[conversationID]
	if !ok {
		return false
	}
	_, ok = set[userID]
	return ok
}

// Subscribers returns a snapshot of the conversation's subscriber IDs.
func (idx *Index) Subscribers(conversationID string) []string {
	s := idx.shardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.subs[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}

// ConversationsOf returns a snapshot of the conversations the user is
// subscribed to. Used to route presence transitions.
func (idx *Index) ConversationsOf(userID string) []string {
	var out []string
	for _, s := range idx.shards {
		s.mu.RLock()
		for conv := range s.byUser[userID] {
			out = append(out, conv)
		}
		s.mu.RUnlock()
	}
	return out
}

// Broadcaster resolves each subscriber to a live transport or the offline
// queue and delivers one event to all of them. While a reconnect drain is in
// flight for a user, their deliveries are diverted into the queue so queued
// events always reach the transport ahead of newer ones.
type Broadcaster struct {
	idx *Index
	reg *registry.Registry
	q   *queue.Queue

	mu       sync.Mutex
	draining map[string]struct{}
}

// NewBroadcaster creates a Broadcaster over the given index, registry, and
// offline queue.
func NewBroadcaster(idx *Index, reg *registry.Registry, q *queue.Queue) *Broadcaster {
	return &Broadcaster{
		idx:      idx,
		reg:      reg,
		q:        q,
		draining: make(map[string]struct{}),
	}
}

// Index returns the underlying subscription index.
func (b *Broadcaster) Index() *Index {
	return b.idx
}

// Broadcast delivers the event to every subscriber of the conversation,
// skipping the exclude list (normally the sender, to prevent echo).
func (b *Broadcaster) Broadcast(conversationID string, event []byte, exclude ...string) {
	skip := make(map[string]struct{}, len(exclude))
	for _, uid := range exclude {
		skip[uid] = struct{}{}
	}

	for _, uid := range b.idx.Subscribers(conversationID) {
		if _, ok := skip[uid]; ok {
			continue
		}
		b.DeliverToUser(uid, event)
	}
}

// BeginDrain diverts the user's deliveries into the offline queue until the
// drain gate is lifted. Called before a reconnect drain makes the new
// transport visible.
func (b *Broadcaster) BeginDrain(userID string) {
	b.mu.Lock()
	b.draining[userID] = struct{}{}
	b.mu.Unlock()
}

// EndDrain lifts the drain gate if the user's queue is still empty. A false
// return means events were diverted mid-drain and the caller must drain
// again before retrying. The emptiness check and the gate removal happen
// under the same lock that diverted enqueues hold, so no event can slip in
// behind a successful EndDrain.
func (b *Broadcaster) EndDrain(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Len(userID) > 0 {
		return false
	}
	delete(b.draining, userID)
	return true
}

// ReleaseDrain lifts the drain gate unconditionally. Used when a drain
// fails; the undelivered events stay queued for the next reconnect.
func (b *Broadcaster) ReleaseDrain(userID string) {
	b.mu.Lock()
	delete(b.draining, userID)
	b.mu.Unlock()
}

// DeliverToUser sends the event to the user's live transport, falling back
// to the offline queue when the user has no transport or the send fails. A
// failed send means the transport is dead but its close callback has not
// fired yet; the event must not be dropped.
func (b *Broadcaster) DeliverToUser(userID string, event []byte) {
	b.mu.Lock()
	if _, ok := b.draining[userID]; ok {
		b.enqueue(userID, event)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	t := b.reg.Lookup(userID)
	if t == nil {
		b.enqueue(userID, event)
		return
	}
	if err := t.Send(event); err != nil {
		log.Printf("fanout: send to user=%s failed, queueing: %v", userID, err)
		b.enqueue(userID, event)
	}
}

func (b *Broadcaster) enqueue(userID string, event []byte) {
	if b.q.Enqueue(userID, event) {
		metrics.QueueDrops.Inc()
		log.Printf("fanout: offline queue full for user=%s, dropped oldest event", userID)
	}
}
