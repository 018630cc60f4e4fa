// Package presence derives per-user visibility (offline, online, typing)
// from session registry events. The offline transition is delayed by a grace
// window so a brief reconnect does not flap peer-visible presence; the
// reconciliation sweeper backstops transitions missed by ungraceful
// disconnects.
package presence

import (
	"hash/fnv"
	"sync"
	"time"
)

// Status is a user's peer-visible state.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusTyping  Status = "typing"
)

// DefaultGraceWindow is the delay before a disconnect becomes peer-visible.
const DefaultGraceWindow = 10 * time.Second

const shardCount = 32

// Record is a snapshot of one user's presence.
type Record struct {
	UserID               string
	Status               Status
	LastSeenAt           time.Time
	TypingInConversation string
}

type record struct {
	status     Status
	lastSeenAt time.Time
	typingIn   string
	// offlineGen invalidates a pending grace timer: a reconnect bumps the
	// generation so the timer's transition becomes a no-op.
	offlineGen uint64
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Tracker holds presence records behind sharded locks. All transitions flow
// through the delivery coordinator and the sweeper; the onTransition
// callback fires outside the shard lock for every visibility-crossing
// change (offline<->online).
type Tracker struct {
	grace        time.Duration
	shards       [shardCount]*shard
	onTransition func(userID string, status Status)
	snapshot     *Snapshot // optional Redis persistence, may be nil
}

// NewTracker creates a Tracker with the given grace window. A non-positive
// grace falls back to DefaultGraceWindow.
func NewTracker(grace time.Duration, snapshot *Snapshot) *Tracker {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	t := &Tracker{grace: grace, snapshot: snapshot}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*record)}
	}
	return t
}

// GraceWindow returns the configured grace window.
func (t *Tracker) GraceWindow() time.Duration {
	return t.grace
}

// SetOnTransition registers the callback invoked on visibility-crossing
// transitions. Must be called before the tracker receives traffic.
func (t *Tracker) SetOnTransition(fn func(userID string, status Status)) {
	t.onTransition = fn
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) getOrCreate(s *shard, userID string) *record {
	rec, ok := s.records[userID]
	if !ok {
		rec = &record{status: StatusOffline}
		s.records[userID] = rec
	}
	return rec
}

// SetOnline marks the user online, cancelling any pending offline
// transition. Returns true if the change crossed visibility (the user was
// offline), in which case the caller broadcasts it.
func (t *Tracker) SetOnline(userID string) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec := t.getOrCreate(s, userID)
	rec.offlineGen++ // cancel any pending grace timer
	crossed := rec.status == StatusOffline
	if crossed {
		rec.status = StatusOnline
	}
	rec.lastSeenAt = time.Now()
	s.mu.Unlock()

	if crossed {
		t.persist(userID, StatusOnline, "")
		if t.onTransition != nil {
			t.onTransition(userID, StatusOnline)
		}
	}
	return crossed
}

// MarkTyping moves the user to typing in the named conversation. Typing is
// reachable only from online; an offline user's typing event is ignored.
func (t *Tracker) MarkTyping(userID, conversationID string) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec := t.getOrCreate(s, userID)
	if rec.status == StatusOffline {
		s.mu.Unlock()
		return false
	}
	rec.status = StatusTyping
	rec.typingIn = conversationID
	rec.lastSeenAt = time.Now()
	s.mu.Unlock()

	t.persist(userID, StatusTyping, conversationID)
	return true
}

// ClearTyping returns a typing user to online. A non-empty conversationID
// only clears when it matches the conversation the user is typing in, so
// stopping in one conversation cannot clobber active typing in another. An
// empty conversationID clears unconditionally (disconnect path).
func (t *Tracker) ClearTyping(userID, conversationID string) {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec, ok := s.records[userID]
	changed := ok && rec.status == StatusTyping &&
		(conversationID == "" || rec.typingIn == conversationID)
	if changed {
		rec.status = StatusOnline
		rec.typingIn = ""
		rec.lastSeenAt = time.Now()
	}
	s.mu.Unlock()

	if changed {
		t.persist(userID, StatusOnline, "")
	}
}

// Touch refreshes the user's last-seen timestamp (heartbeats).
func (t *Tracker) Touch(userID string) {
	s := t.shardFor(userID)
	s.mu.Lock()
	if rec, ok := s.records[userID]; ok {
		rec.lastSeenAt = time.Now()
	}
	s.mu.Unlock()
}

// ScheduleOffline begins the delayed offline transition after a disconnect.
// A SetOnline within the grace window silently cancels it.
func (t *Tracker) ScheduleOffline(userID string) {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec := t.getOrCreate(s, userID)
	rec.offlineGen++
	gen := rec.offlineGen
	rec.lastSeenAt = time.Now()
	s.mu.Unlock()

	time.AfterFunc(t.grace, func() {
		t.completeOffline(userID, gen)
	})
}

func (t *Tracker) completeOffline(userID string, gen uint64) {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec, ok := s.records[userID]
	if !ok || rec.offlineGen != gen || rec.status == StatusOffline {
		s.mu.Unlock()
		return
	}
	rec.status = StatusOffline
	rec.typingIn = ""
	s.mu.Unlock()

	t.persist(userID, StatusOffline, "")
	if t.onTransition != nil {
		t.onTransition(userID, StatusOffline)
	}
}

// ForceOffline transitions the user to offline only if they are still marked
// online/typing and were last seen before the cutoff. Per-record
// compare-and-set for the sweeper; returns true if the transition happened.
func (t *Tracker) ForceOffline(userID string, lastSeenBefore time.Time) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	rec, ok := s.records[userID]
	if !ok || rec.status == StatusOffline || !rec.lastSeenAt.Before(lastSeenBefore) {
		s.mu.Unlock()
		return false
	}
	rec.offlineGen++
	rec.status = StatusOffline
	rec.typingIn = ""
	s.mu.Unlock()

	t.persist(userID, StatusOffline, "")
	if t.onTransition != nil {
		t.onTransition(userID, StatusOffline)
	}
	return true
}

// Get returns a snapshot of the user's presence record. Users never seen
// report offline.
func (t *Tracker) Get(userID string) Record {
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return Record{UserID: userID, Status: StatusOffline}
	}
	return Record{
		UserID:               userID,
		Status:               rec.status,
		LastSeenAt:           rec.lastSeenAt,
		TypingInConversation: rec.typingIn,
	}
}

// VisibleUsers returns snapshots of all users currently marked online or
// typing. The sweeper walks this to find presence left dangling by
// ungraceful disconnects.
func (t *Tracker) VisibleUsers() []Record {
	var out []Record
	for _, s := range t.shards {
		s.mu.Lock()
		for uid, rec := range s.records {
			if rec.status == StatusOffline {
				continue
			}
			out = append(out, Record{
				UserID:               uid,
				Status:               rec.status,
				LastSeenAt:           rec.lastSeenAt,
				TypingInConversation: rec.typingIn,
			})
		}
		s.mu.Unlock()
	}
	return out
}

func (t *Tracker) persist(userID string, status Status, typingIn string) {
	if t.snapshot == nil {
		return
	}
	t.snapshot.Upsert(userID, status, typingIn)
}
