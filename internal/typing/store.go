// Package typing tracks short-lived "currently typing" records keyed by
// (conversation, user). Records are refreshed idempotently on repeated
// starts, removed on stop or send, and force-expired by the sweeper after
// the idle timeout so a crashed client never leaves a stuck indicator.
package typing

import (
	"hash/fnv"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long an unrefreshed typing session survives
// before the sweeper force-stops it.
const DefaultIdleTimeout = 30 * time.Second

const shardCount = 32

// Session is one active typing record. A user may hold independent sessions
// in multiple conversations at once.
type Session struct {
	ConversationID string
	UserID         string
	StartedAt      time.Time
	EnergyHint     string
	EmotionalHint  string
}

type key struct {
	conversationID string
	userID         string
}

type shard struct {
	mu       sync.Mutex
	sessions map[key]*Session
}

// Store holds typing sessions behind sharded locks.
type Store struct {
	idleTimeout time.Duration
	shards      [shardCount]*shard
}

// NewStore creates a Store with the given idle timeout. A non-positive
// timeout falls back to DefaultIdleTimeout.
func NewStore(idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	st := &Store{idleTimeout: idleTimeout}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[key]*Session)}
	}
	return st
}

// IdleTimeout returns the configured idle timeout.
func (st *Store) IdleTimeout() time.Duration {
	return st.idleTimeout
}

func (st *Store) shardFor(conversationID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return st.shards[h.Sum32()%shardCount]
}

// Start creates or refreshes the typing session for (conversation, user).
// It returns true if the session is new; a refresh of an existing session
// returns false so the caller can skip the duplicate broadcast.
func (st *Store) Start(conversationID, userID, energyHint, emotionalHint string) bool {
	s := st.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{conversationID, userID}
	if sess, ok := s.sessions[k]; ok {
		sess.StartedAt = time.Now()
		sess.EnergyHint = energyHint
		sess.EmotionalHint = emotionalHint
		return false
	}

	s.sessions[k] = &Session{
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      time.Now(),
		EnergyHint:     energyHint,
		EmotionalHint:  emotionalHint,
	}
	return true
}

// Stop removes the typing session for (conversation, user). Returns false if
// no session existed.
func (st *Store) Stop(conversationID, userID string) bool {
	s := st.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{conversationID, userID}
	_, ok := s.sessions[k]
	if ok {
		delete(s.sessions, k)
	}
	return ok
}

// IsTyping reports whether the user has an active typing session in the
// conversation.
func (st *Store) IsTyping(conversationID, userID string) bool {
	s := st.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[key{conversationID, userID}]
	return ok
}

// ActiveTypers returns copies of all typing sessions in the conversation.
func (st *Store) ActiveTypers(conversationID string) []Session {
	s := st.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Session
	for k, sess := range s.sessions {
		if k.conversationID == conversationID {
			out = append(out, *sess)
		}
	}
	return out
}

// StopAllForUser removes every typing session held by the user across all
// conversations and returns copies of the removed sessions so the caller can
// broadcast synthetic stops. Used on disconnect.
func (st *Store) StopAllForUser(userID string) []Session {
	var out []Session
	for _, s := range st.shards {
		s.mu.Lock()
		for k, sess := range s.sessions {
			if k.userID == userID {
				out = append(out, *sess)
				delete(s.sessions, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// ExpiredCandidates returns copies of sessions whose StartedAt is older than
// the idle timeout at the given instant. Candidates must be confirmed with
// Expire before acting on them.
func (st *Store) ExpiredCandidates(now time.Time) []Session {
	cutoff := now.Add(-st.idleTimeout)
	var out []Session
	for _, s := range st.shards {
		s.mu.Lock()
		for _, sess := range s.sessions {
			if sess.StartedAt.Before(cutoff) {
				out = append(out, *sess)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Expire removes the session only if its StartedAt still matches startedAt.
// A refresh between candidate collection and expiry makes this a no-op, so
// the sweeper never kills a session the user just touched.
func (st *Store) Expire(conversationID, userID string, startedAt time.Time) bool {
	s := st.shardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{conversationID, userID}
	sess, ok := s.sessions[k]
	if !ok || !sess.StartedAt.Equal(startedAt) {
		return false
	}
	delete(s.sessions, k)
	return true
}

// Count returns the number of active typing sessions.
func (st *Store) Count() int {
	n := 0
	for _, s := range st.shards {
		s.mu.Lock()
		n += len(s.sessions)
		s.mu.Unlock()
	}
	return n
}
