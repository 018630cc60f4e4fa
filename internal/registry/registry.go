// Package registry maintains the table of live client connections, one per
// user. A new connection for a user supersedes and closes the prior one
// (last-connect-wins), so delivery never splits across transports.
package registry

import (
	"hash/fnv"
	"sync"
	"time"
)

// shardCount fixes the number of lock shards. Per-shard locking keeps
// unrelated users from contending on a single registry mutex.
const shardCount = 32

// Transport is the open duplex channel to a user's current client. Send and
// Close must be safe for concurrent use.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// LiveSession binds a user to their current transport.
type LiveSession struct {
	UserID      string
	Transport   Transport
	ConnectedAt time.Time
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*LiveSession
}

// Registry is the sharded per-user live-connection table.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty Registry ready for use.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*LiveSession)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register installs the transport as the user's live session. Any
// pre-existing session for the user is removed first and its transport
// returned so the caller can signal the supersession; nil means there was no
// prior session.
func (r *Registry) Register(userID string, t Transport) Transport {
	s := r.shardFor(userID)
	s.mu.Lock()
	var superseded Transport
	if prev, ok := s.sessions[userID]; ok {
		superseded = prev.Transport
	}
	s.sessions[userID] = &LiveSession{
		UserID:      userID,
		Transport:   t,
		ConnectedAt: time.Now(),
	}
	s.mu.Unlock()
	return superseded
}

// Deregister removes the user's live session regardless of which transport it
// holds. It is idempotent and returns false if no session existed.
func (r *Registry) Deregister(userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	_, ok := s.sessions[userID]
	if ok {
		delete(s.sessions, userID)
	}
	s.mu.Unlock()
	return ok
}

// DeregisterTransport removes the user's live session only if it still holds
// the given transport. A disconnect callback for a superseded connection must
// not tear down the session its replacement just installed.
func (r *Registry) DeregisterTransport(userID string, t Transport) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if ok && sess.Transport == t {
		delete(s.sessions, userID)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	return false
}

// Lookup returns the user's current transport, or nil if the user has no
// live session.
func (r *Registry) Lookup(userID string) Transport {
	s := r.shardFor(userID)
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return sess.Transport
}

// Session returns a copy of the user's LiveSession, or nil.
func (r *Registry) Session(userID string) *LiveSession {
	s := r.shardFor(userID)
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// Count returns the current number of live sessions.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.sessions)
		s.mu.RUnlock()
	}
	return n
}

// Users returns a snapshot of all user IDs with a live session.
func (r *Registry) Users() []string {
	var users []string
	for _, s := range r.shards {
		s.mu.RLock()
		for uid := range s.sessions {
			users = append(users, uid)
		}
		s.mu.RUnlock()
	}
	return users
}
