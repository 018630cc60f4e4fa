package sweeper

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/unveil/ritual-app/internal/fanout"
	"github.com/unveil/ritual-app/internal/presence"
	"github.com/unveil/ritual-app/internal/queue"
	"github.com/unveil/ritual-app/internal/registry"
	"github.com/unveil/ritual-app/internal/typing"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, data)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) received() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

type env struct {
	sw      *Sweeper
	typing  *typing.Store
	tracker *presence.Tracker
	reg     *registry.Registry
	idx     *fanout.Index
}

func newEnv(idleTimeout, grace time.Duration) *env {
	reg := registry.New()
	idx := fanout.NewIndex()
	q := queue.New(16)
	bcast := fanout.NewBroadcaster(idx, reg, q)
	ts := typing.NewStore(idleTimeout)
	tracker := presence.NewTracker(grace, nil)
	return &env{
		sw:      New(time.Minute, ts, tracker, reg, bcast),
		typing:  ts,
		tracker: tracker,
		reg:     reg,
		idx:     idx,
	}
}

func TestSweep_ExpiresStaleTyping(t *testing.T) {
	e := newEnv(30*time.Second, time.Minute)

	bob := &fakeTransport{}
	e.reg.Register("alice", &fakeTransport{})
	e.reg.Register("bob", bob)
	e.idx.Subscribe("c1", "alice")
	e.idx.Subscribe("c1", "bob")

	e.tracker.SetOnline("alice")
	e.typing.Start("c1", "alice", "", "")
	e.tracker.MarkTyping("alice", "c1")

	// Well before the idle timeout nothing expires.
	e.sw.Sweep(time.Now())
	if !e.typing.IsTyping("c1", "alice") {
		t.Fatal("fresh typing session must survive the sweep")
	}
	if len(bob.received()) != 0 {
		t.Fatal("no broadcast expected for a fresh session")
	}

	// Past the idle timeout the session expires with a synthetic stop.
	e.sw.Sweep(time.Now().Add(time.Minute))
	if e.typing.IsTyping("c1", "alice") {
		t.Error("stale typing session must be expired")
	}

	raw := bob.received()
	if len(raw) != 1 {
		t.Fatalf("expected one typing_stopped broadcast, got %d", len(raw))
	}
	var ev struct {
		Type           string `json:"type"`
		UserID         string `json:"user_id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(raw[0], &ev); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if ev.Type != "typing_stopped" || ev.UserID != "alice" || ev.ConversationID != "c1" {
		t.Errorf("unexpected broadcast: %+v", ev)
	}

	if e.tracker.Get("alice").Status != presence.StatusOnline {
		t.Error("expiry should drop alice from typing back to online")
	}
}

func TestSweep_ExpiryIsIdempotent(t *testing.T) {
	e := newEnv(30*time.Second, time.Minute)

	bob := &fakeTransport{}
	e.reg.Register("bob", bob)
	e.idx.Subscribe("c1", "bob")

	e.typing.Start("c1", "alice", "", "")

	later := time.Now().Add(time.Minute)
	e.sw.Sweep(later)
	e.sw.Sweep(later)

	if got := len(bob.received()); got != 1 {
		t.Errorf("repeated sweeps must not rebroadcast, got %d events", got)
	}
}

func TestSweep_ForcesDanglingPresenceOffline(t *testing.T) {
	e := newEnv(30*time.Second, 10*time.Millisecond)

	bob := &fakeTransport{}
	e.reg.Register("bob", bob)
	e.idx.Subscribe("c1", "alice")
	e.idx.Subscribe("c1", "bob")

	// Alice is marked online but holds no live session: the process that
	// owned her connection died before the disconnect callback ran.
	e.tracker.SetOnline("alice")
	time.Sleep(30 * time.Millisecond)

	e.sw.Sweep(time.Now())

	if e.tracker.Get("alice").Status != presence.StatusOffline {
		t.Error("dangling presence must be forced offline")
	}
}

func TestSweep_SparesUsersWithLiveSessions(t *testing.T) {
	e := newEnv(30*time.Second, 10*time.Millisecond)

	alice := &fakeTransport{}
	e.reg.Register("alice", alice)
	e.tracker.SetOnline("alice")
	time.Sleep(30 * time.Millisecond)

	e.sw.Sweep(time.Now())

	if e.tracker.Get("alice").Status != presence.StatusOnline {
		t.Error("a user with a live session must stay online")
	}
}

func TestSweep_SparesRecentlySeenUsers(t *testing.T) {
	e := newEnv(30*time.Second, time.Hour)

	// No live session, but last seen well within the grace window.
	e.tracker.SetOnline("alice")

	e.sw.Sweep(time.Now())

	if e.tracker.Get("alice").Status != presence.StatusOnline {
		t.Error("recently seen user must not be downgraded")
	}
}
