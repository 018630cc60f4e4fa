package presence

import (
	"sync"
	"testing"
	"time"
)

// transitionRecorder collects visibility-crossing callbacks.
type transitionRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *transitionRecorder) record(userID string, status Status) {
	r.mu.Lock()
	r.transitions = append(r.transitions, userID+":"+string(status))
	r.mu.Unlock()
}

func (r *transitionRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func TestSetOnline_CrossesVisibility(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(time.Minute, nil)
	tr.SetOnTransition(rec.record)

	if !tr.SetOnline("u1") {
		t.Error("offline -> online should cross visibility")
	}
	if tr.SetOnline("u1") {
		t.Error("online -> online should not cross visibility")
	}

	got := rec.all()
	if len(got) != 1 || got[0] != "u1:online" {
		t.Errorf("expected single online transition, got %v", got)
	}
	if tr.Get("u1").Status != StatusOnline {
		t.Errorf("expected online status")
	}
}

func TestMarkTyping_OnlyFromOnline(t *testing.T) {
	tr := NewTracker(time.Minute, nil)

	if tr.MarkTyping("u1", "c7") {
		t.Error("typing from offline should be rejected")
	}

	tr.SetOnline("u1")
	if !tr.MarkTyping("u1", "c7") {
		t.Error("typing from online should succeed")
	}

	rec := tr.Get("u1")
	if rec.Status != StatusTyping || rec.TypingInConversation != "c7" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestClearTyping_ConversationMatch(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.SetOnline("u1")
	tr.MarkTyping("u1", "c7")

	// A stop for a different conversation must not clear typing in c7.
	tr.ClearTyping("u1", "c9")
	if tr.Get("u1").Status != StatusTyping {
		t.Error("mismatched conversation should not clear typing")
	}

	tr.ClearTyping("u1", "c7")
	if tr.Get("u1").Status != StatusOnline {
		t.Error("matching conversation should clear typing to online")
	}
}

func TestScheduleOffline_FiresAfterGrace(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(20*time.Millisecond, nil)
	tr.SetOnTransition(rec.record)

	tr.SetOnline("u1")
	tr.ScheduleOffline("u1")

	time.Sleep(80 * time.Millisecond)

	if tr.Get("u1").Status != StatusOffline {
		t.Fatal("user should be offline after the grace window")
	}
	got := rec.all()
	if len(got) != 2 || got[1] != "u1:offline" {
		t.Errorf("expected offline transition, got %v", got)
	}
}

func TestScheduleOffline_CancelledByReconnect(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(50*time.Millisecond, nil)
	tr.SetOnTransition(rec.record)

	tr.SetOnline("u1")
	tr.ScheduleOffline("u1")

	// Reconnect within the grace window silently cancels the downgrade.
	time.Sleep(10 * time.Millisecond)
	tr.SetOnline("u1")

	time.Sleep(100 * time.Millisecond)

	if got := tr.Get("u1").Status; got != StatusOnline {
		t.Fatalf("reconnect within grace should keep user online, got %s", got)
	}
	for _, tran := range rec.all() {
		if tran == "u1:offline" {
			t.Error("offline transition should have been cancelled")
		}
	}
}

func TestForceOffline_CAS(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(time.Minute, nil)
	tr.SetOnTransition(rec.record)

	tr.SetOnline("u1")

	// Last seen is now; a cutoff in the past must not downgrade.
	if tr.ForceOffline("u1", time.Now().Add(-time.Second)) {
		t.Error("recently seen user should not be forced offline")
	}

	// A cutoff in the future (everyone stale) downgrades.
	if !tr.ForceOffline("u1", time.Now().Add(time.Second)) {
		t.Error("stale user should be forced offline")
	}
	if tr.ForceOffline("u1", time.Now().Add(time.Second)) {
		t.Error("second force should be a no-op")
	}
	if tr.Get("u1").Status != StatusOffline {
		t.Error("user should be offline")
	}
}

func TestVisibleUsers(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.SetOnline("u1")
	tr.SetOnline("u2")
	tr.SetOnline("u3")
	tr.ForceOffline("u3", time.Now().Add(time.Second))

	visible := tr.VisibleUsers()
	if len(visible) != 2 {
		t.Fatalf("expected 2 visible users, got %d", len(visible))
	}
}

func TestGet_UnknownUserIsOffline(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	rec := tr.Get("stranger")
	if rec.Status != StatusOffline {
		t.Errorf("unknown user should be offline, got %s", rec.Status)
	}
}
