package typing

import (
	"testing"
	"time"
)

func TestStart_FreshAndRefresh(t *testing.T) {
	st := NewStore(time.Minute)

	if !st.Start("c7", "u1", "slow", "warm") {
		t.Error("first start should be fresh")
	}
	if st.Start("c7", "u1", "fast", "playful") {
		t.Error("repeated start should refresh, not create")
	}
	if !st.IsTyping("c7", "u1") {
		t.Error("user should be typing")
	}
	if st.Count() != 1 {
		t.Errorf("expected one session, got %d", st.Count())
	}

	// The refresh updated the hints in place.
	typers := st.ActiveTypers("c7")
	if len(typers) != 1 {
		t.Fatalf("expected one typer, got %d", len(typers))
	}
	if typers[0].EnergyHint != "fast" || typers[0].EmotionalHint != "playful" {
		t.Errorf("refresh should update hints: %+v", typers[0])
	}
}

func TestStop(t *testing.T) {
	st := NewStore(time.Minute)
	st.Start("c7", "u1", "", "")

	if !st.Stop("c7", "u1") {
		t.Error("stop of active session should return true")
	}
	if st.Stop("c7", "u1") {
		t.Error("stop of missing session should return false")
	}
	if st.IsTyping("c7", "u1") {
		t.Error("user should no longer be typing")
	}
}

func TestMultipleConversations_Independent(t *testing.T) {
	st := NewStore(time.Minute)

	st.Start("convA", "u1", "", "")
	st.Start("convB", "u1", "", "")

	// Starting in B must not stop A.
	if !st.IsTyping("convA", "u1") || !st.IsTyping("convB", "u1") {
		t.Fatal("both typing sessions should be active")
	}

	st.Stop("convB", "u1")
	if !st.IsTyping("convA", "u1") {
		t.Error("stopping in B should not affect A")
	}
}

func TestStopAllForUser(t *testing.T) {
	st := NewStore(time.Minute)
	st.Start("convA", "u1", "", "")
	st.Start("convB", "u1", "", "")
	st.Start("convA", "u2", "", "")

	stopped := st.StopAllForUser("u1")
	if len(stopped) != 2 {
		t.Fatalf("expected 2 stopped sessions, got %d", len(stopped))
	}
	if st.IsTyping("convA", "u1") || st.IsTyping("convB", "u1") {
		t.Error("u1 sessions should be gone")
	}
	if !st.IsTyping("convA", "u2") {
		t.Error("u2 session should survive")
	}
}

func TestExpiredCandidates_And_Expire(t *testing.T) {
	st := NewStore(50 * time.Millisecond)
	st.Start("c7", "u1", "", "")

	// Not expired yet.
	if got := st.ExpiredCandidates(time.Now()); len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}

	// Past the timeout.
	future := time.Now().Add(100 * time.Millisecond)
	candidates := st.ExpiredCandidates(future)
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	sess := candidates[0]
	if !st.Expire(sess.ConversationID, sess.UserID, sess.StartedAt) {
		t.Error("expire with matching timestamp should succeed")
	}
	if st.IsTyping("c7", "u1") {
		t.Error("session should be gone after expire")
	}
}

func TestExpire_SkipsRefreshedSession(t *testing.T) {
	st := NewStore(50 * time.Millisecond)
	st.Start("c7", "u1", "", "")

	candidates := st.ExpiredCandidates(time.Now().Add(100 * time.Millisecond))
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	// The user refreshes between candidate collection and expiry.
	st.Start("c7", "u1", "", "")

	if st.Expire("c7", "u1", candidates[0].StartedAt) {
		t.Error("expire should be a no-op after refresh")
	}
	if !st.IsTyping("c7", "u1") {
		t.Error("refreshed session should survive the sweep")
	}
}

func TestActiveTypers_PerConversation(t *testing.T) {
	st := NewStore(time.Minute)
	st.Start("c7", "u1", "", "")
	st.Start("c7", "u2", "", "")
	st.Start("c9", "u3", "", "")

	typers := st.ActiveTypers("c7")
	if len(typers) != 2 {
		t.Fatalf("expected 2 typers in c7, got %d", len(typers))
	}
	for _, sess := range typers {
		if sess.ConversationID != "c7" {
			t.Errorf("typer from wrong conversation: %+v", sess)
		}
	}
}
