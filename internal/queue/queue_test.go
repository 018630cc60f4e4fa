package queue

import (
	"fmt"
	"sync"
	"testing"
)

func TestEnqueueDrain_FIFO(t *testing.T) {
	q := New(10)

	q.Enqueue("u1", []byte("delivered"))
	q.Enqueue("u1", []byte("read"))
	q.Enqueue("u1", []byte("third"))

	events := q.Drain("u1")
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{"delivered", "read", "third"}
	for i, ev := range events {
		if string(ev) != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], ev)
		}
	}
}

func TestDrain_Empties(t *testing.T) {
	q := New(10)
	q.Enqueue("u1", []byte("a"))

	if got := q.Drain("u1"); len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got := q.Drain("u1"); got != nil {
		t.Errorf("second drain should return nil, got %d events", len(got))
	}
	if q.Len("u1") != 0 {
		t.Errorf("expected empty queue after drain")
	}
}

func TestEnqueue_OverflowDropsOldest(t *testing.T) {
	q := New(5)

	for i := 1; i <= 8; i++ {
		dropped := q.Enqueue("u1", []byte(fmt.Sprintf("ev-%d", i)))
		if i <= 5 && dropped {
			t.Errorf("event %d should not report a drop", i)
		}
		if i > 5 && !dropped {
			t.Errorf("event %d should report a drop", i)
		}
	}

	events := q.Drain("u1")
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	// Should contain events 4 through 8 in order.
	for i, ev := range events {
		want := fmt.Sprintf("ev-%d", i+4)
		if string(ev) != want {
			t.Errorf("index %d: expected %q, got %q", i, want, ev)
		}
	}
}

func TestRequeue_PrependsBeforeNewerEvents(t *testing.T) {
	q := New(10)
	q.Enqueue("u1", []byte("old-1"))
	q.Enqueue("u1", []byte("old-2"))

	// A reconnect drain detaches the buffer, an event lands while the drain
	// is in flight, then the drain fails and puts its tail back.
	tail := q.Drain("u1")
	q.Enqueue("u1", []byte("live-1"))
	if dropped := q.Requeue("u1", tail); dropped {
		t.Errorf("requeue within capacity should not report a drop")
	}

	events := q.Drain("u1")
	want := []string{"old-1", "old-2", "live-1"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if string(ev) != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], ev)
		}
	}
}

func TestRequeue_EmptyBuffer(t *testing.T) {
	q := New(10)
	q.Requeue("u1", [][]byte{[]byte("ev-1"), []byte("ev-2")})

	events := q.Drain("u1")
	if len(events) != 2 || string(events[0]) != "ev-1" || string(events[1]) != "ev-2" {
		t.Fatalf("expected [ev-1 ev-2], got %d events", len(events))
	}
}

func TestRequeue_OverflowDropsOldest(t *testing.T) {
	q := New(3)
	q.Enqueue("u1", []byte("live-1"))

	if dropped := q.Requeue("u1", [][]byte{[]byte("old-1"), []byte("old-2"), []byte("old-3")}); !dropped {
		t.Errorf("overflowing requeue should report a drop")
	}

	events := q.Drain("u1")
	want := []string{"old-2", "old-3", "live-1"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if string(ev) != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], ev)
		}
	}
}

func TestDrain_ExcludesConcurrentEnqueues(t *testing.T) {
	q := New(1000)

	for i := 0; i < 100; i++ {
		q.Enqueue("u1", []byte(fmt.Sprintf("pre-%d", i)))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			q.Enqueue("u1", []byte(fmt.Sprintf("post-%d", i)))
		}
	}()

	drained := q.Drain("u1")
	wg.Wait()

	// The drain snapshot plus what remains queued must account for every
	// event exactly once.
	remaining := q.Drain("u1")
	total := len(drained) + len(remaining)
	if total != 200 {
		t.Fatalf("expected 200 events across both drains, got %d", total)
	}

	// Events within each drain stay in enqueue order.
	seen := map[string]bool{}
	for _, ev := range append(drained, remaining...) {
		if seen[string(ev)] {
			t.Fatalf("event %q delivered twice", ev)
		}
		seen[string(ev)] = true
	}
}

func TestQueue_PerUserIsolation(t *testing.T) {
	q := New(10)
	q.Enqueue("u1", []byte("for-u1"))
	q.Enqueue("u2", []byte("for-u2"))

	if got := q.Drain("u1"); len(got) != 1 || string(got[0]) != "for-u1" {
		t.Errorf("u1 drain wrong: %v", got)
	}
	if q.Len("u2") != 1 {
		t.Errorf("u2 queue should be untouched")
	}
}

func TestPendingUsers(t *testing.T) {
	q := New(10)
	if q.PendingUsers() != 0 {
		t.Errorf("expected 0 pending users")
	}
	q.Enqueue("u1", []byte("a"))
	q.Enqueue("u2", []byte("b"))
	if q.PendingUsers() != 2 {
		t.Errorf("expected 2 pending users, got %d", q.PendingUsers())
	}
	q.Drain("u1")
	if q.PendingUsers() != 1 {
		t.Errorf("expected 1 pending user after drain, got %d", q.PendingUsers())
	}
}
