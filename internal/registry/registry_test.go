package registry

import (
	"sync"
	"sync/atomic"
	"testing"
)

// stubTransport records sends and closes for assertions.
type stubTransport struct {
	closed int32
}

func (s *stubTransport) Send(data []byte) error { return nil }

func (s *stubTransport) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return nil
}

func (s *stubTransport) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	tr := &stubTransport{}

	if prev := r.Register("u1", tr); prev != nil {
		t.Errorf("expected no superseded transport, got %v", prev)
	}
	if got := r.Lookup("u1"); got != tr {
		t.Errorf("lookup returned wrong transport")
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestRegister_Supersedes(t *testing.T) {
	r := New()
	first := &stubTransport{}
	second := &stubTransport{}

	r.Register("u1", first)
	prev := r.Register("u1", second)

	if prev != first {
		t.Fatalf("expected first transport to be superseded")
	}
	if got := r.Lookup("u1"); got != second {
		t.Errorf("lookup should return the new transport")
	}
	if r.Count() != 1 {
		t.Errorf("expected exactly one session, got %d", r.Count())
	}
}

func TestDeregister_Idempotent(t *testing.T) {
	r := New()
	r.Register("u1", &stubTransport{})

	if !r.Deregister("u1") {
		t.Error("first deregister should return true")
	}
	if r.Deregister("u1") {
		t.Error("second deregister should return false")
	}
	if r.Lookup("u1") != nil {
		t.Error("lookup after deregister should return nil")
	}
}

func TestDeregisterTransport_OnlyMatching(t *testing.T) {
	r := New()
	old := &stubTransport{}
	replacement := &stubTransport{}

	r.Register("u1", old)
	r.Register("u1", replacement)

	// The superseded connection's disconnect callback must not remove the
	// replacement session.
	if r.DeregisterTransport("u1", old) {
		t.Error("deregister with stale transport should be a no-op")
	}
	if r.Lookup("u1") != replacement {
		t.Error("replacement session should survive")
	}

	if !r.DeregisterTransport("u1", replacement) {
		t.Error("deregister with current transport should succeed")
	}
	if r.Lookup("u1") != nil {
		t.Error("session should be gone")
	}
}

func TestRegister_ConcurrentSameUser(t *testing.T) {
	r := New()
	const n = 64

	transports := make([]*stubTransport, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		transports[i] = &stubTransport{}
		wg.Add(1)
		go func(tr *stubTransport) {
			defer wg.Done()
			if prev := r.Register("u1", tr); prev != nil {
				prev.Close()
			}
		}(transports[i])
	}
	wg.Wait()

	if r.Count() != 1 {
		t.Fatalf("expected exactly one live session, got %d", r.Count())
	}

	// Every transport except the winner must have received a close signal.
	winner := r.Lookup("u1")
	closed := 0
	for _, tr := range transports {
		if tr == winner {
			if tr.isClosed() {
				t.Error("winning transport should not be closed")
			}
			continue
		}
		if tr.isClosed() {
			closed++
		}
	}
	if closed != n-1 {
		t.Errorf("expected %d superseded transports closed, got %d", n-1, closed)
	}
}

func TestUsers_Snapshot(t *testing.T) {
	r := New()
	r.Register("u1", &stubTransport{})
	r.Register("u2", &stubTransport{})

	users := r.Users()
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	seen := map[string]bool{}
	for _, u := range users {
		seen[u] = true
	}
	if !seen["u1"] || !seen["u2"] {
		t.Errorf("unexpected user set: %v", users)
	}
}
