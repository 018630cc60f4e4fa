package ws

import (
	"net"
	"sync"
	"testing"
)

func TestConnection_ActivityTracking(t *testing.T) {
	c := &Connection{ID: "c1"}
	if !c.LastActivity().IsZero() {
		t.Fatal("a fresh connection should have no recorded activity")
	}

	c.Touch()
	first := c.LastActivity()
	if first.IsZero() {
		t.Fatal("touch should record activity")
	}

	// Concurrent touches and reads; the race detector verifies safety.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Touch()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.LastActivity()
			}
		}()
	}
	wg.Wait()

	if c.LastActivity().Before(first) {
		t.Error("activity timestamp must not move backwards")
	}
}

func TestConnectionManager_ResolvesByConn(t *testing.T) {
	cm := NewConnectionManager()

	// Pipe connections expose no file descriptor, the same shape as the
	// non-epoll fallback, so lookups must not rely on one.
	p1, q1 := net.Pipe()
	p2, q2 := net.Pipe()
	defer q1.Close()
	defer q2.Close()

	conn1 := &Connection{ID: "c1", Conn: p1, Fd: socketFD(p1)}
	conn2 := &Connection{ID: "c2", Conn: p2, Fd: socketFD(p2)}
	cm.Add(conn1)
	cm.Add(conn2)

	if got := cm.GetByConn(p1); got != conn1 {
		t.Fatalf("expected conn1 for p1, got %v", got)
	}
	if got := cm.GetByConn(p2); got != conn2 {
		t.Fatalf("expected conn2 for p2, got %v", got)
	}

	if !cm.Remove("c1") {
		t.Fatal("remove should report the connection was present")
	}
	if got := cm.GetByConn(p1); got != nil {
		t.Errorf("removed connection should not resolve, got %v", got)
	}
	if got := cm.GetByConn(p2); got != conn2 {
		t.Errorf("removing c1 must not disturb c2's lookup")
	}
	if cm.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", cm.Count())
	}
}
