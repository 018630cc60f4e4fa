package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), mr
}

func TestAllow_BoundaryThenThrottled(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "alice:c1", rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("send %d of %d should be allowed", i, rule.Limit)
		}
	}

	ok, err := l.Allow(ctx, "alice:c1", rule)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if ok {
		t.Error("send past the limit should be throttled")
	}
}

func TestAllow_WindowExpiryResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}
	ctx := context.Background()

	l.Allow(ctx, "alice:c1", rule)
	l.Allow(ctx, "alice:c1", rule)
	if ok, _ := l.Allow(ctx, "alice:c1", rule); ok {
		t.Fatal("third send in the window should be throttled")
	}

	// The window expires; the counter must start over.
	mr.FastForward(rule.Window)

	ok, err := l.Allow(ctx, "alice:c1", rule)
	if err != nil {
		t.Fatalf("allow after expiry: %v", err)
	}
	if !ok {
		t.Error("a new window should reset the count")
	}
}

func TestAllow_IdentifiersIsolated(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	l.Allow(ctx, "alice:c1", rule)
	if ok, _ := l.Allow(ctx, "alice:c1", rule); ok {
		t.Error("alice:c1 should be throttled")
	}
	if ok, _ := l.Allow(ctx, "alice:c2", rule); !ok {
		t.Error("alice:c2 has its own window and should be allowed")
	}
}

func TestRetryAfter_ReportsWindowRemaining(t *testing.T) {
	l, mr := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	l.Allow(ctx, "alice:c1", rule)

	got, err := l.RetryAfter(ctx, "alice:c1", rule)
	if err != nil {
		t.Fatalf("retry after: %v", err)
	}
	if got <= 0 || got > rule.Window {
		t.Fatalf("expected a remainder within the window, got %v", got)
	}

	mr.FastForward(40 * time.Second)
	got, err = l.RetryAfter(ctx, "alice:c1", rule)
	if err != nil {
		t.Fatalf("retry after fast-forward: %v", err)
	}
	if got <= 0 || got > 20*time.Second {
		t.Errorf("expected at most 20s left in the window, got %v", got)
	}
}

func TestRetryAfter_NoWindowOpen(t *testing.T) {
	l, _ := newTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	got, err := l.RetryAfter(context.Background(), "alice:c1", rule)
	if err != nil {
		t.Fatalf("retry after: %v", err)
	}
	if got != 0 {
		t.Errorf("no open window should report zero, got %v", got)
	}
}
