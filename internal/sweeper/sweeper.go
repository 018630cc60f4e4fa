// Package sweeper runs the periodic reconciliation pass that corrects state
// left dangling by crash-without-clean-disconnect: typing sessions past the
// idle timeout and presence records with no matching live session. Each
// correction is a per-record compare-and-set, so the sweep is idempotent and
// safe under concurrent live traffic; no lock is held across the full pass.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/unveil/ritual-app/internal/fanout"
	"github.com/unveil/ritual-app/internal/metrics"
	"github.com/unveil/ritual-app/internal/presence"
	"github.com/unveil/ritual-app/internal/protocol"
	"github.com/unveil/ritual-app/internal/registry"
	"github.com/unveil/ritual-app/internal/typing"
)

// DefaultInterval is how often the sweeper runs.
const DefaultInterval = 30 * time.Second

// Sweeper is the background reconciliation pass.
type Sweeper struct {
	interval time.Duration
	typing   *typing.Store
	presence *presence.Tracker
	reg      *registry.Registry
	bcast    *fanout.Broadcaster
}

// New creates a Sweeper. A non-positive interval falls back to
// DefaultInterval.
func New(interval time.Duration, ts *typing.Store, pt *presence.Tracker, reg *registry.Registry, b *fanout.Broadcaster) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		interval: interval,
		typing:   ts,
		presence: pt,
		reg:      reg,
		bcast:    b,
	}
}

// Run loops until the context is cancelled. Sweep errors are logged and
// retried next cycle, never fatal.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper: stopped")
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep performs one reconciliation pass at the given instant. Exported so
// tests can drive it without the ticker.
func (s *Sweeper) Sweep(now time.Time) {
	started := time.Now()
	s.expireTyping(now)
	s.reconcilePresence(now)
	metrics.SweepDuration.Observe(time.Since(started).Seconds())
}

// expireTyping force-stops typing sessions unrefreshed past the idle
// timeout and emits a synthetic typing_stopped for each. The CAS in Expire
// skips any session refreshed between candidate collection and expiry.
func (s *Sweeper) expireTyping(now time.Time) {
	expired := 0
	for _, sess := range s.typing.ExpiredCandidates(now) {
		if !s.typing.Expire(sess.ConversationID, sess.UserID, sess.StartedAt) {
			continue
		}
		expired++
		s.presence.ClearTyping(sess.UserID, sess.ConversationID)

		data, err := protocol.NewServerMessage(protocol.TypeTypingStopped, protocol.TypingStoppedMsg{
			UserID:         sess.UserID,
			ConversationID: sess.ConversationID,
		})
		if err != nil {
			log.Printf("sweeper: build typing_stopped: %v", err)
			continue
		}
		s.bcast.Broadcast(sess.ConversationID, data, sess.UserID)
	}

	if expired > 0 {
		log.Printf("sweeper: expired %d stale typing sessions", expired)
		metrics.ActiveTypers.Set(float64(s.typing.Count()))
	}
}

// reconcilePresence forces offline any user still marked online or typing
// with no live session and no activity past the grace window. The presence
// tracker's transition callback handles the broadcast.
func (s *Sweeper) reconcilePresence(now time.Time) {
	cutoff := now.Add(-s.presence.GraceWindow())

	downgraded := 0
	for _, rec := range s.presence.VisibleUsers() {
		if s.reg.Lookup(rec.UserID) != nil {
			continue
		}
		if s.presence.ForceOffline(rec.UserID, cutoff) {
			downgraded++
		}
	}

	if downgraded > 0 {
		log.Printf("sweeper: forced %d dangling presence records offline", downgraded)
	}
}
