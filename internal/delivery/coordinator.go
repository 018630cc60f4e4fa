// Package delivery implements the coordination façade for the realtime
// subsystem. Every mutation of the session registry, presence tracker,
// typing store, subscription index, and offline queue passes through the
// Coordinator's operations (plus the sweeper's expiry paths), which keeps
// background reconciliation and live traffic from racing each other.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/unveil/ritual-app/internal/convlog"
	"github.com/unveil/ritual-app/internal/events"
	"github.com/unveil/ritual-app/internal/fanout"
	"github.com/unveil/ritual-app/internal/metrics"
	"github.com/unveil/ritual-app/internal/presence"
	"github.com/unveil/ritual-app/internal/protocol"
	"github.com/unveil/ritual-app/internal/queue"
	"github.com/unveil/ritual-app/internal/ratelimit"
	"github.com/unveil/ritual-app/internal/registry"
	"github.com/unveil/ritual-app/internal/typing"
)

// lockStripes is the number of per-user operation locks. Each user hashes to
// one stripe; holding it serializes that user's operations so a reconnect's
// queue drain completes before any new inbound event for the same user.
const lockStripes = 64

const prefLookupTimeout = 2 * time.Second

// MembershipChecker answers whether a user belongs to a conversation.
// Implemented by the conversation log.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

// ConversationLog persists durable conversation entries. AppendMessage must
// fail atomically: on error nothing was written and nothing is broadcast.
type ConversationLog interface {
	AppendMessage(ctx context.Context, conversationID, senderID, kind, content string, stage int) (*convlog.Message, error)
}

// PresencePrefs looks up a user's hidden-presence preference.
type PresencePrefs interface {
	PresenceHidden(ctx context.Context, userID string) (bool, error)
}

// Limiter throttles sends. Implemented by the Redis rate limiter; tests
// substitute an in-memory window.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// DomainEvents receives the coordinator's outbound domain events. Publishing
// failures are logged, never surfaced to clients: the client-visible
// operation already succeeded.
type DomainEvents interface {
	MessageSent(ev events.MessageSent) error
	RevelationShared(ev events.RevelationShared) error
	PhotoConsentGiven(ev events.PhotoConsentGiven) error
}

// Deps bundles the stores and collaborators the Coordinator orchestrates.
// Limiter, Prefs, and Events may be nil (no throttling, nobody hidden, no
// event bus), which the tests use.
type Deps struct {
	Registry   *registry.Registry
	Presence   *presence.Tracker
	Typing     *typing.Store
	Queue      *queue.Queue
	Broadcast  *fanout.Broadcaster
	Membership MembershipChecker
	Log        ConversationLog
	Limiter    Limiter
	Prefs      PresencePrefs
	Events     DomainEvents
}

// Coordinator validates and rate-limits inbound client events, updates the
// in-memory stores, persists durable side effects through the conversation
// log, and routes outbound events through the fan-out index, registry, or
// offline queue.
type Coordinator struct {
	reg        *registry.Registry
	presence   *presence.Tracker
	typing     *typing.Store
	q          *queue.Queue
	bcast      *fanout.Broadcaster
	membership MembershipChecker
	clog       ConversationLog
	limiter    Limiter
	prefs      PresencePrefs
	events     DomainEvents

	sendRule ratelimit.Rule
	locks    [lockStripes]sync.Mutex
}

// New creates a Coordinator over the given dependencies and wires itself as
// the presence tracker's transition listener.
func New(d Deps, sendRule ratelimit.Rule) *Coordinator {
	c := &Coordinator{
		reg:        d.Registry,
		presence:   d.Presence,
		typing:     d.Typing,
		q:          d.Queue,
		bcast:      d.Broadcast,
		membership: d.Membership,
		clog:       d.Log,
		limiter:    d.Limiter,
		prefs:      d.Prefs,
		events:     d.Events,
		sendRule:   sendRule,
	}
	c.presence.SetOnTransition(c.handlePresenceTransition)
	return c
}

func (c *Coordinator) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &c.locks[h.Sum32()%lockStripes]
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// OnConnect registers the transport as the user's live session, drains the
// offline queue in order, acks the connect, and rebroadcasts presence. A
// superseded transport receives a close signal. The user's operation lock is
// held for the whole drain, so no inbound event for this user is processed
// until every queued event has been delivered.
func (c *Coordinator) OnConnect(ctx context.Context, userID string, t registry.Transport) error {
	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	// Close the drain gate before the transport becomes visible: any
	// delivery racing this reconnect is diverted into the queue and picked
	// up by a later drain pass, behind everything already queued.
	c.bcast.BeginDrain(userID)

	superseded := c.reg.Register(userID, t)
	if superseded != nil {
		log.Printf("delivery: superseding live session user=%s", userID)
		_ = superseded.Close()
	}
	metrics.LiveSessions.Set(float64(c.reg.Count()))

	if err := c.drainQueue(userID, t); err != nil {
		c.reg.DeregisterTransport(userID, t)
		c.bcast.ReleaseDrain(userID)
		metrics.LiveSessions.Set(float64(c.reg.Count()))
		return fmt.Errorf("delivery: drain failed for user %s: %w", userID, err)
	}
	metrics.QueuedUsers.Set(float64(c.q.PendingUsers()))

	ack, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID})
	if err != nil {
		return fmt.Errorf("delivery: build connected ack: %w", err)
	}
	if err := t.Send(ack); err != nil {
		c.reg.DeregisterTransport(userID, t)
		metrics.LiveSessions.Set(float64(c.reg.Count()))
		return fmt.Errorf("delivery: connected ack for user %s: %w", userID, err)
	}

	c.presence.SetOnline(userID)
	return nil
}

// drainQueue flushes the user's offline queue to the new transport, looping
// until a pass ends with the queue empty and the drain gate lifted. Events
// diverted into the queue mid-drain are delivered on the next pass, after
// the backlog. On a send failure the undelivered tail is requeued ahead of
// anything diverted, preserving per-user order for the next reconnect.
func (c *Coordinator) drainQueue(userID string, t registry.Transport) error {
	for {
		pending := c.q.Drain(userID)
		if len(pending) == 0 {
			if c.bcast.EndDrain(userID) {
				return nil
			}
			continue
		}
		for i, ev := range pending {
			if err := t.Send(ev); err != nil {
				c.q.Requeue(userID, pending[i:])
				return err
			}
		}
	}
}

// OnDisconnect tears down the user's live session if it still holds the
// given transport. A disconnect callback arriving after a supersession is a
// no-op: the replacement session must survive. Active typing sessions are
// force-stopped with synthetic stop broadcasts and the presence downgrade is
// deferred by the grace window.
func (c *Coordinator) OnDisconnect(ctx context.Context, userID string, t registry.Transport) {
	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if !c.reg.DeregisterTransport(userID, t) {
		return
	}
	metrics.LiveSessions.Set(float64(c.reg.Count()))

	for _, sess := range c.typing.StopAllForUser(userID) {
		c.broadcastTypingStopped(sess.ConversationID, userID)
	}
	metrics.ActiveTypers.Set(float64(c.typing.Count()))
	c.presence.ClearTyping(userID, "")

	c.presence.ScheduleOffline(userID)
}

// OnHeartbeat refreshes the user's last-seen timestamp.
func (c *Coordinator) OnHeartbeat(userID string) {
	c.presence.Touch(userID)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// OnSubscribe adds the user to the conversation's fan-out set after the
// membership check. Subscriptions persist across reconnects until explicit
// unsubscribe.
func (c *Coordinator) OnSubscribe(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return err
	}

	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	c.bcast.Index().Subscribe(conversationID, userID)
	return nil
}

// OnUnsubscribe removes the user from the conversation's fan-out set,
// stopping any typing session there first so the indicator cannot outlive
// the subscription.
func (c *Coordinator) OnUnsubscribe(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}

	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if c.typing.Stop(conversationID, userID) {
		c.broadcastTypingStopped(conversationID, userID)
		c.presence.ClearTyping(userID, conversationID)
		metrics.ActiveTypers.Set(float64(c.typing.Count()))
	}
	c.bcast.Index().Unsubscribe(conversationID, userID)
	return nil
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

// OnTypingStart creates or refreshes the user's typing session in the
// conversation. Only a fresh start broadcasts; refreshes are idempotent. The
// user is subscribed as a side effect so a typing session always implies
// fan-out membership.
func (c *Coordinator) OnTypingStart(ctx context.Context, userID, conversationID, energyHint, emotionalHint string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return err
	}

	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	c.bcast.Index().Subscribe(conversationID, userID)

	fresh := c.typing.Start(conversationID, userID, energyHint, emotionalHint)
	c.presence.MarkTyping(userID, conversationID)
	metrics.ActiveTypers.Set(float64(c.typing.Count()))
	metrics.EventsTotal.WithLabelValues("typing_start").Inc()

	if !fresh {
		return nil
	}

	data, err := protocol.NewServerMessage(protocol.TypeTypingStarted, protocol.TypingStartedMsg{
		UserID:         userID,
		ConversationID: conversationID,
		EnergyHint:     energyHint,
		EmotionalHint:  emotionalHint,
	})
	if err != nil {
		return fmt.Errorf("delivery: build typing_started: %w", err)
	}
	c.bcast.Broadcast(conversationID, data, userID)
	return nil
}

// OnTypingStop removes the user's typing session in the conversation and
// broadcasts the stop to the other subscribers. Stopping a session that does
// not exist is a no-op.
func (c *Coordinator) OnTypingStop(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}

	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if !c.typing.Stop(conversationID, userID) {
		return nil
	}
	c.presence.ClearTyping(userID, conversationID)
	metrics.ActiveTypers.Set(float64(c.typing.Count()))
	metrics.EventsTotal.WithLabelValues("typing_stop").Inc()

	c.broadcastTypingStopped(conversationID, userID)
	return nil
}

// ---------------------------------------------------------------------------
// Durable sends
// ---------------------------------------------------------------------------

// OnSendMessage rate-limits, authorizes, persists, and broadcasts one text
// message. Persistence fails closed: on log failure nothing is broadcast and
// the client is told to retry. The returned entry carries the id and
// timestamp for the sender's ack; the broadcast excludes the sender to
// prevent echo. Any active typing session for this (user, conversation) is
// implicitly stopped.
func (c *Coordinator) OnSendMessage(ctx context.Context, userID, conversationID, content string) (*convlog.Message, error) {
	started := time.Now()

	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}
	if err := validateContent(content); err != nil {
		metrics.RejectionsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := c.allowSend(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	entry, err := c.clog.AppendMessage(ctx, conversationID, userID, convlog.KindMessage, content, 0)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("persistence").Inc()
		return nil, &PersistenceError{Op: "send_message", Err: err}
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
		MessageID:      entry.ID,
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		Kind:           convlog.KindMessage,
		CreatedAt:      entry.CreatedAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: build message event: %w", err)
	}
	c.bcast.Broadcast(conversationID, data, userID)
	metrics.QueuedUsers.Set(float64(c.q.PendingUsers()))

	if c.typing.Stop(conversationID, userID) {
		c.presence.ClearTyping(userID, conversationID)
		metrics.ActiveTypers.Set(float64(c.typing.Count()))
		c.broadcastTypingStopped(conversationID, userID)
	}

	c.emitMessageSent(entry)
	metrics.EventsTotal.WithLabelValues("message").Inc()
	metrics.SendLatency.Observe(time.Since(started).Seconds())
	return entry, nil
}

// OnShareRevelation persists and broadcasts a staged text revelation. The
// delivery semantics match OnSendMessage, including the rate limit and the
// fail-closed persistence.
func (c *Coordinator) OnShareRevelation(ctx context.Context, userID, conversationID, content string, stage int) (*convlog.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}
	if err := validateContent(content); err != nil {
		metrics.RejectionsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := c.allowSend(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	entry, err := c.clog.AppendMessage(ctx, conversationID, userID, convlog.KindRevelation, content, stage)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("persistence").Inc()
		return nil, &PersistenceError{Op: "share_revelation", Err: err}
	}

	data, err := protocol.NewServerMessage(protocol.TypeRevelationShared, protocol.RevelationSharedMsg{
		MessageID:      entry.ID,
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		Stage:          stage,
		CreatedAt:      entry.CreatedAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: build revelation_shared: %w", err)
	}
	c.bcast.Broadcast(conversationID, data, userID)

	if c.typing.Stop(conversationID, userID) {
		c.presence.ClearTyping(userID, conversationID)
		metrics.ActiveTypers.Set(float64(c.typing.Count()))
		c.broadcastTypingStopped(conversationID, userID)
	}

	if c.events != nil {
		if err := c.events.RevelationShared(events.RevelationShared{
			MessageID:      entry.ID,
			ConversationID: entry.ConversationID,
			SenderID:       entry.SenderID,
			Stage:          stage,
			CreatedAt:      entry.CreatedAt.Unix(),
		}); err != nil {
			log.Printf("delivery: emit revelation_shared: %v", err)
		}
	}
	metrics.EventsTotal.WithLabelValues("revelation").Inc()
	return entry, nil
}

// OnPhotoConsent persists the sender's photo-reveal consent and broadcasts
// it to the conversation.
func (c *Coordinator) OnPhotoConsent(ctx context.Context, userID, conversationID string) (*convlog.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidEvent)
	}
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	mu := c.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	entry, err := c.clog.AppendMessage(ctx, conversationID, userID, convlog.KindPhotoConsent, "consent", 0)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("persistence").Inc()
		return nil, &PersistenceError{Op: "photo_consent", Err: err}
	}

	data, err := protocol.NewServerMessage(protocol.TypePhotoConsentGiven, protocol.PhotoConsentGivenMsg{
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      entry.CreatedAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: build photo_consent_given: %w", err)
	}
	c.bcast.Broadcast(conversationID, data, userID)

	if c.events != nil {
		if err := c.events.PhotoConsentGiven(events.PhotoConsentGiven{
			ConversationID: conversationID,
			UserID:         userID,
			CreatedAt:      entry.CreatedAt.Unix(),
		}); err != nil {
			log.Printf("delivery: emit photo_consent_given: %v", err)
		}
	}
	metrics.EventsTotal.WithLabelValues("photo_consent").Inc()
	return entry, nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Coordinator) authorize(ctx context.Context, userID, conversationID string) error {
	ok, err := c.membership.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		metrics.RejectionsTotal.WithLabelValues("persistence").Inc()
		return &PersistenceError{Op: "membership check", Err: err}
	}
	if !ok {
		metrics.RejectionsTotal.WithLabelValues("forbidden").Inc()
		return fmt.Errorf("%w: user %s is not a participant of conversation %s",
			ErrForbidden, userID, conversationID)
	}
	return nil
}

func (c *Coordinator) allowSend(ctx context.Context, userID, conversationID string) error {
	if c.limiter == nil {
		return nil
	}
	allowed, err := c.limiter.Allow(ctx, ratelimit.SendKey(userID, conversationID), c.sendRule)
	if err != nil {
		// The limiter fails open; log and continue.
		log.Printf("delivery: rate limit check error user=%s: %v", userID, err)
	}
	if !allowed {
		metrics.RejectionsTotal.WithLabelValues("throttled").Inc()
		return fmt.Errorf("%w: send limit for conversation %s", ErrThrottled, conversationID)
	}
	return nil
}

func (c *Coordinator) broadcastTypingStopped(conversationID, userID string) {
	data, err := protocol.NewServerMessage(protocol.TypeTypingStopped, protocol.TypingStoppedMsg{
		UserID:         userID,
		ConversationID: conversationID,
	})
	if err != nil {
		log.Printf("delivery: build typing_stopped: %v", err)
		return
	}
	c.bcast.Broadcast(conversationID, data, userID)
}

// handlePresenceTransition broadcasts visibility-crossing presence changes
// to every conversation the user subscribes to. The hidden-presence
// preference suppresses online broadcasts only; going offline is always
// visible, and messaging is unaffected either way.
func (c *Coordinator) handlePresenceTransition(userID string, status presence.Status) {
	if status == presence.StatusOnline && c.prefs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), prefLookupTimeout)
		hidden, err := c.prefs.PresenceHidden(ctx, userID)
		cancel()
		if err != nil {
			log.Printf("delivery: presence preference lookup user=%s: %v", userID, err)
		} else if hidden {
			return
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypePresenceChanged, protocol.PresenceChangedMsg{
		UserID: userID,
		Status: string(status),
	})
	if err != nil {
		log.Printf("delivery: build presence_changed: %v", err)
		return
	}
	for _, conv := range c.bcast.Index().ConversationsOf(userID) {
		c.bcast.Broadcast(conv, data, userID)
	}
}

func (c *Coordinator) emitMessageSent(entry *convlog.Message) {
	if c.events == nil {
		return
	}
	if err := c.events.MessageSent(events.MessageSent{
		MessageID:      entry.ID,
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		CreatedAt:      entry.CreatedAt.Unix(),
	}); err != nil {
		log.Printf("delivery: emit message_sent: %v", err)
	}
}

// ErrorCode maps an operation error to the wire-level error code sent to the
// initiating client.
func ErrorCode(err error) string {
	var pe *PersistenceError
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.As(err, &pe):
		return "persistence_failure"
	default:
		return "internal"
	}
}
