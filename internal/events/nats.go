// Package events publishes the coordinator's domain events over NATS so the
// ritual-progression and notification services can react to live activity.
// Publishing is one-way: subscribers cannot reach back into coordinator
// state.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for domain events.
const (
	SubjectMessageSent       = "unveil.events.message_sent"
	SubjectRevelationShared  = "unveil.events.revelation_shared"
	SubjectPhotoConsentGiven = "unveil.events.photo_consent_given"
)

// MessageSent is emitted after a message is persisted and broadcast.
type MessageSent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	CreatedAt      int64  `json:"created_at"`
}

// RevelationShared is emitted after a staged revelation is persisted.
type RevelationShared struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Stage          int    `json:"stage"`
	CreatedAt      int64  `json:"created_at"`
}

// PhotoConsentGiven is emitted after a photo-reveal consent is persisted.
type PhotoConsentGiven struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	CreatedAt      int64  `json:"created_at"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "unveil-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Emitter wraps the NATS connection used for domain event publishing.
type Emitter struct {
	conn *nats.Conn
}

// NewEmitter connects to NATS with the given config and returns a ready
// emitter. It returns an error if the initial connection fails.
func NewEmitter(config Config) (*Emitter, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("events: nats disconnected: %v", err)
			} else {
				log.Printf("events: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("events: nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("events: nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	log.Printf("events: connected to %s", nc.ConnectedUrl())
	return &Emitter{conn: nc}, nil
}

// MessageSent publishes a message_sent event.
func (e *Emitter) MessageSent(ev MessageSent) error {
	return e.publish(SubjectMessageSent, ev)
}

// RevelationShared publishes a revelation_shared event.
func (e *Emitter) RevelationShared(ev RevelationShared) error {
	return e.publish(SubjectRevelationShared, ev)
}

// PhotoConsentGiven publishes a photo_consent_given event.
func (e *Emitter) PhotoConsentGiven(ev PhotoConsentGiven) error {
	return e.publish(SubjectPhotoConsentGiven, ev)
}

func (e *Emitter) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", subject, err)
	}
	if err := e.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (e *Emitter) Close() {
	if err := e.conn.Drain(); err != nil {
		log.Printf("events: nats drain: %v", err)
	}
}
