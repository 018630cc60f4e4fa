// Package protocol defines the WebSocket event types and structures exchanged
// between clients and the realtime server. All events are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeConnect         = "connect"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeTypingStart     = "typing_start"
	TypeTypingStop      = "typing_stop"
	TypeSendMessage     = "send_message"
	TypeShareRevelation = "share_revelation"
	TypePhotoConsent    = "photo_consent"
	TypeHeartbeat       = "heartbeat"
)

// Server -> Client event types.
const (
	TypeConnected         = "connected"
	TypeSubscribed        = "subscribed"
	TypeMessage           = "message"
	TypeTypingStarted     = "typing_started"
	TypeTypingStopped     = "typing_stopped"
	TypePresenceChanged   = "presence_changed"
	TypeRevelationShared  = "revelation_shared"
	TypePhotoConsentGiven = "photo_consent_given"
	TypeThrottled         = "throttled"
	TypeError             = "error"
	TypeHeartbeatAck      = "heartbeat_ack"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// ConnectMsg is the first event a client sends on a fresh connection. The
// user ID has already been validated by the upstream auth layer; the realtime
// server trusts it as-is.
type ConnectMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SubscribeMsg registers interest in a conversation's live events.
type SubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// UnsubscribeMsg removes interest in a conversation's live events.
type UnsubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TypingStartMsg signals that the client started composing a message. The
// optional hints let the peer's client render a richer indicator.
type TypingStartMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	EnergyHint     string `json:"energy_hint,omitempty"`
	EmotionalHint  string `json:"emotional_hint,omitempty"`
}

// TypingStopMsg signals that the client stopped composing.
type TypingStopMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg carries a text message into a conversation.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// ShareRevelationMsg shares a staged text revelation with the conversation.
type ShareRevelationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Stage          int    `json:"stage,omitempty"`
}

// PhotoConsentMsg records the sender's consent to the photo reveal for the
// conversation.
type PhotoConsentMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// HeartbeatMsg is a client-initiated keepalive.
type HeartbeatMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg acknowledges a successful connect after the offline queue has
// been drained.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SubscribedMsg acknowledges a subscription.
type SubscribedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// ServerMessageMsg is a persisted conversation message relayed to
// subscribers. Kind distinguishes ordinary messages from revelations and
// consent markers. Clients sort by MessageID/CreatedAt.
type ServerMessageMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	Kind           string `json:"kind"`
	CreatedAt      int64  `json:"created_at"`
}

// TypingStartedMsg relays a peer's typing indicator.
type TypingStartedMsg struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	EnergyHint     string `json:"energy_hint,omitempty"`
	EmotionalHint  string `json:"emotional_hint,omitempty"`
}

// TypingStoppedMsg relays the end of a peer's typing indicator.
type TypingStoppedMsg struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// PresenceChangedMsg notifies subscribers of a visibility transition.
type PresenceChangedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// RevelationSharedMsg relays a shared revelation to subscribers.
type RevelationSharedMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	Stage          int    `json:"stage,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// PhotoConsentGivenMsg relays a photo-reveal consent to subscribers.
type PhotoConsentGivenMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	CreatedAt      int64  `json:"created_at"`
}

// ThrottledMsg tells the client a send was rate limited. The operation had no
// side effect and may be retried after RetryAfter seconds.
type ThrottledMsg struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an operation-scoped error condition. The connection
// remains open.
type ErrorMsg struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// HeartbeatAckMsg is the server's response to a client heartbeat.
type HeartbeatAckMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeConnect:
		var m ConnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeShareRevelation:
		var m ShareRevelationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePhotoConsent:
		var m PhotoConsentMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
