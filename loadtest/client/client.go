// Package client provides a reusable WebSocket load test client for the
// realtime coordination server. It connects using gobwas/ws (the same library
// the server uses), performs the connect handshake for a given user ID, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
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

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeSubscribed      = "subscribed"
	TypeMessage         = "message"
	TypeTypingStarted   = "typing_started"
	TypeTypingStopped   = "typing_stopped"
	TypePresenceChanged = "presence_changed"
	TypeThrottled       = "throttled"
	TypeError           = "error"
	TypeHeartbeatAck    = "heartbeat_ack"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	AckLatency       time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the realtime
// server. It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and completes the connect handshake automatically.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	acked     bool
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	dialed    time.Time
}

// New creates a load test client connected to the given WebSocket URL as the
// given user. The connection is established immediately, the connect event is
// sent, and a background goroutine begins reading messages. The server's
// connected ack is tracked for AckLatency.
func New(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialed:   start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	if err := c.Send(map[string]string{"type": TypeConnect, "user_id": userID}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect event: %w", err)
	}

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Subscribe joins the conversation's fan-out set.
func (c *Client) Subscribe(conversationID string) error {
	return c.Send(map[string]string{
		"type":            TypeSubscribe,
		"conversation_id": conversationID,
	})
}

// SendMessage sends one text message to the conversation.
func (c *Client) SendMessage(conversationID, content string) error {
	return c.Send(map[string]string{
		"type":            TypeSendMessage,
		"conversation_id": conversationID,
		"content":         content,
	})
}

// StartTyping begins a typing session in the conversation.
func (c *Client) StartTyping(conversationID string) error {
	return c.Send(map[string]string{
		"type":            TypeTypingStart,
		"conversation_id": conversationID,
	})
}

// StopTyping ends the typing session in the conversation.
func (c *Client) StopTyping(conversationID string) error {
	return c.Send(map[string]string{
		"type":            TypeTypingStop,
		"conversation_id": conversationID,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding. Handlers
// run on the read loop goroutine so they should not block. Only one handler
// per message type is supported; registering a second replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForAck blocks until the server has acked the connect event or the
// context is cancelled. Load test phases that depend on the handshake being
// complete gate on this.
func (c *Client) WaitForAck(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before connected ack")
		case <-ticker.C:
			c.mu.Lock()
			acked := c.acked
			c.mu.Unlock()
			if acked {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user this client connected as.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if envelope.Type == TypeConnected {
			c.mu.Lock()
			if !c.acked {
				c.acked = true
				c.metrics.AckLatency = time.Since(c.dialed)
			}
			c.mu.Unlock()
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
