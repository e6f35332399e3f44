package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsHandshake is the first frame a websocket provider sends.
type wsHandshake struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// WebSocketTransport speaks the websocket transport: a single duplex
// socket on {endpoint}/stream whose first frame announces the session id.
type WebSocketTransport struct {
	def provider.Definition

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// NewWebSocketTransport creates a websocket transport for the provider.
func NewWebSocketTransport(def provider.Definition) *WebSocketTransport {
	return &WebSocketTransport{def: def}
}

// Connect dials the socket and waits for the handshake frame.
func (t *WebSocketTransport) Connect(ctx context.Context) (string, <-chan Message, error) {
	wsURL, err := t.streamWSURL()
	if err != nil {
		return "", nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	var hello wsHandshake
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return "", nil, fmt.Errorf("handshake read failed: %w", err)
	}
	if hello.SessionID == "" {
		conn.Close()
		return "", nil, fmt.Errorf("handshake frame carries no session id")
	}
	conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	inbound := make(chan Message, 16)
	go t.readLoop(conn, inbound)

	return hello.SessionID, inbound, nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, inbound chan<- Message) {
	defer close(inbound)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("provider", t.def.ID).Msg("Socket read ended")
			return
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn().Err(err).Str("provider", t.def.ID).Msg("Failed to decode socket message")
			continue
		}
		inbound <- msg
	}
}

// Submit writes one request frame. Writes are serialized because gorilla
// connections allow only one concurrent writer.
func (t *WebSocketTransport) Submit(ctx context.Context, req Request) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Deadlines stick to the connection, so a call without one must clear
	// whatever the previous call set.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close closes the socket; the read loop closes the inbound channel.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *WebSocketTransport) streamWSURL() (string, error) {
	u, err := url.Parse(t.def.StreamURL())
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
