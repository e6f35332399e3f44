package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/rs/zerolog/log"
)

// SSETransport speaks the server-sent-events transport: a long-lived GET
// on {endpoint}/stream carries inbound messages, and requests are POSTed
// to the message-submission address announced by the first stream event.
type SSETransport struct {
	def    provider.Definition
	client *http.Client

	mu         sync.Mutex
	messageURL string
	cancel     context.CancelFunc
	closed     bool
}

// NewSSETransport creates an SSE transport for the provider.
func NewSSETransport(def provider.Definition) *SSETransport {
	return &SSETransport{
		def:    def,
		client: &http.Client{},
	}
}

// Connect opens the stream and waits for the provider's endpoint event.
func (t *SSETransport) Connect(ctx context.Context) (string, <-chan Message, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.def.StreamURL(), nil)
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return "", nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	inbound := make(chan Message, 16)
	endpointCh := make(chan string, 1)

	go t.readLoop(resp.Body, endpointCh, inbound)

	select {
	case raw, ok := <-endpointCh:
		if !ok {
			cancel()
			return "", nil, fmt.Errorf("stream closed before endpoint event")
		}
		messageURL, sessionID, err := t.resolveEndpoint(raw)
		if err != nil {
			cancel()
			return "", nil, err
		}

		t.mu.Lock()
		t.messageURL = messageURL
		t.cancel = cancel
		t.closed = false
		t.mu.Unlock()

		return sessionID, inbound, nil

	case <-ctx.Done():
		cancel()
		return "", nil, fmt.Errorf("handshake timed out: %w", ctx.Err())
	}
}

// readLoop parses the SSE wire format: "event:"/"data:" lines separated by
// blank lines. The first endpoint event goes to endpointCh; everything
// else is decoded as a Message.
func (t *SSETransport) readLoop(body io.ReadCloser, endpointCh chan<- string, inbound chan<- Message) {
	defer body.Close()
	defer close(inbound)
	defer close(endpointCh)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data bytes.Buffer
	announced := false

	flush := func() {
		defer func() {
			event = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return
		}

		if event == "endpoint" && !announced {
			announced = true
			endpointCh <- data.String()
			return
		}

		var msg Message
		if err := json.Unmarshal(data.Bytes(), &msg); err != nil {
			log.Warn().Err(err).Str("provider", t.def.ID).Msg("Failed to decode stream message")
			return
		}
		inbound <- msg
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("provider", t.def.ID).Msg("Stream read ended")
	}
}

// resolveEndpoint turns the announced submission address into an absolute
// URL and extracts the session id from its last path segment.
func (t *SSETransport) resolveEndpoint(raw string) (string, string, error) {
	base, err := url.Parse(t.def.StreamURL())
	if err != nil {
		return "", "", fmt.Errorf("invalid stream url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint event %q: %w", raw, err)
	}
	resolved := base.ResolveReference(ref)

	segments := strings.Split(strings.Trim(resolved.Path, "/"), "/")
	sessionID := segments[len(segments)-1]
	if sessionID == "" {
		return "", "", fmt.Errorf("endpoint event %q carries no session id", raw)
	}

	return resolved.String(), sessionID, nil
}

// Submit POSTs one request to the message-submission address.
func (t *SSETransport) Submit(ctx context.Context, reqMsg Request) error {
	t.mu.Lock()
	messageURL := t.messageURL
	closed := t.closed
	t.mu.Unlock()

	if closed || messageURL == "" {
		return fmt.Errorf("transport is not connected")
	}

	payload, err := json.Marshal(reqMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("submit returned status %d", resp.StatusCode)
	}
	return nil
}

// Close cancels the stream; the read loop closes the inbound channel.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}
