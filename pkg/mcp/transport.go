package mcp

import (
	"context"
	"fmt"

	"github.com/adamengleby/grc-ai-platform/pkg/provider"
)

// Transport is a duplex streaming channel to a single provider.
type Transport interface {
	// Connect opens the stream and blocks until the provider announces a
	// session id. Inbound messages are delivered on the returned channel;
	// the channel is closed when the stream dies for any reason.
	Connect(ctx context.Context) (sessionID string, inbound <-chan Message, err error)

	// Submit sends one request on the stream's submission path.
	Submit(ctx context.Context, req Request) error

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

// TransportFactory builds a transport for a provider definition. The
// manager uses it so tests can swap in fakes.
type TransportFactory func(def provider.Definition) (Transport, error)

// NewTransport builds the transport matching the definition's kind.
func NewTransport(def provider.Definition) (Transport, error) {
	switch def.Transport {
	case provider.TransportSSE:
		return NewSSETransport(def), nil
	case provider.TransportWebSocket:
		return NewWebSocketTransport(def), nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported transport %q", def.ID, def.Transport)
	}
}
