package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultHandshakeTimeout bounds how long a connection attempt may wait
// for the provider's session announcement.
const DefaultHandshakeTimeout = 10 * time.Second

// Connection is one established stream to a provider.
type Connection struct {
	ID         string
	ProviderID string
	SessionID  string

	transport  Transport
	correlator *Correlator
	lastUsed   atomic.Int64
	errorCount atomic.Int64
	onFatal    func(*Connection, error)
}

// Call submits a request and blocks until its terminal outcome: response,
// per-call timeout, caller cancellation, or connection loss.
func (c *Connection) Call(ctx context.Context, method string, params interface{}, timeout time.Duration, onProgress ProgressFunc) (json.RawMessage, error) {
	id, ch := c.correlator.Register(timeout, onProgress)
	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}

	c.touch()

	if err := c.transport.Submit(ctx, req); err != nil {
		c.correlator.Fail(id, err)
		<-ch
		c.fail(err)
		return nil, fmt.Errorf("failed to submit request: %w", err)
	}

	select {
	case outcome := <-ch:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Result, nil
	case <-ctx.Done():
		c.correlator.Fail(id, ctx.Err())
		<-ch
		return nil, ctx.Err()
	}
}

// LastUsed returns the time of the most recent call on the connection.
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// ErrorCount returns how many fatal errors the connection has seen.
func (c *Connection) ErrorCount() int64 {
	return c.errorCount.Load()
}

func (c *Connection) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

func (c *Connection) fail(err error) {
	c.errorCount.Add(1)
	if c.onFatal != nil {
		c.onFatal(c, err)
	}
}

type dialState struct {
	done chan struct{}
	conn *Connection
	err  error
}

// Manager owns at most one live connection per provider id. A failed
// connection is removed outright; the next call re-handshakes.
type Manager struct {
	handshakeTimeout time.Duration
	newTransport     TransportFactory
	logger           zerolog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	dials map[string]*dialState
}

// ManagerConfig holds connection manager configuration.
type ManagerConfig struct {
	HandshakeTimeout time.Duration
	Transport        TransportFactory
	Logger           zerolog.Logger
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport
	}
	return &Manager{
		handshakeTimeout: cfg.HandshakeTimeout,
		newTransport:     cfg.Transport,
		logger:           cfg.Logger,
		conns:            make(map[string]*Connection),
		dials:            make(map[string]*dialState),
	}
}

// GetOrCreate returns the live connection for the provider, dialing one if
// none exists. Concurrent callers for the same provider share a single
// handshake.
func (m *Manager) GetOrCreate(ctx context.Context, def provider.Definition) (*Connection, error) {
	for {
		m.mu.Lock()
		if conn, ok := m.conns[def.ID]; ok {
			m.mu.Unlock()
			return conn, nil
		}
		if d, ok := m.dials[def.ID]; ok {
			m.mu.Unlock()
			select {
			case <-d.done:
				if d.err != nil {
					return nil, d.err
				}
				return d.conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		d := &dialState{done: make(chan struct{})}
		m.dials[def.ID] = d
		m.mu.Unlock()

		conn, err := m.dial(ctx, def)

		m.mu.Lock()
		delete(m.dials, def.ID)
		if err == nil {
			m.conns[def.ID] = conn
			metrics.SetActiveConnections(len(m.conns))
		}
		m.mu.Unlock()

		d.conn, d.err = conn, err
		close(d.done)
		return conn, err
	}
}

// Get returns the live connection for a provider, if any.
func (m *Manager) Get(providerID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[providerID]
	return conn, ok
}

// Shutdown tears down every live connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	metrics.SetActiveConnections(0)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.transport.Close()
		conn.correlator.FailAll(ErrConnectionLost)
	}
	m.logger.Info().Int("connections", len(conns)).Msg("Connection manager shut down")
}

func (m *Manager) dial(ctx context.Context, def provider.Definition) (*Connection, error) {
	transport, err := m.newTransport(def)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	sessionID, inbound, err := transport.Connect(hctx)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("provider %s: handshake failed: %w", def.ID, err)
	}

	conn := &Connection{
		ID:         uuid.New().String(),
		ProviderID: def.ID,
		SessionID:  sessionID,
		transport:  transport,
		correlator: NewCorrelator(),
	}
	conn.onFatal = func(c *Connection, err error) { m.drop(c, err) }
	conn.touch()

	go m.readLoop(conn, inbound)

	m.logger.Info().
		Str("provider", def.ID).
		Str("session_id", sessionID).
		Str("connection_id", conn.ID).
		Msg("Provider connection established")

	return conn, nil
}

// readLoop pumps inbound messages into the correlator until the stream
// dies, then drops the connection.
func (m *Manager) readLoop(conn *Connection, inbound <-chan Message) {
	for msg := range inbound {
		conn.correlator.Dispatch(msg)
	}
	m.drop(conn, ErrConnectionLost)
}

// drop removes the connection from the table and fails everything pending
// on it. Safe to call more than once for the same connection.
func (m *Manager) drop(conn *Connection, err error) {
	m.mu.Lock()
	current, ok := m.conns[conn.ProviderID]
	if ok && current == conn {
		delete(m.conns, conn.ProviderID)
		metrics.SetActiveConnections(len(m.conns))
	}
	m.mu.Unlock()

	conn.transport.Close()
	conn.correlator.FailAll(ErrConnectionLost)

	if ok && current == conn {
		metrics.RecordConnectionDrop(conn.ProviderID)
		log.Warn().
			Err(err).
			Str("provider", conn.ProviderID).
			Str("connection_id", conn.ID).
			Msg("Provider connection dropped")
	}
}
