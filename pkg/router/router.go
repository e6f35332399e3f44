package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	"github.com/adamengleby/grc-ai-platform/internal/tracing"
	"github.com/adamengleby/grc-ai-platform/pkg/broker"
	"github.com/adamengleby/grc-ai-platform/pkg/health"
	"github.com/adamengleby/grc-ai-platform/pkg/mcp"
	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/adamengleby/grc-ai-platform/pkg/tenantlock"
	"github.com/adamengleby/grc-ai-platform/pkg/upstream"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultCallTimeout bounds a tool call without a per-tenant override.
const DefaultCallTimeout = 30 * time.Second

const tracerName = "grc.router"

// Router discovers which provider exposes a requested tool, gates on
// provider health, resolves auth through the broker, and dispatches over
// the connection manager.
type Router struct {
	registry *provider.Registry
	agents   provider.AgentConfigSource
	health   *health.Monitor
	broker   *broker.Broker
	conns    *mcp.Manager
	locks    *tenantlock.KeyedMutex
	sessions *upstream.Store

	client         *http.Client
	defaultTimeout time.Duration
	validateArgs   bool
	logger         zerolog.Logger
}

// Config holds router configuration. Registry, Agents, Health, Broker,
// Connections and Locks are required.
type Config struct {
	Registry    *provider.Registry
	Agents      provider.AgentConfigSource
	Health      *health.Monitor
	Broker      *broker.Broker
	Connections *mcp.Manager
	Locks       *tenantlock.KeyedMutex
	Sessions    *upstream.Store

	Client            *http.Client
	DefaultTimeout    time.Duration
	ValidateArguments bool
	Logger            zerolog.Logger
}

// New creates a router.
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent config source is required")
	}
	if cfg.Health == nil {
		return nil, fmt.Errorf("health monitor is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("auth broker is required")
	}
	if cfg.Connections == nil {
		return nil, fmt.Errorf("connection manager is required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("tenant lock registry is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultCallTimeout
	}

	return &Router{
		registry:       cfg.Registry,
		agents:         cfg.Agents,
		health:         cfg.Health,
		broker:         cfg.Broker,
		conns:          cfg.Connections,
		locks:          cfg.Locks,
		sessions:       cfg.Sessions,
		client:         cfg.Client,
		defaultTimeout: cfg.DefaultTimeout,
		validateArgs:   cfg.ValidateArguments,
		logger:         cfg.Logger,
	}, nil
}

// GetAgentTools merges the tool catalogs of the agent's enabled providers.
// Each provider is fetched concurrently; a slow or broken provider
// contributes nothing and never blocks the others.
func (r *Router) GetAgentTools(ctx context.Context, tenantID, agentID string) ([]provider.Tool, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "router.get_agent_tools")
	defer span.End()

	cfgs, err := r.agents.EnabledProviders(ctx, tenantID, agentID)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("agent_id", agentID).
			Msg("Failed to load enabled providers")
		return []provider.Tool{}, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	merged := []provider.Tool{}

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(cfg provider.TenantConfig) {
			defer wg.Done()
			tools := r.providerTools(ctx, cfg)
			if len(tools) == 0 {
				return
			}
			mu.Lock()
			merged = append(merged, tools...)
			mu.Unlock()
		}(cfg)
	}
	wg.Wait()

	r.logger.Debug().
		Str("tenant_id", tenantID).
		Str("agent_id", agentID).
		Int("tools", len(merged)).
		Msg("Agent tool catalog assembled")

	return merged, nil
}

// providerTools fetches one provider's catalog. Every failure degrades to
// an empty set with a logged warning.
func (r *Router) providerTools(ctx context.Context, cfg provider.TenantConfig) []provider.Tool {
	def, ok := r.registry.Get(cfg.ProviderID)
	if !ok {
		r.logger.Warn().Str("provider", cfg.ProviderID).Msg("Enabled provider has no definition")
		return nil
	}

	if h := r.health.Check(ctx, def); h.Status == health.StatusUnhealthy {
		r.logger.Warn().
			Str("provider", cfg.ProviderID).
			Str("error", h.Error).
			Msg("Skipping unhealthy provider during discovery")
		return nil
	}

	tools, err := r.fetchTools(ctx, def)
	if err != nil {
		r.logger.Warn().Err(err).Str("provider", cfg.ProviderID).Msg("Tool discovery failed")
		return nil
	}

	allowed := tools[:0]
	for _, tool := range tools {
		if cfg.AllowsTool(tool.Name) {
			allowed = append(allowed, tool)
		}
	}
	return allowed
}

// ExecuteToolCall runs one tool call. Validation failures return an error
// before any network activity; every later failure is folded into the
// returned result.
func (r *Router) ExecuteToolCall(ctx context.Context, req ToolCallRequest) (ToolExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return ToolExecutionResult{}, err
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "router.execute_tool_call")
	defer span.End()

	start := time.Now()
	res := r.execute(ctx, req)
	res.CallID = uuid.New().String()
	res.ToolName = req.ToolName
	res.AgentID = req.AgentID
	res.ProcessingTime = time.Since(start)

	metrics.RecordToolCall(res.ProviderID, req.ToolName, res.ProcessingTime, res.Success)

	if res.Success {
		r.logger.Info().
			Str("tool", req.ToolName).
			Str("provider", res.ProviderID).
			Str("tenant_id", req.TenantID).
			Dur("took", res.ProcessingTime).
			Msg("Tool call completed")
	} else {
		r.logger.Warn().
			Str("tool", req.ToolName).
			Str("provider", res.ProviderID).
			Str("tenant_id", req.TenantID).
			Str("error", res.Error).
			Msg("Tool call failed")
	}

	return res, nil
}

func (r *Router) execute(ctx context.Context, req ToolCallRequest) ToolExecutionResult {
	fail := func(providerID, msg string) ToolExecutionResult {
		return ToolExecutionResult{Success: false, Error: msg, ProviderID: providerID}
	}

	cfgs, err := r.agents.EnabledProviders(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return fail("", fmt.Sprintf("no provider configuration: %v", err))
	}

	cfg, def, tool, found := r.selectProvider(ctx, cfgs, req.ToolName)
	if !found {
		return fail("", fmt.Sprintf("no healthy provider exposes tool %q", req.ToolName))
	}

	if r.validateArgs && len(tool.Schema) > 0 {
		if msg, ok := r.argumentViolation(tool.Schema, req.Arguments); ok {
			return fail(def.ID, fmt.Sprintf("arguments rejected by tool schema: %s", msg))
		}
	}

	payload, err := r.broker.Resolve(ctx, broker.Request{
		TenantID:     req.TenantID,
		ConnectionID: req.ConnectionID,
		SessionToken: req.SessionToken,
		UserContext:  req.UserContext,
	}, cfg)
	if err != nil {
		return fail(def.ID, err.Error())
	}

	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	params := mcp.CallParams{
		Name:      req.ToolName,
		Arguments: req.Arguments,
		Auth:      payload.Fields(),
	}

	var raw json.RawMessage
	dispatch := func(ctx context.Context) error {
		conn, err := r.conns.GetOrCreate(ctx, def)
		if err != nil {
			return err
		}
		raw, err = conn.Call(ctx, mcp.MethodCallTool, params, timeout, nil)
		return err
	}

	// Session-authenticated calls reach the single-session upstream, so
	// they serialize per tenant.
	if payload.Mode == provider.AuthModeSession {
		err = r.locks.WithExclusive(ctx, req.TenantID, dispatch)
	} else {
		err = dispatch(ctx)
	}
	if err != nil {
		return fail(def.ID, err.Error())
	}

	return ToolExecutionResult{Success: true, Result: raw, ProviderID: def.ID}
}

// selectProvider scans the enabled providers in their configured order and
// returns the first healthy one exposing the tool.
func (r *Router) selectProvider(ctx context.Context, cfgs []provider.TenantConfig, toolName string) (provider.TenantConfig, provider.Definition, provider.Tool, bool) {
	for _, cfg := range cfgs {
		if !cfg.Enabled || !cfg.AllowsTool(toolName) {
			continue
		}

		def, ok := r.registry.Get(cfg.ProviderID)
		if !ok {
			r.logger.Warn().Str("provider", cfg.ProviderID).Msg("Enabled provider has no definition")
			continue
		}

		if h := r.health.Check(ctx, def); h.Status == health.StatusUnhealthy {
			r.logger.Debug().Str("provider", cfg.ProviderID).Msg("Skipping unhealthy provider")
			continue
		}

		tools, err := r.fetchTools(ctx, def)
		if err != nil {
			r.logger.Warn().Err(err).Str("provider", cfg.ProviderID).Msg("Tool discovery failed during selection")
			continue
		}

		for _, tool := range tools {
			if tool.Name == toolName {
				return cfg, def, tool, true
			}
		}
	}

	return provider.TenantConfig{}, provider.Definition{}, provider.Tool{}, false
}

// argumentViolation validates arguments against the tool's declared input
// schema. Schema problems on the provider side are not held against the
// caller.
func (r *Router) argumentViolation(schema json.RawMessage, args map[string]interface{}) (string, bool) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Tool schema is not valid JSON Schema; skipping validation")
		return "", false
	}
	if result.Valid() {
		return "", false
	}

	msg := ""
	for _, desc := range result.Errors() {
		if msg != "" {
			msg += "; "
		}
		msg += desc.String()
	}
	return msg, true
}

// ReleaseSession logs the tenant out of the upstream by deleting the
// stored session, serialized with any in-flight calls for the tenant.
func (r *Router) ReleaseSession(ctx context.Context, tenantID, sessionID string) error {
	if r.sessions == nil {
		return fmt.Errorf("no session store configured")
	}
	return r.locks.WithExclusive(ctx, tenantID, func(ctx context.Context) error {
		return r.sessions.Delete(ctx, sessionID)
	})
}
