package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamengleby/grc-ai-platform/pkg/broker"
	"github.com/adamengleby/grc-ai-platform/pkg/health"
	"github.com/adamengleby/grc-ai-platform/pkg/mcp"
	"github.com/adamengleby/grc-ai-platform/pkg/provider"
	"github.com/adamengleby/grc-ai-platform/pkg/tenantlock"
	"github.com/adamengleby/grc-ai-platform/pkg/upstream"
)

// fakeGRCProvider is a full fake provider: health, tool discovery, SSE
// stream and message submission with scripted responses.
type fakeGRCProvider struct {
	id      string
	healthy bool
	tools   []provider.Tool
	result  json.RawMessage

	mu       sync.Mutex
	authSeen []map[string]interface{}
	calls    int
	events   chan string
	srv      *httptest.Server
}

func newFakeGRCProvider(t *testing.T, id string, tools ...provider.Tool) *fakeGRCProvider {
	p := &fakeGRCProvider{
		id:      id,
		healthy: true,
		tools:   tools,
		result:  json.RawMessage(`{"ok":true}`),
		events:  make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if p.isHealthy() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"tools": p.tools})
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: endpoint\ndata: /messages/sess-%s\n\n", id)
		flusher.Flush()
		for {
			select {
			case ev := <-p.events:
				fmt.Fprint(w, ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		var req mcp.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		params, _ := req.Params.(map[string]interface{})
		auth, _ := params["auth"].(map[string]interface{})
		p.mu.Lock()
		p.authSeen = append(p.authSeen, auth)
		p.calls++
		p.mu.Unlock()

		msg, _ := json.Marshal(mcp.Message{ID: &req.ID, Result: p.result})
		p.events <- fmt.Sprintf("data: %s\n\n", msg)
		w.WriteHeader(http.StatusAccepted)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeGRCProvider) isHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakeGRCProvider) setHealthy(ok bool) {
	p.mu.Lock()
	p.healthy = ok
	p.mu.Unlock()
}

func (p *fakeGRCProvider) lastAuth() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.authSeen) == 0 {
		return nil
	}
	return p.authSeen[len(p.authSeen)-1]
}

func (p *fakeGRCProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeGRCProvider) definition() provider.Definition {
	return provider.Definition{ID: p.id, Endpoint: p.srv.URL, Transport: provider.TransportSSE}
}

// mapAgentSource is a fixed AgentConfigSource.
type mapAgentSource struct {
	cfgs map[string][]provider.TenantConfig
	err  error
}

func (m *mapAgentSource) EnabledProviders(_ context.Context, tenantID, agentID string) ([]provider.TenantConfig, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.cfgs[tenantID+"/"+agentID], nil
}

type mapCreds map[string]string

func (m mapCreds) Credential(_ context.Context, tenantID, connectionID string) (string, error) {
	secret, ok := m[tenantID+"/"+connectionID]
	if !ok {
		return "", broker.ErrCredentialNotFound
	}
	return secret, nil
}

type routerFixture struct {
	router   *Router
	sessions *upstream.Store
	conns    *mcp.Manager
}

func newTestRouter(t *testing.T, agents provider.AgentConfigSource, creds broker.CredentialStore, validate bool, defs ...provider.Definition) *routerFixture {
	registry, err := provider.NewRegistry(defs)
	require.NoError(t, err)

	sessions, err := upstream.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	conns := mcp.NewManager(mcp.ManagerConfig{Logger: zerolog.Nop()})
	t.Cleanup(conns.Shutdown)

	rt, err := New(Config{
		Registry:          registry,
		Agents:            agents,
		Health:            health.NewMonitor(health.MonitorConfig{TTL: 50 * time.Millisecond}),
		Broker:            broker.New(creds),
		Connections:       conns,
		Locks:             tenantlock.NewKeyedMutex(),
		Sessions:          sessions,
		ValidateArguments: validate,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)

	return &routerFixture{router: rt, sessions: sessions, conns: conns}
}

func credCfg(providerID string) provider.TenantConfig {
	return provider.TenantConfig{
		TenantID:   "tenant-a",
		ProviderID: providerID,
		Enabled:    true,
		AuthMode:   provider.AuthModeCredential,
	}
}

func execReq(tool string) ToolCallRequest {
	return ToolCallRequest{
		ToolName:     tool,
		TenantID:     "tenant-a",
		AgentID:      "agent-1",
		ConnectionID: "conn-1",
		Arguments:    map[string]interface{}{},
	}
}

func TestExecuteToolCallValidation(t *testing.T) {
	fx := newTestRouter(t, &mapAgentSource{}, mapCreds{}, false)

	tests := []struct {
		name   string
		mutate func(*ToolCallRequest)
	}{
		{"missing tool name", func(r *ToolCallRequest) { r.ToolName = " " }},
		{"missing tenant", func(r *ToolCallRequest) { r.TenantID = "" }},
		{"missing connection", func(r *ToolCallRequest) { r.ConnectionID = "" }},
		{"nil arguments", func(r *ToolCallRequest) { r.Arguments = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := execReq("search_records")
			tt.mutate(&req)
			_, err := fx.router.ExecuteToolCall(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestExecuteToolCallHappyPath(t *testing.T) {
	p := newFakeGRCProvider(t, "archer", provider.Tool{Name: "search_records"})
	p.result = json.RawMessage(`{"records":[{"id":1}]}`)

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer")},
	}}
	fx := newTestRouter(t, agents, mapCreds{"tenant-a/conn-1": "api-key"}, false, p.definition())

	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("search_records"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "archer", res.ProviderID)
	assert.Equal(t, "search_records", res.ToolName)
	assert.NotEmpty(t, res.CallID)
	assert.JSONEq(t, `{"records":[{"id":1}]}`, string(res.Result))
	assert.Empty(t, res.Error)

	auth := p.lastAuth()
	require.NotNil(t, auth)
	assert.Equal(t, "credential", auth["mode"])
	assert.Equal(t, "api-key", auth["credential"])
}

func TestExecuteToolCallSessionOverride(t *testing.T) {
	p := newFakeGRCProvider(t, "archer", provider.Tool{Name: "search_records"})

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer")}, // configured for credential mode
	}}
	fx := newTestRouter(t, agents, mapCreds{}, false, p.definition())

	req := execReq("search_records")
	req.SessionToken = "tok-live"
	req.UserContext = &broker.UserContext{UserID: "u-1", Username: "compliance.admin"}

	res, err := fx.router.ExecuteToolCall(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	auth := p.lastAuth()
	require.NotNil(t, auth)
	assert.Equal(t, "session", auth["mode"])
	assert.Equal(t, "tok-live", auth["sessionToken"])
}

func TestExecuteToolCallOrderedFirstMatch(t *testing.T) {
	first := newFakeGRCProvider(t, "archer", provider.Tool{Name: "search_records"})
	second := newFakeGRCProvider(t, "servicenow", provider.Tool{Name: "search_records"})

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer"), credCfg("servicenow")},
	}}
	fx := newTestRouter(t, agents, mapCreds{"tenant-a/conn-1": "k"}, false,
		first.definition(), second.definition())

	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("search_records"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "archer", res.ProviderID)
	assert.Equal(t, 1, first.callCount())
	assert.Equal(t, 0, second.callCount())
}

func TestExecuteToolCallSkipsUnhealthyProvider(t *testing.T) {
	first := newFakeGRCProvider(t, "archer", provider.Tool{Name: "search_records"})
	first.setHealthy(false)
	second := newFakeGRCProvider(t, "servicenow", provider.Tool{Name: "search_records"})

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer"), credCfg("servicenow")},
	}}
	fx := newTestRouter(t, agents, mapCreds{"tenant-a/conn-1": "k"}, false,
		first.definition(), second.definition())

	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("search_records"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "servicenow", res.ProviderID)
}

func TestExecuteToolCallRespectsAllowlist(t *testing.T) {
	p := newFakeGRCProvider(t, "archer",
		provider.Tool{Name: "search_records"},
		provider.Tool{Name: "delete_records"},
	)

	cfg := credCfg("archer")
	cfg.AllowedTools = []string{"search_records"}
	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {cfg},
	}}
	fx := newTestRouter(t, agents, mapCreds{"tenant-a/conn-1": "k"}, false, p.definition())

	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("delete_records"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no healthy provider exposes tool")
}

func TestExecuteToolCallUnknownTool(t *testing.T) {
	p := newFakeGRCProvider(t, "archer", provider.Tool{Name: "search_records"})

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer")},
	}}
	fx := newTestRouter(t, agents, mapCreds{"tenant-a/conn-1": "k"}, false, p.definition())

	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("no_such_tool"))
	require.NoError(t, err, "post-validation failures never surface as errors")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `"no_such_tool"`)
	assert.NotEmpty(t, res.CallID)
}

func TestExecuteToolCallBrokerFailureIsResult(t *testing.T) {
	p := newFakeGRCProvider(t, "archer", provider.Tool{Name: "search_records"})

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer")},
	}}
	fx := newTestRouter(t, agents, mapCreds{}, false, p.definition())

	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("search_records"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "credential not found")
	assert.Equal(t, 0, p.callCount())
}

func TestExecuteToolCallArgumentValidation(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"recordId": {"type": "integer"}},
		"required": ["recordId"]
	}`)
	p := newFakeGRCProvider(t, "archer", provider.Tool{Name: "get_record", Schema: schema})

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer")},
	}}
	fx := newTestRouter(t, agents, mapCreds{"tenant-a/conn-1": "k"}, true, p.definition())

	t.Run("missing required argument", func(t *testing.T) {
		res, err := fx.router.ExecuteToolCall(context.Background(), execReq("get_record"))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "arguments rejected by tool schema")
		assert.Equal(t, 0, p.callCount())
	})

	t.Run("valid arguments", func(t *testing.T) {
		req := execReq("get_record")
		req.Arguments = map[string]interface{}{"recordId": 7}
		res, err := fx.router.ExecuteToolCall(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.Success)
	})
}

func TestExecuteToolCallBrokenSchemaSkipsValidation(t *testing.T) {
	p := newFakeGRCProvider(t, "archer",
		provider.Tool{Name: "get_record", Schema: json.RawMessage(`{"type": 42}`)},
	)

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer")},
	}}
	fx := newTestRouter(t, agents, mapCreds{"tenant-a/conn-1": "k"}, true, p.definition())

	// A malformed provider schema is not the caller's problem.
	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("get_record"))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteToolCallConfigSourceFailure(t *testing.T) {
	agents := &mapAgentSource{err: fmt.Errorf("config backend down")}
	fx := newTestRouter(t, agents, mapCreds{}, false)

	res, err := fx.router.ExecuteToolCall(context.Background(), execReq("search_records"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no provider configuration")
}

func TestGetAgentTools(t *testing.T) {
	archer := newFakeGRCProvider(t, "archer",
		provider.Tool{Name: "search_records"},
		provider.Tool{Name: "delete_records"},
	)
	snow := newFakeGRCProvider(t, "servicenow", provider.Tool{Name: "list_incidents"})

	archerCfg := credCfg("archer")
	archerCfg.AllowedTools = []string{"search_records"}
	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {archerCfg, credCfg("servicenow")},
	}}
	fx := newTestRouter(t, agents, mapCreds{}, false, archer.definition(), snow.definition())

	tools, err := fx.router.GetAgentTools(context.Background(), "tenant-a", "agent-1")
	require.NoError(t, err)

	names := map[string]string{}
	for _, tool := range tools {
		names[tool.Name] = tool.ProviderID
	}
	assert.Equal(t, map[string]string{
		"search_records": "archer",
		"list_incidents": "servicenow",
	}, names, "allowlist filtered and provider ids stamped")
}

func TestGetAgentToolsIsolatesBrokenProvider(t *testing.T) {
	healthyP := newFakeGRCProvider(t, "servicenow", provider.Tool{Name: "list_incidents"})

	// A provider whose discovery endpoint is broken but whose health is fine.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	broken := httptest.NewServer(mux)
	t.Cleanup(broken.Close)
	brokenDef := provider.Definition{ID: "archer", Endpoint: broken.URL, Transport: provider.TransportSSE}

	agents := &mapAgentSource{cfgs: map[string][]provider.TenantConfig{
		"tenant-a/agent-1": {credCfg("archer"), credCfg("servicenow")},
	}}
	fx := newTestRouter(t, agents, mapCreds{}, false, brokenDef, healthyP.definition())

	tools, err := fx.router.GetAgentTools(context.Background(), "tenant-a", "agent-1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "list_incidents", tools[0].Name)
}

func TestGetAgentToolsConfigFailureYieldsEmpty(t *testing.T) {
	agents := &mapAgentSource{err: fmt.Errorf("config backend down")}
	fx := newTestRouter(t, agents, mapCreds{}, false)

	tools, err := fx.router.GetAgentTools(context.Background(), "tenant-a", "agent-1")
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestReleaseSession(t *testing.T) {
	fx := newTestRouter(t, &mapAgentSource{}, mapCreds{}, false)
	ctx := context.Background()

	id, err := fx.sessions.Create(ctx, upstream.Session{
		TenantID:  "tenant-a",
		Username:  "compliance.admin",
		Token:     "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, fx.router.ReleaseSession(ctx, "tenant-a", id))

	_, err = fx.sessions.GetEvenIfExpired(ctx, id)
	assert.ErrorIs(t, err, upstream.ErrNoSession)
}
