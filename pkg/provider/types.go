package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TransportKind identifies the streaming transport a provider speaks.
type TransportKind string

const (
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
)

// AuthMode selects how the broker resolves the auth payload for a call.
type AuthMode string

const (
	// AuthModeCredential uses a stored, encrypted credential.
	AuthModeCredential AuthMode = "credential"
	// AuthModeSession forwards the caller-supplied session token.
	AuthModeSession AuthMode = "session"
)

// Definition describes an independently deployed tool provider.
// Definitions are loaded from configuration and never mutated at runtime.
type Definition struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Endpoint  string        `json:"endpoint"`
	Transport TransportKind `json:"transport"`
}

// StreamURL returns the streaming endpoint for the provider.
func (d Definition) StreamURL() string {
	return d.Endpoint + "/stream"
}

// ToolsURL returns the tool discovery endpoint for the provider.
func (d Definition) ToolsURL() string {
	return d.Endpoint + "/tools"
}

// HealthURL returns the liveness endpoint for the provider.
func (d Definition) HealthURL() string {
	return d.Endpoint + "/health"
}

// Duration unmarshals from a JSON duration string ("30s") or a number of
// seconds, so a config author can write either form.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration: %v", raw)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// TenantConfig is the per-(tenant, provider, agent-scope) configuration
// supplied by the agent configuration collaborator.
type TenantConfig struct {
	TenantID     string   `json:"tenantId"`
	ProviderID   string   `json:"providerId"`
	Enabled      bool     `json:"enabled"`
	Timeout      Duration `json:"timeout,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	AuthMode     AuthMode `json:"authMode"`
}

// AllowsTool reports whether the configuration permits the named tool.
// An empty allowlist permits every tool the provider exposes.
func (c TenantConfig) AllowsTool(name string) bool {
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range c.AllowedTools {
		if allowed == name || allowed == "*" {
			return true
		}
	}
	return false
}

// Tool is a named remote operation exposed by a provider.
type Tool struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Schema           json.RawMessage `json:"schema,omitempty"`
	RiskLevel        string          `json:"riskLevel,omitempty"`
	ComplianceImpact string          `json:"complianceImpact,omitempty"`
	ProviderID       string          `json:"providerId,omitempty"`
}

// AgentConfigSource supplies, per (tenant, agent), the ordered list of
// enabled provider configurations. The order is significant: tool lookup
// scans it front to back and the first provider exposing a tool wins.
type AgentConfigSource interface {
	EnabledProviders(ctx context.Context, tenantID, agentID string) ([]TenantConfig, error)
}
