package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/adamengleby/grc-ai-platform/pkg/provider"
)

type agentsFile struct {
	Tenants map[string]tenantAgents `json:"tenants"`
}

type tenantAgents struct {
	Agents map[string][]provider.TenantConfig `json:"agents"`
}

// FileAgentSource is a file-backed AgentConfigSource. The file maps tenants
// to agents to ordered provider configurations; an agent named "default"
// serves as the fallback for agent ids with no entry of their own.
type FileAgentSource struct {
	path string

	mu      sync.RWMutex
	tenants map[string]tenantAgents
}

// NewFileAgentSource loads the agent configuration file.
func NewFileAgentSource(path string) (*FileAgentSource, error) {
	s := &FileAgentSource{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file and swaps the mapping atomically.
func (s *FileAgentSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read agent configurations: %w", err)
	}

	var parsed agentsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse agent configurations: %w", err)
	}

	for tenantID, ta := range parsed.Tenants {
		for agentID, cfgs := range ta.Agents {
			for i := range cfgs {
				if cfgs[i].ProviderID == "" {
					return fmt.Errorf("tenant %s agent %s: entry %d has no provider id", tenantID, agentID, i)
				}
				cfgs[i].TenantID = tenantID
			}
		}
	}

	s.mu.Lock()
	s.tenants = parsed.Tenants
	s.mu.Unlock()
	return nil
}

// EnabledProviders returns the tenant's enabled provider configurations for
// the agent, preserving file order. Unknown tenants and agents yield an
// empty list, not an error.
func (s *FileAgentSource) EnabledProviders(_ context.Context, tenantID, agentID string) ([]provider.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ta, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cfgs, ok := ta.Agents[agentID]
	if !ok {
		cfgs = ta.Agents["default"]
	}

	enabled := make([]provider.TenantConfig, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}
	return enabled, nil
}
