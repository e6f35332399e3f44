package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	"github.com/adamengleby/grc-ai-platform/pkg/provider"
)

// defaultDiscoveryTimeout bounds one tool-list fetch.
const defaultDiscoveryTimeout = 10 * time.Second

type toolListResponse struct {
	Tools []provider.Tool `json:"tools"`
}

// fetchTools retrieves the provider's tool catalog from its discovery
// endpoint.
func (r *Router) fetchTools(ctx context.Context, def provider.Definition) ([]provider.Tool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, defaultDiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, def.ToolsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tool list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.RecordToolList(def.ID, false)
		return nil, fmt.Errorf("tool list fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordToolList(def.ID, false)
		return nil, fmt.Errorf("tool list returned status %d", resp.StatusCode)
	}

	var payload toolListResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.RecordToolList(def.ID, false)
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}

	tools := make([]provider.Tool, 0, len(payload.Tools))
	for _, tool := range payload.Tools {
		tool.ProviderID = def.ID
		tools = append(tools, tool)
	}

	metrics.RecordToolList(def.ID, true)
	return tools, nil
}
