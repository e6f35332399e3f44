package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adamengleby/grc-ai-platform/pkg/broker"
)

// ErrValidation marks a request rejected before any network activity.
var ErrValidation = errors.New("invalid tool call request")

// ToolCallRequest is one tool invocation on behalf of an agent.
type ToolCallRequest struct {
	ToolName     string                 `json:"toolName"`
	TenantID     string                 `json:"tenantId"`
	AgentID      string                 `json:"agentId,omitempty"`
	ConnectionID string                 `json:"connectionId"`
	Arguments    map[string]interface{} `json:"arguments"`

	SessionToken string              `json:"sessionToken,omitempty"`
	UserContext  *broker.UserContext `json:"userContext,omitempty"`
}

// Validate checks the request's required fields. It is the only part of
// execution that surfaces an error instead of a failed result.
func (r ToolCallRequest) Validate() error {
	if strings.TrimSpace(r.ToolName) == "" {
		return fmt.Errorf("%w: tool name is required", ErrValidation)
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if strings.TrimSpace(r.ConnectionID) == "" {
		return fmt.Errorf("%w: connection id is required", ErrValidation)
	}
	if r.Arguments == nil {
		return fmt.Errorf("%w: arguments object is required", ErrValidation)
	}
	return nil
}

// ToolExecutionResult is the uniform outcome shape the orchestrator
// receives for every executed call, failed or not.
type ToolExecutionResult struct {
	Success        bool            `json:"success"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ToolName       string          `json:"toolName"`
	ProviderID     string          `json:"providerId,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	CallID         string          `json:"callId"`
	ProcessingTime time.Duration   `json:"processingTime"`
}
