package mcp

import "encoding/json"

// JSONRPCVersion is the protocol version stamped on every request.
const JSONRPCVersion = "2.0"

// MethodCallTool is the request method for tool execution.
const MethodCallTool = "tools/call"

// Request is the JSON-RPC 2.0 envelope submitted to a provider.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// CallParams is the payload for a tools/call request.
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Auth      map[string]interface{} `json:"auth,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return e.Message
}

// Message is a single inbound stream message. Providers send either a
// JSON-RPC response (ID set, Result or Error) or a progress notification
// (Type "progress", RequestID set).
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	Type      string          `json:"type,omitempty"`
	RequestID *int64          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsProgress reports whether the message is a progress notification.
func (m Message) IsProgress() bool {
	return m.Type == "progress" && m.RequestID != nil
}

// CorrelationID returns the request id the message belongs to.
func (m Message) CorrelationID() (int64, bool) {
	if m.IsProgress() {
		return *m.RequestID, true
	}
	if m.ID != nil {
		return *m.ID, true
	}
	return 0, false
}

// ProgressFunc receives streamed progress payloads for a pending request.
type ProgressFunc func(data json.RawMessage)
