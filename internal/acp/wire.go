// Package acp implements the client side of the Agent Client Protocol:
// JSON-RPC 2.0 framed as newline-delimited JSON over a child process's
// stdin/stdout. The bridge is the ACP client; the CLI coding agent is the
// server. Spec: https://agentclientprotocol.com
package acp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the ACP protocol version the bridge speaks.
const ProtocolVersion = 1

// Method names invoked on the agent.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Method names the agent invokes on the bridge.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// Stop reasons returned by session/prompt.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
)

// Session update kinds the bridge consumes.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
)

// Request is a JSON-RPC 2.0 request or notification (no ID).
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("acp error %d: %s", e.Code, e.Message)
}

// frame is the union of everything a single NDJSON line may carry.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ClientCapabilities declares what the bridge exposes to the agent.
// The bridge exposes nothing: no fs, no terminal.
type ClientCapabilities struct {
	FS       *FSCapabilities `json:"fs,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`
}

// FSCapabilities describes file system capabilities.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeParams are the parameters for initialize.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// AgentInfo describes the agent implementation.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the response from initialize.
type InitializeResult struct {
	ProtocolVersion int             `json:"protocolVersion"`
	AgentInfo       AgentInfo       `json:"agentInfo"`
	Capabilities    json.RawMessage `json:"agentCapabilities,omitempty"`
}

// EnvVar is a name/value pair used in MCP server definitions.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MCPServer describes an MCP server passed verbatim to the agent at session
// creation. Command-form servers set Command/Args/Env; url-form servers set
// Type (http or sse), URL and Headers.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []EnvVar `json:"env,omitempty"`
	Type    string   `json:"type,omitempty"`
	URL     string   `json:"url,omitempty"`
	Headers []EnvVar `json:"headers,omitempty"`
}

// NewSessionParams are the parameters for session/new.
type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResult is the response from session/new.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is a single content item in a prompt or update.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptParams are the parameters for session/prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the response from session/prompt.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams are the parameters for session/cancel.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdateParams is the payload of a session/update notification.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one streamed update. Only agent_message_chunk carries
// content the bridge consumes; every other kind counts as liveness.
type SessionUpdate struct {
	SessionUpdate string        `json:"sessionUpdate"`
	Content       *ContentBlock `json:"content,omitempty"`
	ToolCallID    string        `json:"toolCallId,omitempty"`
	Title         string        `json:"title,omitempty"`
	Status        string        `json:"status,omitempty"`
}

// PermissionOption is one choice offered by a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// RequestPermissionParams is the payload of session/request_permission.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the inner outcome object of a permission response.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // selected or cancelled
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult is the response to session/request_permission.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}
