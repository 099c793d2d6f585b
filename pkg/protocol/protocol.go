// Package protocol defines the wire-level constants shared between the
// agent runner, the auth gateway, and the channel adapters: the coding
// agent's streaming event tags, the PreToolUse hook contract, and the
// version stamped into history entries.
package protocol

// ProtocolVersion identifies the shape of the persisted Task/Session
// records. Bump it when HistoryEntry or SessionRecord gain fields that
// older records won't have.
const ProtocolVersion = 1

// Agent subprocess event types, as emitted on stdout by the coding-agent
// CLI's line-delimited JSON stream (see internal/runner).
const (
	AgentEventSystem    = "system"
	AgentEventAssistant = "assistant"
	AgentEventUser      = "user"
	AgentEventResult    = "result"
)

// System event subtypes.
const (
	SystemSubtypePermissionRequest = "permission_request"
)

// Content block types inside assistant/user messages.
const (
	BlockToolUse    = "tool_use"
	BlockThinking   = "thinking"
	BlockText       = "text"
	BlockToolResult = "tool_result"
)

// Work-log event types surfaced to channel adapters as progress
// notifications, derived from the agent's raw event stream.
const (
	WorkLogToolStart       = "tool_start"
	WorkLogToolEnd         = "tool_end"
	WorkLogError           = "error"
	WorkLogThinking        = "thinking"
	WorkLogApprovalPending = "approval_pending"
)

// Tools that can require human approval via the auth gateway. All other
// tool names are auto-allowed.
var ApprovalGatedTools = map[string]bool{
	"Bash":         true,
	"Write":        true,
	"Edit":         true,
	"Task":         true,
	"NotebookEdit": true,
}

// Permission decisions returned by the auth gateway's /approve endpoint.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Task processing states, exposed verbatim over the HTTP channel's
// /api/v1/tasks/{id} polling endpoint.
const (
	HTTPStatusQueued           = "queued"
	HTTPStatusProcessing       = "processing"
	HTTPStatusAwaitingApproval = "awaiting_approval"
	HTTPStatusAwaitingAnswer   = "awaiting_answer"
	HTTPStatusCompleted        = "completed"
	HTTPStatusFailed           = "failed"
)

// DefaultAskOptions is substituted when /ask is called with no options.
var DefaultAskOptions = []string{"はい", "いいえ", "わからない"}
