// Package v1 defines the shared API types exchanged between the paseo
// daemon and its clients.
package v1

import (
	"encoding/json"
	"time"
)

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusCreating   AgentStatus = "creating"
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusRunning    AgentStatus = "running" // A turn is live
	AgentStatusCancelling AgentStatus = "cancelling"
	AgentStatusError      AgentStatus = "error"
)

// ProviderID identifies an agent backend.
type ProviderID string

const (
	ProviderClaude   ProviderID = "claude"
	ProviderCodex    ProviderID = "codex"
	ProviderOpenCode ProviderID = "opencode"
	ProviderMock     ProviderID = "mock"
)

// Mode is a named permission posture declared by the provider.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capabilities describes what the provider supports.
type Capabilities struct {
	Resume   bool `json:"resume"`
	Images   bool `json:"images"`
	Commands bool `json:"commands"`
}

// Command is a slash command surfaced by a provider.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Usage is the token accounting reported at turn end.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// AgentSnapshot is the immutable view of one agent.
type AgentSnapshot struct {
	ID             string          `json:"id"`
	Provider       ProviderID      `json:"provider"`
	Cwd            string          `json:"cwd"`
	Status         AgentStatus     `json:"status"`
	Title          string          `json:"title,omitempty"`
	CurrentModeID  string          `json:"current_mode_id,omitempty"`
	AvailableModes []Mode          `json:"available_modes,omitempty"`
	Capabilities   Capabilities    `json:"capabilities"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	LastError      string          `json:"last_error,omitempty"`
	Persistence    json.RawMessage `json:"persistence,omitempty"` // opaque provider handle
	LastUsage      *Usage          `json:"last_usage,omitempty"`
}

// TimelineEntryType discriminates timeline entries.
type TimelineEntryType string

const (
	EntryUserMessage        TimelineEntryType = "user_message"
	EntryAssistantMessage   TimelineEntryType = "assistant_message"
	EntryAssistantReasoning TimelineEntryType = "assistant_reasoning"
	EntryToolCall           TimelineEntryType = "tool_call"
	EntryPermissionRequest  TimelineEntryType = "permission_request"
	EntryPermissionResolved TimelineEntryType = "permission_resolved"
	EntryTurnStarted        TimelineEntryType = "turn_started"
	EntryTurnCompleted      TimelineEntryType = "turn_completed"
	EntryError              TimelineEntryType = "error"
)

// ToolCallStatus tracks a tool invocation through its lifetime.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCallData carries the tool_call entry payload. Status is the only
// field updated in place, keyed by CallID.
type ToolCallData struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Status ToolCallStatus  `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// PermissionKind classifies what a permission request gates.
type PermissionKind string

const (
	PermissionKindTool    PermissionKind = "tool"
	PermissionKindWrite   PermissionKind = "write"
	PermissionKindCommand PermissionKind = "command"
)

// PermissionBehavior is the client's decision on a permission request.
type PermissionBehavior string

const (
	PermissionAllow     PermissionBehavior = "allow"
	PermissionDeny      PermissionBehavior = "deny"
	PermissionCancelled PermissionBehavior = "cancelled"
)

// PermissionRequest gates the current turn until a client decides.
type PermissionRequest struct {
	ID        string          `json:"id"`
	Kind      PermissionKind  `json:"kind"`
	Title     string          `json:"title"`
	Input     json.RawMessage `json:"input,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PermissionDecision is the body of an agent_permission_response.
type PermissionDecision struct {
	Behavior PermissionBehavior `json:"behavior"`
	Message  string             `json:"message,omitempty"` // deny feedback
}

// TimelineEntry is one element of an agent's append-only timeline.
// Exactly the fields for its Type are populated.
type TimelineEntry struct {
	Seq       int64             `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Type      TimelineEntryType `json:"type"`

	// user_message, assistant_message, assistant_reasoning, error
	Text string `json:"text,omitempty"`

	// tool_call
	ToolCall *ToolCallData `json:"tool_call,omitempty"`

	// permission_request / permission_resolved
	PermissionID string             `json:"permission_id,omitempty"`
	Permission   *PermissionRequest `json:"permission,omitempty"`
	Behavior     PermissionBehavior `json:"behavior,omitempty"`

	// turn_started / turn_completed
	TurnID string `json:"turn_id,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`

	// RequestID correlates turn boundary entries with the originating
	// client request.
	RequestID string `json:"request_id,omitempty"`
}

// TimelineDirection selects paging order for timeline reads.
type TimelineDirection string

const (
	TimelineForward  TimelineDirection = "forward"
	TimelineBackward TimelineDirection = "backward"
)

// AgentConfig is the client-supplied configuration for create_agent_request.
type AgentConfig struct {
	Provider ProviderID `json:"provider"`
	Cwd      string     `json:"cwd"`
	Title    string     `json:"title,omitempty"`
	ModeID   string     `json:"mode_id,omitempty"`
}

// GitOptions requests git worktree isolation at agent creation.
type GitOptions struct {
	CreateWorktree bool   `json:"create_worktree"`
	BaseBranch     string `json:"base_branch,omitempty"`
	SetupScript    string `json:"setup_script,omitempty"`
}

// ResumeHandle identifies a persisted agent for resume_agent_request.
type ResumeHandle struct {
	AgentID     string          `json:"agent_id"`
	Persistence json.RawMessage `json:"persistence,omitempty"`
}

// AgentOverrides optionally adjusts a resumed agent.
type AgentOverrides struct {
	Cwd    string `json:"cwd,omitempty"`
	Title  string `json:"title,omitempty"`
	ModeID string `json:"mode_id,omitempty"`
}
