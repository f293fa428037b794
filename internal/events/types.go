// Package events provides event subjects and payloads for the paseo
// event system.
package events

import v1 "github.com/paseodev/paseo/pkg/api/v1"

// Subjects for agent lifecycle events published by the manager.
const (
	AgentUpserted = "agent.upserted"
	AgentDeleted  = "agent.deleted"
)

// Subjects for per-agent stream events published by agent instances.
// The agent id is appended as the last token; hubs subscribe to the
// wildcard forms below.
const (
	AgentStreamPrefix     = "agent.stream."
	AgentPermissionPrefix = "agent.permission."
)

// Wildcard patterns for hub subscriptions.
const (
	AnyAgentStream     = "agent.stream.>"
	AnyAgentPermission = "agent.permission.>"
)

// AgentStreamSubject returns the stream subject for one agent.
func AgentStreamSubject(agentID string) string {
	return AgentStreamPrefix + agentID
}

// AgentPermissionSubject returns the permission subject for one agent.
func AgentPermissionSubject(agentID string) string {
	return AgentPermissionPrefix + agentID
}

// Event types carried on the subjects above.
const (
	StreamEntryEvent    = "timeline_entry"
	PermissionRequested = "permission_requested"
	PermissionResolved  = "permission_resolved"
)

// StreamPayload is the body of a timeline_entry event.
type StreamPayload struct {
	AgentID string           `json:"agent_id"`
	Entry   v1.TimelineEntry `json:"entry"`
}

// PermissionRequestedPayload announces a new pending permission.
type PermissionRequestedPayload struct {
	AgentID string               `json:"agent_id"`
	Request v1.PermissionRequest `json:"request"`
}

// PermissionResolvedPayload announces a permission decision.
type PermissionResolvedPayload struct {
	AgentID   string                `json:"agent_id"`
	RequestID string                `json:"request_id"`
	Behavior  v1.PermissionBehavior `json:"behavior"`
}

// LifecyclePayload is the body of agent.upserted and agent.deleted.
type LifecyclePayload struct {
	Agent   *v1.AgentSnapshot `json:"agent,omitempty"`
	AgentID string            `json:"agent_id"`
}
