package protocol

import (
	"encoding/json"
	"time"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// StatusValue is the terminal outcome of a correlated request.
type StatusValue string

const (
	StatusOK    StatusValue = "ok"
	StatusError StatusValue = "error"
)

// AgentUpdateKind discriminates agent_update messages.
type AgentUpdateKind string

const (
	UpdateUpsert AgentUpdateKind = "upsert"
	UpdateDelete AgentUpdateKind = "delete"
)

// StreamEventType categorizes agent_stream events.
type StreamEventType string

const (
	StreamTimeline           StreamEventType = "timeline"
	StreamTurnStarted        StreamEventType = "turn_started"
	StreamTurnCompleted      StreamEventType = "turn_completed"
	StreamPermissionResolved StreamEventType = "permission_resolved"
	StreamError              StreamEventType = "error"
)

// StreamEvent carries one timeline entry over agent_stream. Type mirrors
// the entry's variant so clients can route without inspecting the entry.
type StreamEvent struct {
	Type  StreamEventType  `json:"type"`
	Entry v1.TimelineEntry `json:"entry"`
}

// StreamEventFor maps a timeline entry to its stream event category.
func StreamEventFor(entry v1.TimelineEntry) StreamEvent {
	var typ StreamEventType
	switch entry.Type {
	case v1.EntryTurnStarted:
		typ = StreamTurnStarted
	case v1.EntryTurnCompleted:
		typ = StreamTurnCompleted
	case v1.EntryPermissionResolved:
		typ = StreamPermissionResolved
	case v1.EntryError:
		typ = StreamError
	default:
		typ = StreamTimeline
	}
	return StreamEvent{Type: typ, Entry: entry}
}

type SessionState struct {
	Type     string             `json:"type"`
	Agents   []v1.AgentSnapshot `json:"agents"`
	Commands []v1.Command       `json:"commands"`
}

type AgentUpdate struct {
	Type  string             `json:"type"`
	Kind  AgentUpdateKind    `json:"kind"`
	Agent *v1.AgentSnapshot  `json:"agent,omitempty"`
	ID    string             `json:"agentId,omitempty"` // set on delete
}

type AgentDeleted struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type AgentStream struct {
	Type      string      `json:"type"`
	AgentID   string      `json:"agentId"`
	Event     StreamEvent `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

type AgentStreamSnapshot struct {
	Type    string             `json:"type"`
	AgentID string             `json:"agentId"`
	Events  []v1.TimelineEntry `json:"events"`
}

type AgentPermissionRequest struct {
	Type    string               `json:"type"`
	AgentID string               `json:"agentId"`
	Request v1.PermissionRequest `json:"request"`
}

type AgentPermissionResolved struct {
	Type      string                `json:"type"`
	AgentID   string                `json:"agentId"`
	RequestID string                `json:"requestId"`
	Behavior  v1.PermissionBehavior `json:"behavior,omitempty"`
}

type Status struct {
	Type      string      `json:"type"`
	Status    StatusValue `json:"status"`
	RequestID string      `json:"requestId,omitempty"`
	AgentID   string      `json:"agentId,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RepoInfo summarizes the git repository containing a directory.
type RepoInfo struct {
	Root          string `json:"root"`
	Branch        string `json:"branch"`
	RemoteURL     string `json:"remoteUrl,omitempty"`
	Dirty         bool   `json:"dirty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

type GitRepoInfoResponse struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	Repo      *RepoInfo `json:"repo,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type GitDiffResponse struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId,omitempty"`
	Diff      string `json:"diff"`
	Error     string `json:"error,omitempty"`
}

// FileEntry is one element of a directory listing.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type FileExplorerResponse struct {
	Type      string           `json:"type"`
	AgentID   string           `json:"agentId"`
	Path      string           `json:"path"`
	Mode      FileExplorerMode `json:"mode"`
	Entries   []FileEntry      `json:"entries,omitempty"`
	Content   string           `json:"content,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type FetchAgentTimelineResponse struct {
	Type      string             `json:"type"`
	AgentID   string             `json:"agentId"`
	RequestID string             `json:"requestId"`
	Events    []v1.TimelineEntry `json:"events"`
	Cursor    int64              `json:"cursor,omitempty"` // seq to continue from
	HasMore   bool               `json:"hasMore"`
}

func NewSessionState(agents []v1.AgentSnapshot, commands []v1.Command) *SessionState {
	if agents == nil {
		agents = []v1.AgentSnapshot{}
	}
	if commands == nil {
		commands = []v1.Command{}
	}
	return &SessionState{Type: TypeSessionState, Agents: agents, Commands: commands}
}

func NewAgentUpsert(agent *v1.AgentSnapshot) *AgentUpdate {
	return &AgentUpdate{Type: TypeAgentUpdate, Kind: UpdateUpsert, Agent: agent}
}

func NewAgentDelete(agentID string) *AgentUpdate {
	return &AgentUpdate{Type: TypeAgentUpdate, Kind: UpdateDelete, ID: agentID}
}

func NewAgentDeleted(agentID string) *AgentDeleted {
	return &AgentDeleted{Type: TypeAgentDeleted, AgentID: agentID}
}

func NewAgentStream(agentID string, entry v1.TimelineEntry) *AgentStream {
	return &AgentStream{
		Type:      TypeAgentStream,
		AgentID:   agentID,
		Event:     StreamEventFor(entry),
		Timestamp: entry.Timestamp,
	}
}

func NewAgentStreamSnapshot(agentID string, events []v1.TimelineEntry) *AgentStreamSnapshot {
	if events == nil {
		events = []v1.TimelineEntry{}
	}
	return &AgentStreamSnapshot{Type: TypeAgentStreamSnapshot, AgentID: agentID, Events: events}
}

func NewAgentPermissionRequest(agentID string, req v1.PermissionRequest) *AgentPermissionRequest {
	return &AgentPermissionRequest{Type: TypePermissionRequest, AgentID: agentID, Request: req}
}

func NewAgentPermissionResolved(agentID, requestID string, behavior v1.PermissionBehavior) *AgentPermissionResolved {
	return &AgentPermissionResolved{
		Type:      TypePermissionResolved,
		AgentID:   agentID,
		RequestID: requestID,
		Behavior:  behavior,
	}
}

func NewStatusOK(requestID, agentID string) *Status {
	return &Status{Type: TypeStatus, Status: StatusOK, RequestID: requestID, AgentID: agentID}
}

func NewStatusError(requestID, agentID, errText string) *Status {
	return &Status{Type: TypeStatus, Status: StatusError, RequestID: requestID, AgentID: agentID, Error: errText}
}

// EncodeOutbound serializes an outbound message to a text frame.
func EncodeOutbound(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
