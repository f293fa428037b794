// Package protocol defines the JSON wire messages exchanged between the
// daemon and its clients. Inbound frames arrive wrapped in a session
// envelope; outbound frames carry the message directly.
package protocol

import (
	"encoding/json"
	"fmt"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// EnvelopeType is the only recognized value for the outer frame type.
const EnvelopeType = "session"

// Envelope wraps every inbound frame: {"type":"session","message":{...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// Inbound message types.
const (
	TypeSubscribeAgents    = "subscribe_agents_request"
	TypeUnsubscribeAgents  = "unsubscribe_agents_request"
	TypeCreateAgent        = "create_agent_request"
	TypeResumeAgent        = "resume_agent_request"
	TypeInitializeAgent    = "initialize_agent_request"
	TypeRefreshAgent       = "refresh_agent_request"
	TypeSendAgentMessage   = "send_agent_message"
	TypeCancelAgent        = "cancel_agent_request"
	TypeDeleteAgent        = "delete_agent_request"
	TypeSetAgentMode       = "set_agent_mode"
	TypePermissionResponse = "agent_permission_response"
	TypeGitRepoInfo        = "git_repo_info_request"
	TypeGitDiff            = "git_diff_request"
	TypeFileExplorer       = "file_explorer_request"
	TypeFetchTimeline      = "fetch_agent_timeline_request"
)

// Outbound message types.
const (
	TypeSessionState         = "session_state"
	TypeAgentUpdate          = "agent_update"
	TypeAgentDeleted         = "agent_deleted"
	TypeAgentStream          = "agent_stream"
	TypeAgentStreamSnapshot  = "agent_stream_snapshot"
	TypePermissionRequest    = "agent_permission_request"
	TypePermissionResolved   = "agent_permission_resolved"
	TypeStatus               = "status"
	TypeGitRepoInfoResponse  = "git_repo_info_response"
	TypeGitDiffResponse      = "git_diff_response"
	TypeFileExplorerResponse = "file_explorer_response"
	TypeFetchTimelineResp    = "fetch_agent_timeline_response"
)

// Inbound is implemented by every message a client may send.
type Inbound interface {
	InboundType() string
}

// Image is an inline attachment on send_agent_message.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type SubscribeAgentsRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	AgentID        string `json:"agentId,omitempty"` // narrow to one agent
}

type UnsubscribeAgentsRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type CreateAgentRequest struct {
	Config    v1.AgentConfig `json:"config"`
	Git       *v1.GitOptions `json:"git,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

type ResumeAgentRequest struct {
	Handle    v1.ResumeHandle    `json:"handle"`
	Overrides *v1.AgentOverrides `json:"overrides,omitempty"`
	RequestID string             `json:"requestId,omitempty"`
}

type InitializeAgentRequest struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId,omitempty"`
}

type RefreshAgentRequest struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId,omitempty"`
}

type SendAgentMessage struct {
	AgentID   string  `json:"agentId"`
	Text      string  `json:"text"`
	MessageID string  `json:"messageId"`
	Images    []Image `json:"images,omitempty"`
	// Replace drops the queued predecessor and makes this input the
	// next turn ("send now").
	Replace bool `json:"replace,omitempty"`
}

type CancelAgentRequest struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId,omitempty"`
}

type DeleteAgentRequest struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId,omitempty"`
}

type SetAgentMode struct {
	AgentID   string `json:"agentId"`
	ModeID    string `json:"modeId"`
	RequestID string `json:"requestId,omitempty"`
}

type AgentPermissionResponse struct {
	AgentID   string                `json:"agentId"`
	RequestID string                `json:"requestId"` // the permission id
	Response  v1.PermissionDecision `json:"response"`
}

type GitRepoInfoRequest struct {
	Cwd       string `json:"cwd"`
	RequestID string `json:"requestId"`
}

type GitDiffRequest struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId,omitempty"`
}

// FileExplorerMode selects between directory listing and file read.
type FileExplorerMode string

const (
	ExplorerList FileExplorerMode = "list"
	ExplorerFile FileExplorerMode = "file"
)

type FileExplorerRequest struct {
	AgentID   string           `json:"agentId"`
	Path      string           `json:"path"`
	Mode      FileExplorerMode `json:"mode"`
	RequestID string           `json:"requestId,omitempty"`
}

type FetchAgentTimelineRequest struct {
	AgentID   string               `json:"agentId"`
	Direction v1.TimelineDirection `json:"direction"`
	Limit     int                  `json:"limit"`
	Cursor    int64                `json:"cursor,omitempty"` // seq; 0 = from the edge
	RequestID string               `json:"requestId"`
}

func (SubscribeAgentsRequest) InboundType() string    { return TypeSubscribeAgents }
func (UnsubscribeAgentsRequest) InboundType() string  { return TypeUnsubscribeAgents }
func (CreateAgentRequest) InboundType() string        { return TypeCreateAgent }
func (ResumeAgentRequest) InboundType() string        { return TypeResumeAgent }
func (InitializeAgentRequest) InboundType() string    { return TypeInitializeAgent }
func (RefreshAgentRequest) InboundType() string       { return TypeRefreshAgent }
func (SendAgentMessage) InboundType() string          { return TypeSendAgentMessage }
func (CancelAgentRequest) InboundType() string        { return TypeCancelAgent }
func (DeleteAgentRequest) InboundType() string        { return TypeDeleteAgent }
func (SetAgentMode) InboundType() string              { return TypeSetAgentMode }
func (AgentPermissionResponse) InboundType() string   { return TypePermissionResponse }
func (GitRepoInfoRequest) InboundType() string        { return TypeGitRepoInfo }
func (GitDiffRequest) InboundType() string            { return TypeGitDiff }
func (FileExplorerRequest) InboundType() string       { return TypeFileExplorer }
func (FetchAgentTimelineRequest) InboundType() string { return TypeFetchTimeline }

// DecodeInbound parses a raw text frame into its concrete inbound message.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type != EnvelopeType {
		return nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Message, &head); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	var msg Inbound
	switch head.Type {
	case TypeSubscribeAgents:
		msg = &SubscribeAgentsRequest{}
	case TypeUnsubscribeAgents:
		msg = &UnsubscribeAgentsRequest{}
	case TypeCreateAgent:
		msg = &CreateAgentRequest{}
	case TypeResumeAgent:
		msg = &ResumeAgentRequest{}
	case TypeInitializeAgent:
		msg = &InitializeAgentRequest{}
	case TypeRefreshAgent:
		msg = &RefreshAgentRequest{}
	case TypeSendAgentMessage:
		msg = &SendAgentMessage{}
	case TypeCancelAgent:
		msg = &CancelAgentRequest{}
	case TypeDeleteAgent:
		msg = &DeleteAgentRequest{}
	case TypeSetAgentMode:
		msg = &SetAgentMode{}
	case TypePermissionResponse:
		msg = &AgentPermissionResponse{}
	case TypeGitRepoInfo:
		msg = &GitRepoInfoRequest{}
	case TypeGitDiff:
		msg = &GitDiffRequest{}
	case TypeFileExplorer:
		msg = &FileExplorerRequest{}
	case TypeFetchTimeline:
		msg = &FetchAgentTimelineRequest{}
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}
	if err := json.Unmarshal(env.Message, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}

// EncodeInbound wraps an inbound message in the session envelope. Used by
// clients and by tests.
func EncodeInbound(msg Inbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// Inject the discriminator without requiring a Type field on every
	// struct.
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["type"] = msg.InboundType()
	body, err = json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: EnvelopeType, Message: body})
}
