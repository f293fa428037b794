// Package provider defines the uniform contract the daemon consumes from
// every agent backend, and a registry of backend factories.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// ErrUnknownProvider is returned when no factory is registered for an id.
var ErrUnknownProvider = errors.New("unknown provider")

// HandshakeResult is what a backend reports once its session is live.
type HandshakeResult struct {
	Capabilities  v1.Capabilities
	Modes         []v1.Mode
	CurrentModeID string
	Commands      []v1.Command
	Persistence   json.RawMessage
}

// ImageInput is an inline attachment forwarded with a turn.
type ImageInput struct {
	MimeType string
	Data     []byte
}

// TurnInput is one dequeued user input.
type TurnInput struct {
	MessageID string
	Text      string
	Images    []ImageInput
}

// TurnEventType discriminates events on a turn's stream.
type TurnEventType string

const (
	EventAssistantChunk     TurnEventType = "assistant_chunk"
	EventAssistantMessage   TurnEventType = "assistant_message"
	EventAssistantReasoning TurnEventType = "assistant_reasoning"
	EventToolCall           TurnEventType = "tool_call"
	EventToolResult         TurnEventType = "tool_result"
	EventPermissionProbe    TurnEventType = "permission_probe"
	EventUsage              TurnEventType = "usage"
	EventTurnEnd            TurnEventType = "turn_end"
	EventError              TurnEventType = "error"
)

// PermissionProbe is the backend asking whether it may proceed. The core
// decides, by the agent's current mode, whether to gate it on the user.
type PermissionProbe struct {
	ID       string
	Kind     v1.PermissionKind
	Title    string
	Input    json.RawMessage
	Metadata json.RawMessage
}

// TurnEvent is one element of a turn's event stream. Exactly the fields
// for its Type are populated.
type TurnEvent struct {
	Type     TurnEventType
	Text     string
	ToolCall *v1.ToolCallData
	Probe    *PermissionProbe
	Usage    *v1.Usage
	Err      error
}

// AgentClient is the capability set every backend implements. A client is
// bound to one agent session; it is not safe for concurrent SubmitTurn
// calls, which the owning agent serializes anyway.
type AgentClient interface {
	// Handshake starts or resumes the backend session. resume is the
	// opaque persistence blob from a previous session, nil for a fresh
	// one.
	Handshake(ctx context.Context, cwd string, resume json.RawMessage, modeID string) (*HandshakeResult, error)

	// SubmitTurn forwards one user input and returns the event stream
	// for the resulting turn. The channel is closed after turn_end or
	// error.
	SubmitTurn(ctx context.Context, input TurnInput) (<-chan TurnEvent, error)

	// RespondPermission resolves a pending probe.
	RespondPermission(ctx context.Context, probeID string, decision v1.PermissionDecision) error

	// Cancel asks the backend to abort the live turn at the next safe
	// point.
	Cancel(ctx context.Context) error

	// Shutdown terminates the backend session and releases resources.
	Shutdown(ctx context.Context) error

	// ExportPersistence returns the opaque resume handle for the
	// session's current state.
	ExportPersistence(ctx context.Context) (json.RawMessage, error)
}

// Factory builds a fresh, not-yet-handshaken client.
type Factory func() AgentClient

// Registry maps provider ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[v1.ProviderID]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[v1.ProviderID]Factory)}
}

func (r *Registry) Register(id v1.ProviderID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

func (r *Registry) New(id v1.ProviderID) (AgentClient, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return f(), nil
}

// IDs lists the registered provider ids.
func (r *Registry) IDs() []v1.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]v1.ProviderID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	return ids
}
