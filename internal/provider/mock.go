package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// Mock input directives. Anything else is acknowledged verbatim.
const (
	mockToolPrefix = "!tool " // request a gated tool invocation
	mockWaitWord   = "!wait"  // run until cancelled
	mockFailWord   = "!fail"  // fail the turn
	mockRecallWord = "recall" // answer with the prior user inputs
)

// MockModes is the posture set the mock declares.
var MockModes = []v1.Mode{
	{ID: "read-only", Name: "Read Only", Description: "All tool use is gated"},
	{ID: "auto", Name: "Auto", Description: "Writes and commands are gated"},
	{ID: "full-access", Name: "Full Access", Description: "Nothing is gated"},
}

// MockClient is a deterministic in-process backend. It keeps its
// transcript as the persistence blob so resume round-trips work, and it
// reacts to a handful of input directives so tests can exercise tools,
// permissions, cancellation, and failures.
type MockClient struct {
	mu         sync.Mutex
	transcript []string
	modeID     string
	pending    map[string]chan v1.PermissionDecision
	cancelCh   chan struct{}
	turnLive   bool
	shutdown   bool

	// StepDelay inserts a pause before each emitted event. Tests use it
	// to hold a turn in the running state.
	StepDelay time.Duration
}

type mockPersistence struct {
	Transcript []string `json:"transcript"`
	ModeID     string   `json:"mode_id,omitempty"`
}

func NewMockClient() *MockClient {
	return &MockClient{pending: make(map[string]chan v1.PermissionDecision)}
}

// NewMockFactory adapts NewMockClient to the registry Factory shape.
func NewMockFactory() Factory {
	return func() AgentClient { return NewMockClient() }
}

func (m *MockClient) Handshake(ctx context.Context, cwd string, resume json.RawMessage, modeID string) (*HandshakeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A handshake starts or resumes the session, including after a
	// forced shutdown.
	m.shutdown = false
	m.turnLive = false
	m.cancelCh = nil

	if len(resume) > 0 {
		var p mockPersistence
		if err := json.Unmarshal(resume, &p); err != nil {
			return nil, fmt.Errorf("invalid resume handle: %w", err)
		}
		m.transcript = p.Transcript
		if modeID == "" {
			modeID = p.ModeID
		}
	}
	if modeID == "" {
		modeID = "auto"
	}
	if !mockModeKnown(modeID) {
		return nil, fmt.Errorf("unsupported mode %q", modeID)
	}
	m.modeID = modeID

	blob, _ := json.Marshal(mockPersistence{Transcript: m.transcript, ModeID: m.modeID})
	return &HandshakeResult{
		Capabilities:  v1.Capabilities{Resume: true, Images: false, Commands: true},
		Modes:         MockModes,
		CurrentModeID: m.modeID,
		Commands:      []v1.Command{{Name: "/reset", Description: "Clear the transcript"}},
		Persistence:   blob,
	}, nil
}

func (m *MockClient) SubmitTurn(ctx context.Context, input TurnInput) (<-chan TurnEvent, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock: session is shut down")
	}
	if m.turnLive {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock: turn already live")
	}
	m.turnLive = true
	m.cancelCh = make(chan struct{})
	cancelCh := m.cancelCh
	m.transcript = append(m.transcript, input.Text)
	prior := append([]string(nil), m.transcript[:len(m.transcript)-1]...)
	m.mu.Unlock()

	out := make(chan TurnEvent, 16)
	go m.runTurn(ctx, input, prior, cancelCh, out)
	return out, nil
}

func (m *MockClient) runTurn(ctx context.Context, input TurnInput, prior []string, cancelCh chan struct{}, out chan<- TurnEvent) {
	defer func() {
		m.mu.Lock()
		m.turnLive = false
		m.mu.Unlock()
		close(out)
	}()

	emit := func(ev TurnEvent) bool {
		if m.StepDelay > 0 {
			select {
			case <-time.After(m.StepDelay):
			case <-cancelCh:
				return false
			case <-ctx.Done():
				return false
			}
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	text := strings.TrimSpace(input.Text)
	switch {
	case text == mockWaitWord:
		select {
		case <-cancelCh:
		case <-ctx.Done():
		}
		emit(TurnEvent{Type: EventTurnEnd})
		return

	case text == mockFailWord:
		emit(TurnEvent{Type: EventError, Err: fmt.Errorf("mock: induced failure")})
		return

	case strings.HasPrefix(text, mockToolPrefix):
		name := strings.TrimSpace(strings.TrimPrefix(text, mockToolPrefix))
		if !m.runTool(ctx, name, cancelCh, emit) {
			return
		}

	case strings.Contains(strings.ToLower(text), mockRecallWord):
		answer := "I remember: " + strings.Join(prior, " | ")
		if !emit(TurnEvent{Type: EventAssistantChunk, Text: answer}) {
			return
		}
		if !emit(TurnEvent{Type: EventAssistantMessage, Text: answer}) {
			return
		}

	default:
		answer := "ack: " + text
		if !emit(TurnEvent{Type: EventAssistantChunk, Text: answer}) {
			return
		}
		if !emit(TurnEvent{Type: EventAssistantMessage, Text: answer}) {
			return
		}
	}

	emit(TurnEvent{Type: EventUsage, Usage: &v1.Usage{
		InputTokens:  int64(len(input.Text)),
		OutputTokens: 8,
		TotalTokens:  int64(len(input.Text)) + 8,
	}})
	emit(TurnEvent{Type: EventTurnEnd})
}

// runTool emits a gated tool invocation: probe, wait for the decision,
// then the tool_call lifecycle. Returns false if the turn should stop.
func (m *MockClient) runTool(ctx context.Context, name string, cancelCh chan struct{}, emit func(TurnEvent) bool) bool {
	probeID := uuid.NewString()
	decisionCh := make(chan v1.PermissionDecision, 1)

	m.mu.Lock()
	m.pending[probeID] = decisionCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, probeID)
		m.mu.Unlock()
	}()

	input, _ := json.Marshal(map[string]string{"tool": name})
	if !emit(TurnEvent{Type: EventPermissionProbe, Probe: &PermissionProbe{
		ID:    probeID,
		Kind:  v1.PermissionKindWrite,
		Title: "Run tool " + name,
		Input: input,
	}}) {
		return false
	}

	var decision v1.PermissionDecision
	select {
	case decision = <-decisionCh:
	case <-cancelCh:
		emit(TurnEvent{Type: EventTurnEnd})
		return false
	case <-ctx.Done():
		return false
	}

	callID := uuid.NewString()
	switch decision.Behavior {
	case v1.PermissionAllow:
		if !emit(TurnEvent{Type: EventToolCall, ToolCall: &v1.ToolCallData{
			CallID: callID, Name: name, Status: v1.ToolCallRunning, Input: input,
		}}) {
			return false
		}
		output, _ := json.Marshal(map[string]string{"result": "ok"})
		if !emit(TurnEvent{Type: EventToolResult, ToolCall: &v1.ToolCallData{
			CallID: callID, Name: name, Status: v1.ToolCallCompleted, Output: output,
		}}) {
			return false
		}
		return emit(TurnEvent{Type: EventAssistantMessage, Text: "tool " + name + " ok"})

	case v1.PermissionDeny:
		return emit(TurnEvent{Type: EventAssistantMessage, Text: "tool " + name + " denied"})

	default: // cancelled
		emit(TurnEvent{Type: EventTurnEnd})
		return false
	}
}

func (m *MockClient) RespondPermission(ctx context.Context, probeID string, decision v1.PermissionDecision) error {
	m.mu.Lock()
	ch, ok := m.pending[probeID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mock: no pending probe %s", probeID)
	}
	select {
	case ch <- decision:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockClient) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelCh != nil && m.turnLive {
		select {
		case <-m.cancelCh:
		default:
			close(m.cancelCh)
		}
	}
	return nil
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	_ = m.Cancel(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}

func (m *MockClient) ExportPersistence(ctx context.Context) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(mockPersistence{Transcript: m.transcript, ModeID: m.modeID})
}

// SetMode records the posture; gating decisions live in the core.
func (m *MockClient) SetMode(modeID string) error {
	if !mockModeKnown(modeID) {
		return fmt.Errorf("unsupported mode %q", modeID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeID = modeID
	return nil
}

func mockModeKnown(id string) bool {
	for _, m := range MockModes {
		if m.ID == id {
			return true
		}
	}
	return false
}
