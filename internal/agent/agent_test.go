package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseodev/paseo/internal/common/logger"
	"github.com/paseodev/paseo/internal/events"
	"github.com/paseodev/paseo/internal/events/bus"
	"github.com/paseodev/paseo/internal/provider"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// streamRecorder captures everything an agent publishes on the bus.
type streamRecorder struct {
	mu      sync.Mutex
	entries []v1.TimelineEntry
	perms   []bus.Event
}

func recordStreams(t *testing.T, b bus.EventBus, agentID string) *streamRecorder {
	t.Helper()
	r := &streamRecorder{}
	_, err := b.Subscribe(events.AgentStreamSubject(agentID), func(ctx context.Context, ev *bus.Event) error {
		var p events.StreamPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		r.mu.Lock()
		r.entries = append(r.entries, p.Entry)
		r.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(events.AgentPermissionSubject(agentID), func(ctx context.Context, ev *bus.Event) error {
		r.mu.Lock()
		r.perms = append(r.perms, *ev)
		r.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return r
}

func (r *streamRecorder) snapshot() []v1.TimelineEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]v1.TimelineEntry(nil), r.entries...)
}

func (r *streamRecorder) entryTypes() []v1.TimelineEntryType {
	var out []v1.TimelineEntryType
	for _, e := range r.snapshot() {
		out = append(out, e.Type)
	}
	return out
}

func newTestAgent(t *testing.T, b bus.EventBus, opts Options) *Agent {
	t.Helper()
	if opts.Client == nil {
		opts.Client = provider.NewMockClient()
	}
	opts.Provider = v1.ProviderMock
	if opts.Cwd == "" {
		opts.Cwd = t.TempDir()
	}
	opts.Bus = b
	opts.Log = testLogger(t)
	a := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func waitForStatus(t *testing.T, a *Agent, want v1.AgentStatus) v1.AgentSnapshot {
	t.Helper()
	var snap v1.AgentSnapshot
	require.Eventually(t, func() bool {
		s, err := a.Snapshot(context.Background())
		if err != nil {
			return false
		}
		snap = s
		return s.Status == want
	}, 5*time.Second, 5*time.Millisecond, "agent never reached status %s", want)
	return snap
}

func waitForIdleAfterTurn(t *testing.T, a *Agent, r *streamRecorder) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := a.Snapshot(context.Background())
		if err != nil {
			return false
		}
		if s.Status != v1.AgentStatusIdle {
			return false
		}
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryTurnCompleted || e.Type == v1.EntryError {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAgent_InitializeHandshake(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusCreating, snap.Status)

	require.NoError(t, a.Initialize(context.Background()))
	snap = waitForStatus(t, a, v1.AgentStatusIdle)
	assert.Equal(t, "auto", snap.CurrentModeID)
	assert.True(t, snap.Capabilities.Resume)
	assert.Len(t, snap.AvailableModes, 3)
}

func TestAgent_SimpleTurnTimeline(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "hello", MessageID: "m1"}))
	waitForIdleAfterTurn(t, a, r)

	entries := r.snapshot()
	require.Equal(t, []v1.TimelineEntryType{
		v1.EntryTurnStarted, v1.EntryUserMessage, v1.EntryAssistantMessage, v1.EntryTurnCompleted,
	}, r.entryTypes())

	// Seq strictly increasing without gaps.
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	assert.Equal(t, "m1", entries[0].RequestID)
	assert.Equal(t, "ack: hello", entries[2].Text)
	require.NotNil(t, entries[3].Usage)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Persistence)
	assert.NotNil(t, snap.LastUsage)
}

func TestAgent_LazyHandshakeOnFirstSubmit(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))

	// Seed a resumed agent from a prior session's persistence.
	prior := provider.NewMockClient()
	_, err := prior.Handshake(context.Background(), "/tmp", nil, "")
	require.NoError(t, err)
	ch, err := prior.SubmitTurn(context.Background(), provider.TurnInput{Text: `Remember this marker: "MARK_123"`})
	require.NoError(t, err)
	for range ch {
	}
	blob, err := prior.ExportPersistence(context.Background())
	require.NoError(t, err)

	a := newTestAgent(t, b, Options{Persistence: blob, Resumed: true})
	r := recordStreams(t, b, a.ID())

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusIdle, snap.Status)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "recall the marker", MessageID: "m1"}))
	waitForIdleAfterTurn(t, a, r)

	var answer string
	for _, e := range r.snapshot() {
		if e.Type == v1.EntryAssistantMessage {
			answer = e.Text
		}
	}
	assert.Contains(t, answer, "MARK_123")
}

func TestAgent_QueueFIFO(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	// Both submits land before the handshake completes; they must run
	// in receive order.
	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "first", MessageID: "m1"}))
	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "second", MessageID: "m2"}))

	require.Eventually(t, func() bool {
		count := 0
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryTurnCompleted {
				count++
			}
		}
		return count == 2
	}, 5*time.Second, 5*time.Millisecond)

	var users []string
	for _, e := range r.snapshot() {
		if e.Type == v1.EntryUserMessage {
			users = append(users, e.Text)
		}
	}
	assert.Equal(t, []string{"first", "second"}, users)
}

func TestAgent_PermissionDeny(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "!tool write_file", MessageID: "m1"}))

	var permID string
	require.Eventually(t, func() bool {
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryPermissionRequest {
				permID = e.PermissionID
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, a.RespondPermission(context.Background(), permID,
		v1.PermissionDecision{Behavior: v1.PermissionDeny, Message: "no"}))
	waitForIdleAfterTurn(t, a, r)

	var resolved *v1.TimelineEntry
	var answer string
	var sawToolResult bool
	for _, e := range r.snapshot() {
		e := e
		if e.Type == v1.EntryPermissionResolved {
			resolved = &e
		}
		if e.Type == v1.EntryAssistantMessage {
			answer = e.Text
		}
		if e.Type == v1.EntryToolCall && e.ToolCall.Status == v1.ToolCallCompleted {
			sawToolResult = true
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, v1.PermissionDeny, resolved.Behavior)
	assert.Equal(t, permID, resolved.PermissionID)
	assert.Equal(t, "tool write_file denied", answer)
	assert.False(t, sawToolResult)

	// Identical decision again is idempotent; a different one is unknown.
	require.NoError(t, a.RespondPermission(context.Background(), permID,
		v1.PermissionDecision{Behavior: v1.PermissionDeny}))
	err := a.RespondPermission(context.Background(), permID,
		v1.PermissionDecision{Behavior: v1.PermissionAllow})
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestAgent_FullAccessAutoAllows(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{ModeID: "full-access"})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "!tool write_file", MessageID: "m1"}))
	waitForIdleAfterTurn(t, a, r)

	var sawRequest, sawCompleted bool
	for _, e := range r.snapshot() {
		if e.Type == v1.EntryPermissionRequest {
			sawRequest = true
		}
		if e.Type == v1.EntryToolCall && e.ToolCall.Status == v1.ToolCallCompleted {
			sawCompleted = true
		}
	}
	assert.False(t, sawRequest, "full-access must not gate")
	assert.True(t, sawCompleted)
}

func TestAgent_SetMode(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.SetMode(context.Background(), "full-access"))
	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "full-access", snap.CurrentModeID)

	err = a.SetMode(context.Background(), "yolo")
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestAgent_CancelRetainsQueue(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "!wait", MessageID: "m1"}))
	waitForStatus(t, a, v1.AgentStatusRunning)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "queued", MessageID: "m2"}))
	require.NoError(t, a.Cancel(context.Background()))

	// The queued input survives the cancel and runs next.
	require.Eventually(t, func() bool {
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryUserMessage && e.Text == "queued" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	waitForIdleAfterTurn(t, a, r)
}

func TestAgent_CancelResolvesPendingPermission(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "!tool write_file", MessageID: "m1"}))

	var permID string
	require.Eventually(t, func() bool {
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryPermissionRequest {
				permID = e.PermissionID
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Cancel(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	var behavior v1.PermissionBehavior
	for _, e := range r.snapshot() {
		if e.Type == v1.EntryPermissionResolved && e.PermissionID == permID {
			behavior = e.Behavior
		}
	}
	assert.Equal(t, v1.PermissionCancelled, behavior)

	// A late response for the cancelled gate is a no-op.
	require.NoError(t, a.RespondPermission(context.Background(), permID,
		v1.PermissionDecision{Behavior: v1.PermissionAllow}))
}

// stallingClient ignores cooperative cancels, so the only way out of a
// turn is the forced termination after the grace period.
type stallingClient struct {
	*provider.MockClient
}

func (c *stallingClient) Cancel(ctx context.Context) error { return nil }

func TestAgent_CancelEscalatesToForcedTermination(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{
		Client:      &stallingClient{provider.NewMockClient()},
		CancelGrace: 50 * time.Millisecond,
	})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "!wait", MessageID: "m1"}))
	waitForStatus(t, a, v1.AgentStatusRunning)

	require.NoError(t, a.Cancel(context.Background()))

	// The backend never honors the cancel; the grace timer kills the
	// turn and records why.
	require.Eventually(t, func() bool {
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryError && strings.Contains(e.Text, "forcibly terminated") {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	waitForStatus(t, a, v1.AgentStatusIdle)

	// The next input re-handshakes and completes a fresh turn.
	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "still there?", MessageID: "m2"}))
	require.Eventually(t, func() bool {
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryTurnCompleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	var answer string
	for _, e := range r.snapshot() {
		if e.Type == v1.EntryAssistantMessage {
			answer = e.Text
		}
	}
	assert.Equal(t, "ack: still there?", answer)
}

func TestAgent_ReplaceWinsOverFIFO(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "!wait", MessageID: "m0"}))
	waitForStatus(t, a, v1.AgentStatusRunning)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "alpha", MessageID: "mA"}))
	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "beta", MessageID: "mB"}))

	// Send-now on beta: it jumps the queue and aborts the live turn.
	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "beta", MessageID: "mB", Replace: true}))

	require.Eventually(t, func() bool {
		count := 0
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryTurnCompleted {
				count++
			}
		}
		return count >= 3
	}, 10*time.Second, 5*time.Millisecond)

	var users []string
	for _, e := range r.snapshot() {
		if e.Type == v1.EntryUserMessage {
			users = append(users, e.Text)
		}
	}
	assert.Equal(t, []string{"!wait", "beta", "alpha"}, users)
}

func TestAgent_ProviderFailureSurfacesError(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: "!fail", MessageID: "m1"}))
	waitForIdleAfterTurn(t, a, r)

	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusIdle, snap.Status)
	assert.Contains(t, snap.LastError, "induced failure")

	var sawError bool
	for _, e := range r.snapshot() {
		if e.Type == v1.EntryError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestAgent_TimelineRange(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	a := newTestAgent(t, b, Options{})
	r := recordStreams(t, b, a.ID())

	require.NoError(t, a.Initialize(context.Background()))
	waitForStatus(t, a, v1.AgentStatusIdle)

	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, a.Submit(context.Background(), SubmitInput{Text: text, MessageID: string(rune('a' + i))}))
	}
	require.Eventually(t, func() bool {
		count := 0
		for _, e := range r.snapshot() {
			if e.Type == v1.EntryTurnCompleted {
				count++
			}
		}
		return count == 3
	}, 5*time.Second, 5*time.Millisecond)

	// Newest page.
	entries, hasMore, err := a.TimelineRange(context.Background(), v1.TimelineBackward, 4, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.True(t, hasMore)
	assert.Equal(t, v1.EntryTurnCompleted, entries[len(entries)-1].Type)

	// Page older from the cursor.
	older, _, err := a.TimelineRange(context.Background(), v1.TimelineBackward, 4, entries[0].Seq)
	require.NoError(t, err)
	require.NotEmpty(t, older)
	assert.Less(t, older[len(older)-1].Seq, entries[0].Seq)

	// Forward from the start.
	fwd, _, err := a.TimelineRange(context.Background(), v1.TimelineForward, 2, 0)
	require.NoError(t, err)
	require.Len(t, fwd, 2)
	assert.Equal(t, int64(1), fwd[0].Seq)
}
