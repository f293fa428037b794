package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

func collect(t *testing.T, ch <-chan TurnEvent) []TurnEvent {
	t.Helper()
	var events []TurnEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("turn stream did not close")
		}
	}
}

func types(events []TurnEvent) []TurnEventType {
	out := make([]TurnEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestMockClient_SimpleTurn(t *testing.T) {
	m := NewMockClient()
	_, err := m.Handshake(context.Background(), "/tmp", nil, "")
	require.NoError(t, err)

	ch, err := m.SubmitTurn(context.Background(), TurnInput{MessageID: "m1", Text: "hello"})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Equal(t, []TurnEventType{
		EventAssistantChunk, EventAssistantMessage, EventUsage, EventTurnEnd,
	}, types(events))
	assert.Equal(t, "ack: hello", events[1].Text)
	assert.NotNil(t, events[2].Usage)
}

func TestMockClient_PersistenceRoundTrip(t *testing.T) {
	m := NewMockClient()
	_, err := m.Handshake(context.Background(), "/tmp", nil, "")
	require.NoError(t, err)

	ch, err := m.SubmitTurn(context.Background(), TurnInput{Text: `Remember this marker: "MARK_123"`})
	require.NoError(t, err)
	collect(t, ch)

	blob, err := m.ExportPersistence(context.Background())
	require.NoError(t, err)

	resumed := NewMockClient()
	_, err = resumed.Handshake(context.Background(), "/tmp", blob, "")
	require.NoError(t, err)

	ch, err = resumed.SubmitTurn(context.Background(), TurnInput{Text: "recall the marker"})
	require.NoError(t, err)
	events := collect(t, ch)

	var answer string
	for _, ev := range events {
		if ev.Type == EventAssistantMessage {
			answer = ev.Text
		}
	}
	assert.Contains(t, answer, "MARK_123")
}

func TestMockClient_ToolAllowAndDeny(t *testing.T) {
	for _, tc := range []struct {
		behavior v1.PermissionBehavior
		want     string
	}{
		{v1.PermissionAllow, "tool write_file ok"},
		{v1.PermissionDeny, "tool write_file denied"},
	} {
		m := NewMockClient()
		_, err := m.Handshake(context.Background(), "/tmp", nil, "")
		require.NoError(t, err)

		ch, err := m.SubmitTurn(context.Background(), TurnInput{Text: "!tool write_file"})
		require.NoError(t, err)

		// First event is the probe.
		probe := <-ch
		require.Equal(t, EventPermissionProbe, probe.Type)
		require.NotNil(t, probe.Probe)
		assert.Equal(t, v1.PermissionKindWrite, probe.Probe.Kind)

		require.NoError(t, m.RespondPermission(context.Background(), probe.Probe.ID,
			v1.PermissionDecision{Behavior: tc.behavior}))

		events := collect(t, ch)
		var answer string
		var sawToolResult bool
		for _, ev := range events {
			if ev.Type == EventAssistantMessage {
				answer = ev.Text
			}
			if ev.Type == EventToolResult {
				sawToolResult = true
				assert.Equal(t, v1.ToolCallCompleted, ev.ToolCall.Status)
			}
		}
		assert.Equal(t, tc.want, answer)
		assert.Equal(t, tc.behavior == v1.PermissionAllow, sawToolResult)
	}
}

func TestMockClient_CancelEndsWaitTurn(t *testing.T) {
	m := NewMockClient()
	_, err := m.Handshake(context.Background(), "/tmp", nil, "")
	require.NoError(t, err)

	ch, err := m.SubmitTurn(context.Background(), TurnInput{Text: "!wait"})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background()))
	events := collect(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, EventTurnEnd, events[len(events)-1].Type)
}

func TestMockClient_RejectsOverlappingTurns(t *testing.T) {
	m := NewMockClient()
	_, err := m.Handshake(context.Background(), "/tmp", nil, "")
	require.NoError(t, err)

	ch, err := m.SubmitTurn(context.Background(), TurnInput{Text: "!wait"})
	require.NoError(t, err)
	defer func() {
		_ = m.Cancel(context.Background())
		collect(t, ch)
	}()

	_, err = m.SubmitTurn(context.Background(), TurnInput{Text: "second"})
	assert.Error(t, err)
}

func TestMockClient_UnknownProbe(t *testing.T) {
	m := NewMockClient()
	err := m.RespondPermission(context.Background(), "nope", v1.PermissionDecision{Behavior: v1.PermissionAllow})
	assert.Error(t, err)
}

func TestMockClient_RejectsUnknownMode(t *testing.T) {
	m := NewMockClient()
	_, err := m.Handshake(context.Background(), "/tmp", nil, "yolo")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(v1.ProviderMock, NewMockFactory())

	c, err := r.New(v1.ProviderMock)
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = r.New(v1.ProviderID("claude"))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
