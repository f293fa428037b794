package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paseodev/paseo/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var got []*Event
	sub, err := b.Subscribe("agent.stream.a1", func(ctx context.Context, event *Event) error {
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ev := NewEvent("timeline", "agent", map[string]string{"text": "hi"})
	require.NoError(t, b.Publish(context.Background(), "agent.stream.a1", ev))

	// Delivery is synchronous, the handler already ran.
	require.Len(t, got, 1)
	require.Equal(t, "timeline", got[0].Type)

	var payload map[string]string
	require.NoError(t, got[0].Decode(&payload))
	require.Equal(t, "hi", payload["text"])
}

func TestMemoryEventBus_WildcardMatching(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	cases := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"agent.stream.>", "agent.stream.a1", true},
		{"agent.stream.>", "agent.permission.a1", false},
		{"agent.*", "agent.upserted", true},
		{"agent.*", "agent.stream.a1", false},
		{"agent.upserted", "agent.upserted", true},
	}

	for _, tc := range cases {
		count := 0
		sub, err := b.Subscribe(tc.pattern, func(ctx context.Context, event *Event) error {
			count++
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), tc.subject, NewEvent("t", "s", nil)))
		if tc.match {
			require.Equal(t, 1, count, "pattern %s subject %s", tc.pattern, tc.subject)
		} else {
			require.Equal(t, 0, count, "pattern %s subject %s", tc.pattern, tc.subject)
		}
		require.NoError(t, sub.Unsubscribe())
	}
}

func TestMemoryEventBus_OrderPreserved(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var order []string
	_, err := b.Subscribe("agent.stream.a1", func(ctx context.Context, event *Event) error {
		order = append(order, event.Type)
		return nil
	})
	require.NoError(t, err)

	for _, typ := range []string{"turn_started", "timeline", "turn_completed"} {
		require.NoError(t, b.Publish(context.Background(), "agent.stream.a1", NewEvent(typ, "agent", nil)))
	}

	require.Equal(t, []string{"turn_started", "timeline", "turn_completed"}, order)
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("agent.upserted", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent.upserted", NewEvent("t", "s", nil)))
	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "agent.upserted", NewEvent("t", "s", nil)))
	require.Equal(t, 1, count)
}

func TestMemoryEventBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()
	require.False(t, b.IsConnected())
	require.Error(t, b.Publish(context.Background(), "agent.upserted", NewEvent("t", "s", nil)))
}
