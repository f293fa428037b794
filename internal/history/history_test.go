package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, agentID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		entry := v1.TimelineEntry{
			Seq:       int64(i),
			Timestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
			Type:      v1.EntryAssistantMessage,
			Text:      "msg",
		}
		require.NoError(t, s.Append(context.Background(), agentID, entry))
	}
}

func TestStore_AppendAndRangeBackward(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "a1", 10)

	// Newest page.
	entries, err := s.Range(context.Background(), "a1", v1.TimelineBackward, 3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{8, 9, 10}, []int64{entries[0].Seq, entries[1].Seq, entries[2].Seq})

	// Continue older from the page's first seq.
	older, err := s.Range(context.Background(), "a1", v1.TimelineBackward, 3, entries[0].Seq)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, int64(7), older[len(older)-1].Seq)
}

func TestStore_RangeForward(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "a1", 5)

	entries, err := s.Range(context.Background(), "a1", v1.TimelineForward, 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Seq)
	assert.Equal(t, int64(4), entries[1].Seq)
}

func TestStore_ReplaceOnSameSeq(t *testing.T) {
	s := openTestStore(t)

	entry := v1.TimelineEntry{
		Seq:  1,
		Type: v1.EntryToolCall,
		ToolCall: &v1.ToolCallData{
			CallID: "c1", Name: "write_file", Status: v1.ToolCallRunning,
		},
	}
	require.NoError(t, s.Append(context.Background(), "a1", entry))

	entry.ToolCall.Status = v1.ToolCallCompleted
	require.NoError(t, s.Append(context.Background(), "a1", entry))

	got, err := s.Range(context.Background(), "a1", v1.TimelineForward, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, v1.ToolCallCompleted, got[0].ToolCall.Status)
}

func TestStore_MaxSeqAndDelete(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "a1", 4)
	seed(t, s, "a2", 2)

	max, err := s.MaxSeq(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), max)

	require.NoError(t, s.Delete(context.Background(), "a1"))
	max, err = s.MaxSeq(context.Background(), "a1")
	require.NoError(t, err)
	assert.Zero(t, max)

	// Other agents are untouched.
	max, err = s.MaxSeq(context.Background(), "a2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), max)
}

func TestStore_IsolatesAgents(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "a1", 3)

	entries, err := s.Range(context.Background(), "a2", v1.TimelineBackward, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
