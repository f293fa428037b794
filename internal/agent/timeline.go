package agent

import (
	"context"
	"time"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// Archive is the durable backing store for timeline entries. It lets
// timeline reads page past the in-memory window and across restarts.
type Archive interface {
	Append(ctx context.Context, agentID string, entry v1.TimelineEntry) error
	Range(ctx context.Context, agentID string, direction v1.TimelineDirection, limit int, cursor int64) ([]v1.TimelineEntry, error)
	MaxSeq(ctx context.Context, agentID string) (int64, error)
}

// timeline is the in-memory append-only event log of one agent. It is
// only touched from the agent's run loop.
type timeline struct {
	entries []v1.TimelineEntry
	nextSeq int64
	byCall  map[string]int // callId -> index, for in-place status updates
}

func newTimeline(startSeq int64) *timeline {
	if startSeq < 1 {
		startSeq = 1
	}
	return &timeline{nextSeq: startSeq, byCall: make(map[string]int)}
}

// append assigns the next seq and timestamp and stores the entry.
func (t *timeline) append(entry v1.TimelineEntry) v1.TimelineEntry {
	entry.Seq = t.nextSeq
	t.nextSeq++
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	t.entries = append(t.entries, entry)
	if entry.Type == v1.EntryToolCall && entry.ToolCall != nil {
		t.byCall[entry.ToolCall.CallID] = len(t.entries) - 1
	}
	return entry
}

// updateToolCall mutates a tool_call entry in place on the same callId.
// Seq and timestamp are preserved; only the call data advances.
func (t *timeline) updateToolCall(callID string, status v1.ToolCallStatus, output []byte) (v1.TimelineEntry, bool) {
	idx, ok := t.byCall[callID]
	if !ok {
		return v1.TimelineEntry{}, false
	}
	tc := t.entries[idx].ToolCall
	tc.Status = status
	if output != nil {
		tc.Output = output
	}
	return t.entries[idx], true
}

// firstSeq returns the oldest seq held in memory, 0 when empty.
func (t *timeline) firstSeq() int64 {
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[0].Seq
}

// rangeEntries reads an ordered slice. Backward selects entries with
// seq < cursor (cursor 0 means from the newest); forward selects seq >
// cursor. Entries come back in ascending seq order either way.
func (t *timeline) rangeEntries(direction v1.TimelineDirection, limit int, cursor int64) ([]v1.TimelineEntry, bool) {
	if limit <= 0 {
		limit = 50
	}

	if direction == v1.TimelineForward {
		var out []v1.TimelineEntry
		for _, e := range t.entries {
			if e.Seq <= cursor {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
		hasMore := len(out) > 0 && out[len(out)-1].Seq < t.nextSeq-1
		return out, hasMore
	}

	// Backward.
	end := len(t.entries)
	if cursor > 0 {
		end = 0
		for i, e := range t.entries {
			if e.Seq >= cursor {
				break
			}
			end = i + 1
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := append([]v1.TimelineEntry(nil), t.entries[start:end]...)
	hasMore := start > 0 || (len(out) > 0 && out[0].Seq > 1)
	return out, hasMore
}

// all returns a copy of the full in-memory timeline.
func (t *timeline) all() []v1.TimelineEntry {
	return append([]v1.TimelineEntry(nil), t.entries...)
}
