// Package history archives timeline entries in sqlite so timeline reads
// can page past the in-memory window and across daemon restarts.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS timeline_entries (
	agent_id TEXT    NOT NULL,
	seq      INTEGER NOT NULL,
	entry    BLOB    NOT NULL,
	PRIMARY KEY (agent_id, seq)
);
`

// Store is the sqlite-backed timeline archive.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the archive database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// sqlite tolerates one writer; keep the pool at one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores an entry. Re-appending the same (agent, seq) replaces
// the row, which is how in-place tool_call updates reach the archive.
func (s *Store) Append(ctx context.Context, agentID string, entry v1.TimelineEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode timeline entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO timeline_entries (agent_id, seq, entry) VALUES (?, ?, ?)`,
		agentID, entry.Seq, blob)
	if err != nil {
		return fmt.Errorf("archive timeline entry: %w", err)
	}
	return nil
}

// Range reads an ordered slice. Backward selects seq < cursor (cursor 0
// means from the newest); forward selects seq > cursor. Results come
// back in ascending seq order either way.
func (s *Store) Range(ctx context.Context, agentID string, direction v1.TimelineDirection, limit int, cursor int64) ([]v1.TimelineEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []struct {
		Seq   int64  `db:"seq"`
		Entry []byte `db:"entry"`
	}
	var err error
	if direction == v1.TimelineForward {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT seq, entry FROM timeline_entries WHERE agent_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			agentID, cursor, limit)
	} else {
		boundary := cursor
		if boundary <= 0 {
			boundary = int64(1)<<62 - 1
		}
		err = s.db.SelectContext(ctx, &rows,
			`SELECT seq, entry FROM timeline_entries WHERE agent_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`,
			agentID, boundary, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("read timeline archive: %w", err)
	}

	entries := make([]v1.TimelineEntry, 0, len(rows))
	for _, row := range rows {
		var e v1.TimelineEntry
		if err := json.Unmarshal(row.Entry, &e); err != nil {
			return nil, fmt.Errorf("decode archived entry seq %d: %w", row.Seq, err)
		}
		entries = append(entries, e)
	}
	if direction != v1.TimelineForward {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

// MaxSeq returns the highest archived seq for an agent, 0 when none.
func (s *Store) MaxSeq(ctx context.Context, agentID string) (int64, error) {
	var max int64
	err := s.db.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(seq), 0) FROM timeline_entries WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	return max, nil
}

// Delete drops all archived entries for an agent.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timeline_entries WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete timeline archive: %w", err)
	}
	return nil
}
