package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

func TestStore_LoadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "agents.json"), nil)
	reg, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, reg.Agents)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paseo", "agents.json")
	s := New(path, nil)

	reg := &Registry{Agents: []AgentRecord{{
		ID:             "a1",
		Provider:       v1.ProviderMock,
		Cwd:            "/work",
		Title:          "demo",
		ModeID:         "auto",
		LastActivityAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Persistence:    json.RawMessage(`{"transcript":["hi"]}`),
	}}}
	require.NoError(t, s.Save(reg))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, reg.Agents[0], got.Agents[0])
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "agents.json"), nil)
	require.NoError(t, s.Save(&Registry{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agents.json", entries[0].Name())
}

func TestStore_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := New(path, nil).Load()
	assert.Error(t, err)
}
