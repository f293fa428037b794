// Package store persists the agent registry to disk so agents survive
// daemon restarts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paseodev/paseo/internal/common/logger"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

const registryVersion = 1

// AgentRecord is one persisted agent: the snapshot fields worth keeping
// plus the provider's opaque resume handle.
type AgentRecord struct {
	ID             string          `json:"id"`
	Provider       v1.ProviderID   `json:"provider"`
	Cwd            string          `json:"cwd"`
	Title          string          `json:"title,omitempty"`
	ModeID         string          `json:"mode_id,omitempty"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	Persistence    json.RawMessage `json:"persistence,omitempty"`
}

// Registry is the on-disk shape of agents.json.
type Registry struct {
	Version int           `json:"version"`
	Agents  []AgentRecord `json:"agents"`
}

// Store reads and writes the registry file. Writes are atomic: the new
// content lands in a temp file that is renamed over the target.
type Store struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger
}

func New(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{path: path, log: log}
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Load reads the registry. A missing file yields an empty registry.
func (s *Store) Load() (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Registry{Version: registryVersion}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", s.path, err)
	}
	if reg.Version == 0 {
		reg.Version = registryVersion
	}
	return &reg, nil
}

// Save writes the registry atomically.
func (s *Store) Save(reg *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg.Version = registryVersion
	if reg.Agents == nil {
		reg.Agents = []AgentRecord{}
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".agents-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
