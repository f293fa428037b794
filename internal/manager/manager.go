// Package manager owns the agent registry: creation, resume, deletion,
// routing by id, lifecycle announcements, and persistence checkpoints.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseodev/paseo/internal/agent"
	"github.com/paseodev/paseo/internal/common/logger"
	"github.com/paseodev/paseo/internal/events"
	"github.com/paseodev/paseo/internal/events/bus"
	"github.com/paseodev/paseo/internal/gitops"
	"github.com/paseodev/paseo/internal/provider"
	"github.com/paseodev/paseo/internal/store"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// WorktreeSetupTool names the synthetic tool_call that surfaces worktree
// post-creation setup progress.
const WorktreeSetupTool = "paseo_worktree_setup"

var (
	ErrInvalidCwd   = errors.New("invalid working directory")
	ErrUnknownAgent = errors.New("unknown agent")
)

// Options wires the manager's collaborators.
type Options struct {
	Providers *provider.Registry
	Bus       bus.EventBus
	Store     *store.Store
	Archive   Archive // optional
	Git       *gitops.Helper
	Log       *logger.Logger

	HandshakeTimeout time.Duration
	CancelGrace      time.Duration
	ModesPath        string // optional modes.yaml overlay
}

// Archive is the timeline archive the manager hands to agents, plus the
// per-agent cleanup hook used on delete.
type Archive interface {
	agent.Archive
	Delete(ctx context.Context, agentID string) error
}

// Manager is the registry of live agents. Registry mutations are
// single-writer through mu; each agent serializes its own state.
type Manager struct {
	opts  Options
	log   *logger.Logger
	modes *modesOverlay

	mu      sync.RWMutex
	agents  map[string]*agent.Agent
	records map[string]store.AgentRecord

	persistMu sync.Mutex
}

func New(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.Git == nil {
		opts.Git = gitops.New(opts.Log)
	}
	m := &Manager{
		opts:    opts,
		log:     opts.Log,
		agents:  make(map[string]*agent.Agent),
		records: make(map[string]store.AgentRecord),
	}
	m.modes = loadModesOverlay(opts.ModesPath, opts.Log)
	return m
}

// Boot loads the persisted registry. Each recorded agent comes up idle
// without a provider start; the first use triggers the re-handshake.
func (m *Manager) Boot(ctx context.Context) error {
	if m.opts.Store == nil {
		return nil
	}
	reg, err := m.opts.Store.Load()
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}

	for _, rec := range reg.Agents {
		client, err := m.opts.Providers.New(rec.Provider)
		if err != nil {
			m.log.Warn("skipping persisted agent with unknown provider",
				zap.String("agent_id", rec.ID),
				zap.String("provider", string(rec.Provider)))
			continue
		}
		a := m.spawn(agent.Options{
			ID:          rec.ID,
			Provider:    rec.Provider,
			Cwd:         rec.Cwd,
			Title:       rec.Title,
			ModeID:      rec.ModeID,
			Persistence: rec.Persistence,
			Client:      client,
			Resumed:     true,
		})
		m.mu.Lock()
		m.agents[rec.ID] = a
		m.records[rec.ID] = rec
		m.mu.Unlock()
	}
	m.log.Info("agent registry loaded", zap.Int("agents", len(reg.Agents)))
	return nil
}

// spawn builds an agent actor wired to the manager's hooks.
func (m *Manager) spawn(opts agent.Options) *agent.Agent {
	opts.Bus = m.opts.Bus
	opts.Archive = m.opts.Archive
	opts.Log = m.log
	opts.HandshakeTimeout = m.opts.HandshakeTimeout
	opts.CancelGrace = m.opts.CancelGrace
	opts.Hooks = agent.Hooks{
		OnUpdate:        m.onAgentUpdate,
		OnTurnCompleted: m.onTurnCompleted,
	}
	return agent.New(opts)
}

// onAgentUpdate publishes the upsert and refreshes the cached record.
// Called from agent run loops; must not block.
func (m *Manager) onAgentUpdate(snap v1.AgentSnapshot) {
	m.updateRecord(snap)
	m.publishUpsert(snap)
}

// onTurnCompleted checkpoints the registry with the fresh persistence
// handle.
func (m *Manager) onTurnCompleted(snap v1.AgentSnapshot) {
	m.updateRecord(snap)
	m.publishUpsert(snap)
	go m.persist()
}

func (m *Manager) updateRecord(snap v1.AgentSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.agents[snap.ID]; !known {
		return // deleted concurrently
	}
	m.records[snap.ID] = store.AgentRecord{
		ID:             snap.ID,
		Provider:       snap.Provider,
		Cwd:            snap.Cwd,
		Title:          snap.Title,
		ModeID:         snap.CurrentModeID,
		LastActivityAt: snap.LastActivityAt,
		Persistence:    snap.Persistence,
	}
}

func (m *Manager) publishUpsert(snap v1.AgentSnapshot) {
	snap.AvailableModes = m.modes.apply(snap.AvailableModes)
	m.publish(events.AgentUpserted, events.LifecyclePayload{Agent: &snap, AgentID: snap.ID})
}

func (m *Manager) publish(subject string, payload any) {
	if m.opts.Bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "manager", payload)
	if err := m.opts.Bus.Publish(context.Background(), subject, ev); err != nil {
		m.log.Warn("lifecycle event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// persist writes the registry snapshot atomically.
func (m *Manager) persist() {
	if m.opts.Store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	records := make([]store.AgentRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	if err := m.opts.Store.Save(&store.Registry{Agents: records}); err != nil {
		m.log.Error("agent registry write failed", zap.Error(err))
	}
}

// Create builds a fresh agent. The agent is returned in creating status
// with the handshake in flight; worktree setup, when requested, runs
// asynchronously and surfaces as a synthetic tool_call.
func (m *Manager) Create(ctx context.Context, cfg v1.AgentConfig, git *v1.GitOptions) (*agent.Agent, error) {
	info, err := os.Stat(cfg.Cwd)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCwd, cfg.Cwd)
	}

	id := uuid.NewString()
	cwd := cfg.Cwd
	if git != nil && git.CreateWorktree {
		wt, err := m.opts.Git.CreateWorktree(ctx, cfg.Cwd, git.BaseBranch, id[:8])
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		cwd = wt
	}

	client, err := m.opts.Providers.New(cfg.Provider)
	if err != nil {
		return nil, err
	}

	a := m.spawn(agent.Options{
		ID:       id,
		Provider: cfg.Provider,
		Cwd:      cwd,
		Title:    cfg.Title,
		ModeID:   cfg.ModeID,
		Client:   client,
	})
	m.mu.Lock()
	m.agents[id] = a
	m.mu.Unlock()

	snap, _ := a.Snapshot(ctx)
	m.updateRecord(snap)
	m.publishUpsert(snap)

	if err := a.Initialize(ctx); err != nil {
		m.log.Warn("agent initialize failed", zap.String("agent_id", id), zap.Error(err))
	}
	if git != nil && git.CreateWorktree && git.SetupScript != "" {
		go m.runWorktreeSetup(a, cwd, git.SetupScript)
	}
	go m.persist()
	return a, nil
}

// runWorktreeSetup executes the user's setup script and mirrors its
// progress onto the agent's timeline.
func (m *Manager) runWorktreeSetup(a *agent.Agent, cwd, script string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	callID := uuid.NewString()
	input, _ := json.Marshal(map[string]string{"script": script, "cwd": cwd})
	_ = a.RecordToolCall(ctx, v1.ToolCallData{
		CallID: callID,
		Name:   WorktreeSetupTool,
		Status: v1.ToolCallRunning,
		Input:  input,
	})

	output, err := m.opts.Git.RunSetup(ctx, cwd, script)
	status := v1.ToolCallCompleted
	if err != nil {
		status = v1.ToolCallError
		m.log.Warn("worktree setup failed", zap.String("agent_id", a.ID()), zap.Error(err))
	}
	blob, _ := json.Marshal(map[string]string{"output": output})
	_ = a.RecordToolCall(ctx, v1.ToolCallData{
		CallID: callID,
		Name:   WorktreeSetupTool,
		Status: status,
		Output: blob,
	})
}

// Resume restores an agent from a persisted handle. When the agent is
// already live it just forces the re-handshake.
func (m *Manager) Resume(ctx context.Context, handle v1.ResumeHandle, overrides *v1.AgentOverrides) (*agent.Agent, error) {
	m.mu.RLock()
	existing := m.agents[handle.AgentID]
	m.mu.RUnlock()
	if existing != nil {
		if err := existing.Initialize(ctx); err != nil {
			return nil, err
		}
		return existing, nil
	}

	rec, ok := m.recordFor(handle.AgentID)
	if !ok && len(handle.Persistence) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, handle.AgentID)
	}
	if len(handle.Persistence) > 0 {
		rec.Persistence = handle.Persistence
	}
	if rec.ID == "" {
		rec.ID = handle.AgentID
		rec.Provider = v1.ProviderMock
	}
	if overrides != nil {
		if overrides.Cwd != "" {
			rec.Cwd = overrides.Cwd
		}
		if overrides.Title != "" {
			rec.Title = overrides.Title
		}
		if overrides.ModeID != "" {
			rec.ModeID = overrides.ModeID
		}
	}

	client, err := m.opts.Providers.New(rec.Provider)
	if err != nil {
		return nil, err
	}
	a := m.spawn(agent.Options{
		ID:          rec.ID,
		Provider:    rec.Provider,
		Cwd:         rec.Cwd,
		Title:       rec.Title,
		ModeID:      rec.ModeID,
		Persistence: rec.Persistence,
		Client:      client,
		Resumed:     true,
	})
	m.mu.Lock()
	m.agents[rec.ID] = a
	m.records[rec.ID] = rec
	m.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}
	snap, _ := a.Snapshot(ctx)
	m.publishUpsert(snap)
	go m.persist()
	return a, nil
}

func (m *Manager) recordFor(id string) (store.AgentRecord, bool) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if ok {
		return rec, true
	}
	if m.opts.Store == nil {
		return store.AgentRecord{}, false
	}
	reg, err := m.opts.Store.Load()
	if err != nil {
		return store.AgentRecord{}, false
	}
	for _, r := range reg.Agents {
		if r.ID == id {
			return r, true
		}
	}
	return store.AgentRecord{}, false
}

// Get returns a live agent by id.
func (m *Manager) Get(id string) (*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// List snapshots every live agent, ordered by id.
func (m *Manager) List(ctx context.Context) []v1.AgentSnapshot {
	m.mu.RLock()
	agents := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	snaps := make([]v1.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		snap, err := a.Snapshot(ctx)
		if err != nil {
			continue
		}
		snap.AvailableModes = m.modes.apply(snap.AvailableModes)
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// Commands aggregates the slash commands of every live agent.
func (m *Manager) Commands(ctx context.Context) []v1.Command {
	m.mu.RLock()
	agents := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []v1.Command
	for _, a := range agents {
		for _, c := range a.Commands(ctx) {
			if !seen[c.Name] {
				seen[c.Name] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Initialize forces a provider handshake for an agent in error or
// creating state.
func (m *Manager) Initialize(ctx context.Context, id string) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	return a.Initialize(ctx)
}

// Refresh forces a provider re-handshake.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	return m.Initialize(ctx, id)
}

// Delete cancels any live turn, shuts the provider down, removes the
// registry entry, and drops persisted state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	delete(m.agents, id)
	delete(m.records, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	_ = a.Cancel(ctx)
	if err := a.Shutdown(ctx); err != nil {
		m.log.Warn("agent shutdown failed", zap.String("agent_id", id), zap.Error(err))
	}
	if m.opts.Archive != nil {
		if err := m.opts.Archive.Delete(ctx, id); err != nil {
			m.log.Warn("timeline archive delete failed", zap.String("agent_id", id), zap.Error(err))
		}
	}

	m.publish(events.AgentDeleted, events.LifecyclePayload{AgentID: id})
	go m.persist()
	return nil
}

// Shutdown stops every agent and writes a final registry checkpoint.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	agents := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *agent.Agent) {
			defer wg.Done()
			if snap, err := a.Snapshot(ctx); err == nil {
				m.updateRecord(snap)
			}
			_ = a.Shutdown(ctx)
		}(a)
	}
	wg.Wait()
	m.persist()
}
