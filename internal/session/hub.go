// Package session bridges the wire protocol onto manager and agent
// operations and fans agent events out to every subscribed connection.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseodev/paseo/internal/common/logger"
	"github.com/paseodev/paseo/internal/events"
	"github.com/paseodev/paseo/internal/events/bus"
	"github.com/paseodev/paseo/internal/gitops"
	"github.com/paseodev/paseo/internal/manager"
	"github.com/paseodev/paseo/internal/protocol"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

const (
	defaultQueueSize = 256
	snapshotWindow   = 200
	requestTimeout   = 30 * time.Second
)

// Options configures the hub.
type Options struct {
	Manager   *manager.Manager
	Bus       bus.EventBus
	Git       *gitops.Helper
	Log       *logger.Logger
	QueueSize int
}

// Hub owns every client connection and the bus subscriptions feeding
// them.
type Hub struct {
	manager *manager.Manager
	git     *gitops.Helper
	log     *logger.Logger
	queue   int

	mu      sync.RWMutex
	clients map[string]*Client

	subs []bus.Subscription
}

func NewHub(opts Options) (*Hub, error) {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.Git == nil {
		opts.Git = gitops.New(opts.Log)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	h := &Hub{
		manager: opts.Manager,
		git:     opts.Git,
		log:     opts.Log,
		queue:   opts.QueueSize,
		clients: make(map[string]*Client),
	}

	if opts.Bus != nil {
		for _, wire := range []struct {
			subject string
			handler bus.EventHandler
		}{
			{events.AgentUpserted, h.onAgentUpserted},
			{events.AgentDeleted, h.onAgentDeleted},
			{events.AnyAgentStream, h.onAgentStream},
			{events.AnyAgentPermission, h.onAgentPermission},
		} {
			sub, err := opts.Bus.Subscribe(wire.subject, wire.handler)
			if err != nil {
				return nil, err
			}
			h.subs = append(h.subs, sub)
		}
	}
	return h, nil
}

// Close tears down the bus subscriptions and every connection.
func (h *Hub) Close() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// Serve runs one connection until it drops. The first outbound frame is
// the session_state snapshot.
func (h *Hub) Serve(wire Wire) {
	c := &Client{
		id:      uuid.NewString(),
		hub:     h,
		wire:    wire,
		send:    make(chan []byte, h.queue),
		closed:  make(chan struct{}),
		subs:    make(map[string]string),
		pending: make(map[string]pendingRequest),
	}
	c.log = h.log.WithConnectionID(c.id)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Info("connection opened", zap.String("connection_id", c.id))

	go c.writeLoop()
	h.sendSessionState(c)
	c.readLoop()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		h.log.Info("connection closed", zap.String("connection_id", c.id))
	}
}

// ClientCount reports the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendSessionState(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	agents := h.manager.List(ctx)
	commands := h.manager.Commands(ctx)
	c.enqueue(protocol.NewSessionState(agents, commands))
}

// sendSnapshots brings a freshly subscribed connection's timeline
// cursors up to date, one agent_stream_snapshot per agent.
func (h *Hub) sendSnapshots(c *Client, agentFilter string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for _, snap := range h.manager.List(ctx) {
		if agentFilter != "" && snap.ID != agentFilter {
			continue
		}
		a, err := h.manager.Get(snap.ID)
		if err != nil {
			continue
		}
		entries, _, err := a.TimelineRange(ctx, v1.TimelineBackward, snapshotWindow, 0)
		if err != nil {
			h.log.Warn("snapshot read failed", zap.String("agent_id", snap.ID), zap.Error(err))
			continue
		}
		c.enqueue(protocol.NewAgentStreamSnapshot(snap.ID, entries))
	}
}

// broadcast enqueues a message on every connection subscribed to the
// agent ("" targets every subscriber).
func (h *Hub) broadcast(agentID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("broadcast marshal failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if agentID == "" || c.subscribed(agentID) {
			c.enqueueRaw(data)
		}
	}
}

func (h *Hub) onAgentUpserted(ctx context.Context, ev *bus.Event) error {
	var p events.LifecyclePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	h.broadcast(p.AgentID, protocol.NewAgentUpsert(p.Agent))
	return nil
}

func (h *Hub) onAgentDeleted(ctx context.Context, ev *bus.Event) error {
	var p events.LifecyclePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	h.broadcast(p.AgentID, protocol.NewAgentDelete(p.AgentID))
	h.broadcast(p.AgentID, protocol.NewAgentDeleted(p.AgentID))
	return nil
}

func (h *Hub) onAgentStream(ctx context.Context, ev *bus.Event) error {
	var p events.StreamPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	h.broadcast(p.AgentID, protocol.NewAgentStream(p.AgentID, p.Entry))
	h.resolvePending(p.AgentID, p.Entry)
	return nil
}

func (h *Hub) onAgentPermission(ctx context.Context, ev *bus.Event) error {
	switch ev.Type {
	case events.PermissionRequested:
		var p events.PermissionRequestedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		h.broadcast(p.AgentID, protocol.NewAgentPermissionRequest(p.AgentID, p.Request))
	case events.PermissionResolved:
		var p events.PermissionResolvedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		h.broadcast(p.AgentID, protocol.NewAgentPermissionResolved(p.AgentID, p.RequestID, p.Behavior))
	}
	return nil
}

// resolvePending closes request slots on terminal timeline entries; the
// status goes back on the originating connection only.
func (h *Hub) resolvePending(agentID string, entry v1.TimelineEntry) {
	if entry.RequestID == "" {
		return
	}

	var status *protocol.Status
	switch entry.Type {
	case v1.EntryTurnCompleted:
		status = protocol.NewStatusOK(entry.RequestID, agentID)
	case v1.EntryError:
		status = protocol.NewStatusError(entry.RequestID, agentID, entry.Text)
	default:
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if _, ok := c.takePending(entry.RequestID); ok {
			c.enqueue(status)
			return
		}
	}
}
