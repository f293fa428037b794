package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/paseodev/paseo/internal/agent"
	"github.com/paseodev/paseo/internal/files"
	"github.com/paseodev/paseo/internal/protocol"
	"github.com/paseodev/paseo/internal/provider"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// dispatch routes one inbound frame. Malformed input and validation
// failures come back as status{error}; nothing here panics or kills the
// daemon.
func (h *Hub) dispatch(c *Client, raw []byte) {
	msg, err := protocol.DecodeInbound(raw)
	if err != nil {
		c.log.Debug("malformed inbound frame", zap.Error(err))
		c.enqueue(protocol.NewStatusError("", "", "malformed message: "+err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch m := msg.(type) {
	case *protocol.SubscribeAgentsRequest:
		h.handleSubscribe(ctx, c, m)
	case *protocol.UnsubscribeAgentsRequest:
		c.removeSubscription(m.SubscriptionID)
	case *protocol.CreateAgentRequest:
		h.handleCreate(ctx, c, m)
	case *protocol.ResumeAgentRequest:
		h.handleResume(ctx, c, m)
	case *protocol.InitializeAgentRequest:
		h.respondStatus(c, m.RequestID, m.AgentID, h.manager.Initialize(ctx, m.AgentID))
	case *protocol.RefreshAgentRequest:
		h.respondStatus(c, m.RequestID, m.AgentID, h.manager.Refresh(ctx, m.AgentID))
	case *protocol.SendAgentMessage:
		h.handleSend(ctx, c, m)
	case *protocol.CancelAgentRequest:
		h.handleCancel(ctx, c, m)
	case *protocol.DeleteAgentRequest:
		h.respondStatus(c, m.RequestID, m.AgentID, h.manager.Delete(ctx, m.AgentID))
	case *protocol.SetAgentMode:
		h.handleSetMode(ctx, c, m)
	case *protocol.AgentPermissionResponse:
		h.handlePermissionResponse(ctx, c, m)
	case *protocol.GitRepoInfoRequest:
		h.handleGitRepoInfo(ctx, c, m)
	case *protocol.GitDiffRequest:
		h.handleGitDiff(ctx, c, m)
	case *protocol.FileExplorerRequest:
		h.handleFileExplorer(ctx, c, m)
	case *protocol.FetchAgentTimelineRequest:
		h.handleFetchTimeline(ctx, c, m)
	default:
		c.enqueue(protocol.NewStatusError("", "", "unhandled message type"))
	}
}

// respondStatus sends the terminal status for an immediate operation.
func (h *Hub) respondStatus(c *Client, requestID, agentID string, err error) {
	if err != nil {
		c.enqueue(protocol.NewStatusError(requestID, agentID, err.Error()))
		return
	}
	if requestID != "" {
		c.enqueue(protocol.NewStatusOK(requestID, agentID))
	}
}

// handleSubscribe opens the subscription, then replays state: the
// session_state first, then one timeline snapshot per covered agent.
func (h *Hub) handleSubscribe(ctx context.Context, c *Client, m *protocol.SubscribeAgentsRequest) {
	if m.SubscriptionID == "" {
		c.enqueue(protocol.NewStatusError("", "", "subscriptionId is required"))
		return
	}
	c.addSubscription(m.SubscriptionID, m.AgentID)
	h.sendSessionState(c)
	h.sendSnapshots(c, m.AgentID)
}

func (h *Hub) handleCreate(ctx context.Context, c *Client, m *protocol.CreateAgentRequest) {
	a, err := h.manager.Create(ctx, m.Config, m.Git)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, "", err.Error()))
		return
	}
	h.respondStatus(c, m.RequestID, a.ID(), nil)
}

func (h *Hub) handleResume(ctx context.Context, c *Client, m *protocol.ResumeAgentRequest) {
	a, err := h.manager.Resume(ctx, m.Handle, m.Overrides)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, m.Handle.AgentID, err.Error()))
		return
	}
	h.respondStatus(c, m.RequestID, a.ID(), nil)
}

// handleSend queues the input. The terminal status follows the turn:
// the slot closes when the turn_completed (or error) entry carrying the
// messageId lands.
func (h *Hub) handleSend(ctx context.Context, c *Client, m *protocol.SendAgentMessage) {
	a, err := h.manager.Get(m.AgentID)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.MessageID, m.AgentID, err.Error()))
		return
	}

	images := make([]provider.ImageInput, 0, len(m.Images))
	for _, img := range m.Images {
		images = append(images, provider.ImageInput{MimeType: img.MimeType, Data: []byte(img.Data)})
	}

	c.trackPending(m.MessageID, m.AgentID)
	err = a.Submit(ctx, agent.SubmitInput{
		Text:      m.Text,
		MessageID: m.MessageID,
		Images:    images,
		Replace:   m.Replace,
	})
	if err != nil {
		c.takePending(m.MessageID)
		c.enqueue(protocol.NewStatusError(m.MessageID, m.AgentID, err.Error()))
	}
}

func (h *Hub) handleCancel(ctx context.Context, c *Client, m *protocol.CancelAgentRequest) {
	a, err := h.manager.Get(m.AgentID)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, m.AgentID, err.Error()))
		return
	}
	h.respondStatus(c, m.RequestID, m.AgentID, a.Cancel(ctx))
}

func (h *Hub) handleSetMode(ctx context.Context, c *Client, m *protocol.SetAgentMode) {
	a, err := h.manager.Get(m.AgentID)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, m.AgentID, err.Error()))
		return
	}
	h.respondStatus(c, m.RequestID, m.AgentID, a.SetMode(ctx, m.ModeID))
}

func (h *Hub) handlePermissionResponse(ctx context.Context, c *Client, m *protocol.AgentPermissionResponse) {
	a, err := h.manager.Get(m.AgentID)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, m.AgentID, err.Error()))
		return
	}
	if err := a.RespondPermission(ctx, m.RequestID, m.Response); err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, m.AgentID, err.Error()))
	}
}

func (h *Hub) handleGitRepoInfo(ctx context.Context, c *Client, m *protocol.GitRepoInfoRequest) {
	info, err := h.git.RepoInfo(ctx, m.Cwd)
	resp := &protocol.GitRepoInfoResponse{
		Type:      protocol.TypeGitRepoInfoResponse,
		RequestID: m.RequestID,
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Repo = &protocol.RepoInfo{
			Root:          info.Root,
			Branch:        info.Branch,
			RemoteURL:     info.RemoteURL,
			Dirty:         info.Dirty,
			DefaultBranch: info.DefaultBranch,
		}
	}
	c.enqueue(resp)
}

func (h *Hub) handleGitDiff(ctx context.Context, c *Client, m *protocol.GitDiffRequest) {
	resp := &protocol.GitDiffResponse{
		Type:      protocol.TypeGitDiffResponse,
		AgentID:   m.AgentID,
		RequestID: m.RequestID,
	}
	a, err := h.manager.Get(m.AgentID)
	if err != nil {
		resp.Error = err.Error()
		c.enqueue(resp)
		return
	}
	snap, err := a.Snapshot(ctx)
	if err != nil {
		resp.Error = err.Error()
		c.enqueue(resp)
		return
	}
	diff, err := h.git.Diff(ctx, snap.Cwd)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Diff = diff
	}
	c.enqueue(resp)
}

func (h *Hub) handleFileExplorer(ctx context.Context, c *Client, m *protocol.FileExplorerRequest) {
	resp := &protocol.FileExplorerResponse{
		Type:      protocol.TypeFileExplorerResponse,
		AgentID:   m.AgentID,
		Path:      m.Path,
		Mode:      m.Mode,
		RequestID: m.RequestID,
	}
	a, err := h.manager.Get(m.AgentID)
	if err != nil {
		resp.Error = err.Error()
		c.enqueue(resp)
		return
	}
	snap, err := a.Snapshot(ctx)
	if err != nil {
		resp.Error = err.Error()
		c.enqueue(resp)
		return
	}

	switch m.Mode {
	case protocol.ExplorerFile:
		content, err := files.Read(snap.Cwd, m.Path)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Content = content
		}
	default:
		entries, err := files.List(snap.Cwd, m.Path)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Entries = make([]protocol.FileEntry, 0, len(entries))
			for _, e := range entries {
				resp.Entries = append(resp.Entries, protocol.FileEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size})
			}
		}
	}
	c.enqueue(resp)
}

func (h *Hub) handleFetchTimeline(ctx context.Context, c *Client, m *protocol.FetchAgentTimelineRequest) {
	resp := &protocol.FetchAgentTimelineResponse{
		Type:      protocol.TypeFetchTimelineResp,
		AgentID:   m.AgentID,
		RequestID: m.RequestID,
	}
	a, err := h.manager.Get(m.AgentID)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, m.AgentID, err.Error()))
		return
	}
	entries, hasMore, err := a.TimelineRange(ctx, m.Direction, m.Limit, m.Cursor)
	if err != nil {
		c.enqueue(protocol.NewStatusError(m.RequestID, m.AgentID, err.Error()))
		return
	}
	resp.Events = entries
	resp.HasMore = hasMore
	if len(entries) > 0 {
		if m.Direction == v1.TimelineForward {
			resp.Cursor = entries[len(entries)-1].Seq
		} else {
			resp.Cursor = entries[0].Seq
		}
	}
	c.enqueue(resp)
}
