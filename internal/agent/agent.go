// Package agent implements the per-agent actor: a mailbox-driven state
// machine that serializes every mutation of one conversational worker's
// timeline, queue, permissions, and status.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseodev/paseo/internal/common/logger"
	"github.com/paseodev/paseo/internal/events"
	"github.com/paseodev/paseo/internal/events/bus"
	"github.com/paseodev/paseo/internal/provider"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultCancelGrace      = 5 * time.Second
	mailboxSize             = 64
)

// Hooks let the owning manager observe lifecycle checkpoints. Both are
// invoked from the agent's run loop and must not block.
type Hooks struct {
	// OnUpdate fires whenever the snapshot changes in a way clients
	// should see (status transitions, handshake results, usage).
	OnUpdate func(v1.AgentSnapshot)

	// OnTurnCompleted fires after a turn completed and the persistence
	// handle was refreshed. The manager checkpoints the registry here.
	OnTurnCompleted func(v1.AgentSnapshot)
}

// Options configures a new agent actor.
type Options struct {
	ID       string
	Provider v1.ProviderID
	Cwd      string
	Title    string
	ModeID   string

	// Persistence is the resume handle from a previous session, nil for
	// a fresh agent.
	Persistence json.RawMessage

	Client  provider.AgentClient
	Bus     bus.EventBus
	Archive Archive // optional
	Log     *logger.Logger
	Hooks   Hooks

	HandshakeTimeout time.Duration
	CancelGrace      time.Duration

	// Resumed marks an agent loaded from the registry at boot: it sits
	// idle and handshakes lazily on first use instead of at creation.
	Resumed bool
}

// SubmitInput is one user input handed to Submit.
type SubmitInput struct {
	Text      string
	MessageID string
	Images    []provider.ImageInput

	// Replace drops a queued input with the same MessageID, puts this
	// one at the head of the queue, and cancels the live turn.
	Replace bool
}

type command interface{ isCommand() }

type cmdSubmit struct {
	input SubmitInput
	reply chan error
}
type cmdCancel struct{ reply chan error }
type cmdRespondPermission struct {
	id       string
	decision v1.PermissionDecision
	reply    chan error
}
type cmdSetMode struct {
	modeID string
	reply  chan error
}
type cmdSnapshot struct{ reply chan v1.AgentSnapshot }
type cmdTimelineRange struct {
	direction v1.TimelineDirection
	limit     int
	cursor    int64
	reply     chan timelineRangeResult
}
type cmdInitialize struct{ reply chan error }
type cmdShutdown struct{ reply chan error }
type cmdHandshakeDone struct {
	result *provider.HandshakeResult
	err    error
}
type cmdForceCancel struct{ turnID string }

func (cmdSubmit) isCommand()            {}
func (cmdCancel) isCommand()            {}
func (cmdRespondPermission) isCommand() {}
func (cmdSetMode) isCommand()           {}
func (cmdSnapshot) isCommand()          {}
func (cmdTimelineRange) isCommand()     {}
func (cmdInitialize) isCommand()        {}
func (cmdShutdown) isCommand()          {}
func (cmdHandshakeDone) isCommand()     {}
func (cmdForceCancel) isCommand()       {}

type timelineRangeResult struct {
	entries []v1.TimelineEntry
	hasMore bool
	err     error
}

type queuedInput struct {
	input      SubmitInput
	receivedAt time.Time
}

// Agent is the actor. All state below the mailbox is owned by the run
// loop and never touched from outside it.
type Agent struct {
	id       string
	provider v1.ProviderID
	client   provider.AgentClient
	bus      bus.EventBus
	archive  Archive
	log      *logger.Logger
	hooks    Hooks

	handshakeTimeout time.Duration
	cancelGrace      time.Duration

	mailbox chan command
	done    chan struct{}

	// Run-loop state.
	cwd            string
	title          string
	status         v1.AgentStatus
	modeID         string
	modes          []v1.Mode
	capabilities   v1.Capabilities
	commands       []v1.Command
	persistence    json.RawMessage
	lastError      string
	lastUsage      *v1.Usage
	lastActivityAt time.Time

	timeline    *timeline
	queue       []queuedInput
	handshaken  bool
	handshaking bool

	turnCh        <-chan provider.TurnEvent
	turnID        string
	turnRequestID string
	turnCancel    context.CancelFunc
	turnCancelled bool
	turnUsage     *v1.Usage

	pendingPerms  map[string]v1.PermissionRequest
	resolvedPerms map[string]v1.PermissionBehavior
}

// New builds the actor and starts its run loop. Fresh agents begin in
// creating and need Initialize; resumed agents begin idle and handshake
// on first use.
func New(opts Options) *Agent {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = defaultCancelGrace
	}

	a := &Agent{
		id:               opts.ID,
		provider:         opts.Provider,
		client:           opts.Client,
		bus:              opts.Bus,
		archive:          opts.Archive,
		log:              opts.Log.WithAgentID(opts.ID),
		hooks:            opts.Hooks,
		handshakeTimeout: opts.HandshakeTimeout,
		cancelGrace:      opts.CancelGrace,
		mailbox:          make(chan command, mailboxSize),
		done:             make(chan struct{}),
		cwd:              opts.Cwd,
		title:            opts.Title,
		modeID:           opts.ModeID,
		persistence:      opts.Persistence,
		lastActivityAt:   time.Now().UTC(),
		pendingPerms:     make(map[string]v1.PermissionRequest),
		resolvedPerms:    make(map[string]v1.PermissionBehavior),
	}

	startSeq := int64(1)
	if opts.Resumed && a.archive != nil {
		if max, err := a.archive.MaxSeq(context.Background(), a.id); err == nil {
			startSeq = max + 1
		}
	}
	a.timeline = newTimeline(startSeq)

	if opts.Resumed {
		a.status = v1.AgentStatusIdle
	} else {
		a.status = v1.AgentStatusCreating
	}

	go a.run()
	return a
}

// ID returns the agent's stable identifier.
func (a *Agent) ID() string { return a.id }

func (a *Agent) post(ctx context.Context, c command) error {
	select {
	case a.mailbox <- c:
		return nil
	case <-a.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) postAndWait(ctx context.Context, c command, reply chan error) error {
	if err := a.post(ctx, c); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit appends input to the queue, starting a turn if idle. Returns
// once the input is accepted, not when the turn ends.
func (a *Agent) Submit(ctx context.Context, input SubmitInput) error {
	reply := make(chan error, 1)
	return a.postAndWait(ctx, cmdSubmit{input: input, reply: reply}, reply)
}

// Cancel interrupts the live turn, if any. The queue is retained.
func (a *Agent) Cancel(ctx context.Context) error {
	reply := make(chan error, 1)
	return a.postAndWait(ctx, cmdCancel{reply: reply}, reply)
}

// RespondPermission resolves a pending permission gate.
func (a *Agent) RespondPermission(ctx context.Context, id string, decision v1.PermissionDecision) error {
	reply := make(chan error, 1)
	return a.postAndWait(ctx, cmdRespondPermission{id: id, decision: decision, reply: reply}, reply)
}

// SetMode changes the permission posture. It takes effect at the next
// gating decision, never mid-check.
func (a *Agent) SetMode(ctx context.Context, modeID string) error {
	reply := make(chan error, 1)
	return a.postAndWait(ctx, cmdSetMode{modeID: modeID, reply: reply}, reply)
}

// Initialize kicks off the provider handshake. Completion surfaces as a
// snapshot update; failure lands the agent in error with the reason.
func (a *Agent) Initialize(ctx context.Context) error {
	reply := make(chan error, 1)
	return a.postAndWait(ctx, cmdInitialize{reply: reply}, reply)
}

// Snapshot returns the current immutable view.
func (a *Agent) Snapshot(ctx context.Context) (v1.AgentSnapshot, error) {
	reply := make(chan v1.AgentSnapshot, 1)
	if err := a.post(ctx, cmdSnapshot{reply: reply}); err != nil {
		return v1.AgentSnapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-a.done:
		return v1.AgentSnapshot{}, ErrShutdown
	case <-ctx.Done():
		return v1.AgentSnapshot{}, ctx.Err()
	}
}

// TimelineRange reads an ordered slice of the timeline, falling back to
// the archive for entries older than the in-memory window.
func (a *Agent) TimelineRange(ctx context.Context, direction v1.TimelineDirection, limit int, cursor int64) ([]v1.TimelineEntry, bool, error) {
	reply := make(chan timelineRangeResult, 1)
	if err := a.post(ctx, cmdTimelineRange{direction: direction, limit: limit, cursor: cursor, reply: reply}); err != nil {
		return nil, false, err
	}
	select {
	case res := <-reply:
		return res.entries, res.hasMore, res.err
	case <-a.done:
		return nil, false, ErrShutdown
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Shutdown terminates the provider session, flushes persistence, and
// stops the run loop.
func (a *Agent) Shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := a.post(ctx, cmdShutdown{reply: reply}); err != nil {
		if err == ErrShutdown {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) run() {
	for {
		select {
		case c := <-a.mailbox:
			if a.handle(c) {
				return
			}
		case ev, ok := <-a.turnCh:
			if !ok {
				a.finishTurn(nil)
				continue
			}
			a.handleTurnEvent(ev)
		}
	}
}

// handle processes one mailbox command; true means the loop should exit.
func (a *Agent) handle(c command) bool {
	switch cmd := c.(type) {
	case cmdSubmit:
		cmd.reply <- a.submit(cmd.input)
	case cmdCancel:
		cmd.reply <- a.cancelTurn()
	case cmdRespondPermission:
		cmd.reply <- a.respondPermission(cmd.id, cmd.decision)
	case cmdSetMode:
		cmd.reply <- a.setMode(cmd.modeID)
	case cmdSnapshot:
		cmd.reply <- a.snapshotLocked()
	case cmdTimelineRange:
		cmd.reply <- a.timelineRange(cmd.direction, cmd.limit, cmd.cursor)
	case cmdInitialize:
		cmd.reply <- a.initialize()
	case cmdHandshakeDone:
		a.handshakeDone(cmd.result, cmd.err)
	case cmdForceCancel:
		a.forceCancel(cmd.turnID)
	case cmdCommands:
		cmd.reply <- append([]v1.Command(nil), a.commands...)
	case cmdRecordToolCall:
		if entry, ok := a.timeline.updateToolCall(cmd.call.CallID, cmd.call.Status, cmd.call.Output); ok {
			a.publishEntry(entry)
			a.archiveEntry(entry)
		} else {
			call := cmd.call
			a.appendEntry(v1.TimelineEntry{Type: v1.EntryToolCall, ToolCall: &call})
		}
		cmd.reply <- nil
	case cmdShutdown:
		a.shutdown()
		cmd.reply <- nil
		return true
	}
	return false
}

func (a *Agent) submit(input SubmitInput) error {
	if input.Replace {
		// Explicit replace wins over FIFO: drop the queued duplicate,
		// put this input at the head, and abort the live turn.
		filtered := a.queue[:0]
		for _, q := range a.queue {
			if q.input.MessageID != input.MessageID {
				filtered = append(filtered, q)
			}
		}
		a.queue = append([]queuedInput{{input: input, receivedAt: time.Now().UTC()}}, filtered...)
		if a.status == v1.AgentStatusRunning {
			return a.cancelTurn()
		}
	} else {
		a.queue = append(a.queue, queuedInput{input: input, receivedAt: time.Now().UTC()})
	}
	a.maybeStartTurn()
	return nil
}

// maybeStartTurn dequeues the next input when the agent can run it,
// handshaking lazily first if the provider session is not live yet.
func (a *Agent) maybeStartTurn() {
	if len(a.queue) == 0 || a.turnCh != nil {
		return
	}
	switch a.status {
	case v1.AgentStatusIdle:
	case v1.AgentStatusCreating:
		a.startHandshake()
		return
	default:
		return
	}
	if !a.handshaken {
		a.startHandshake()
		return
	}
	a.startTurn()
}

func (a *Agent) startTurn() {
	if a.turnCh != nil {
		a.log.Error("turn overlap rejected", zap.Error(ErrBusy))
		return
	}
	next := a.queue[0]
	a.queue = a.queue[1:]

	a.turnID = uuid.NewString()
	a.turnRequestID = next.input.MessageID
	a.turnCancelled = false
	a.turnUsage = nil

	turnCtx, cancel := context.WithCancel(context.Background())
	a.turnCancel = cancel

	a.setStatus(v1.AgentStatusRunning)
	a.appendEntry(v1.TimelineEntry{
		Type:      v1.EntryTurnStarted,
		TurnID:    a.turnID,
		RequestID: a.turnRequestID,
	})
	a.appendEntry(v1.TimelineEntry{
		Type:      v1.EntryUserMessage,
		Text:      next.input.Text,
		RequestID: next.input.MessageID,
	})

	ch, err := a.client.SubmitTurn(turnCtx, provider.TurnInput{
		MessageID: next.input.MessageID,
		Text:      next.input.Text,
		Images:    next.input.Images,
	})
	if err != nil {
		a.log.Error("submit turn failed", zap.Error(err))
		cancel()
		a.turnCancel = nil
		a.lastError = err.Error()
		a.appendEntry(v1.TimelineEntry{Type: v1.EntryError, Text: err.Error(), TurnID: a.turnID, RequestID: a.turnRequestID})
		a.setStatus(v1.AgentStatusIdle)
		a.turnID = ""
		a.turnRequestID = ""
		return
	}
	a.turnCh = ch
}

func (a *Agent) handleTurnEvent(ev provider.TurnEvent) {
	switch ev.Type {
	case provider.EventAssistantChunk:
		// Partial output; the timeline carries complete messages only.
	case provider.EventAssistantMessage:
		a.appendEntry(v1.TimelineEntry{Type: v1.EntryAssistantMessage, Text: ev.Text})
	case provider.EventAssistantReasoning:
		a.appendEntry(v1.TimelineEntry{Type: v1.EntryAssistantReasoning, Text: ev.Text})
	case provider.EventToolCall:
		a.appendEntry(v1.TimelineEntry{Type: v1.EntryToolCall, ToolCall: ev.ToolCall})
	case provider.EventToolResult:
		if entry, ok := a.timeline.updateToolCall(ev.ToolCall.CallID, ev.ToolCall.Status, ev.ToolCall.Output); ok {
			a.publishEntry(entry)
			a.archiveEntry(entry)
		} else {
			a.log.Warn("tool result for unknown call", zap.String("call_id", ev.ToolCall.CallID))
		}
	case provider.EventPermissionProbe:
		a.handleProbe(ev.Probe)
	case provider.EventUsage:
		a.turnUsage = ev.Usage
	case provider.EventTurnEnd:
		a.finishTurn(nil)
	case provider.EventError:
		a.finishTurn(ev.Err)
	}
}

// handleProbe either gates the probe on the user or auto-allows it,
// depending on the current mode.
func (a *Agent) handleProbe(probe *provider.PermissionProbe) {
	if probe == nil {
		return
	}
	if !modeGates(a.modeID, probe.Kind) {
		go func(id string) {
			if err := a.client.RespondPermission(context.Background(), id, v1.PermissionDecision{Behavior: v1.PermissionAllow}); err != nil {
				a.log.Warn("auto-allow failed", zap.Error(err))
			}
		}(probe.ID)
		return
	}

	req := v1.PermissionRequest{
		ID:        probe.ID,
		Kind:      probe.Kind,
		Title:     probe.Title,
		Input:     probe.Input,
		Metadata:  probe.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	a.pendingPerms[req.ID] = req
	a.appendEntry(v1.TimelineEntry{
		Type:         v1.EntryPermissionRequest,
		PermissionID: req.ID,
		Permission:   &req,
	})
	a.publishEvent(events.AgentPermissionSubject(a.id), events.PermissionRequested,
		events.PermissionRequestedPayload{AgentID: a.id, Request: req})
}

func (a *Agent) respondPermission(id string, decision v1.PermissionDecision) error {
	if _, ok := a.pendingPerms[id]; !ok {
		prev, resolved := a.resolvedPerms[id]
		switch {
		case resolved && prev == v1.PermissionCancelled:
			// The owning turn was cancelled out from under the client.
			a.log.Warn("permission response for cancelled turn ignored",
				zap.String("permission_id", id))
			return nil
		case resolved && prev == decision.Behavior:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrUnknownPermission, id)
		}
	}

	delete(a.pendingPerms, id)
	a.resolvePermission(id, decision.Behavior)

	go func() {
		if err := a.client.RespondPermission(context.Background(), id, decision); err != nil {
			a.log.Warn("provider permission response failed", zap.Error(err))
		}
	}()
	return nil
}

// resolvePermission records the decision and emits the resolved entry.
func (a *Agent) resolvePermission(id string, behavior v1.PermissionBehavior) {
	a.resolvedPerms[id] = behavior
	a.appendEntry(v1.TimelineEntry{
		Type:         v1.EntryPermissionResolved,
		PermissionID: id,
		Behavior:     behavior,
	})
	a.publishEvent(events.AgentPermissionSubject(a.id), events.PermissionResolved,
		events.PermissionResolvedPayload{AgentID: a.id, RequestID: id, Behavior: behavior})
}

func (a *Agent) setMode(modeID string) error {
	for _, m := range a.modes {
		if m.ID == modeID {
			a.modeID = modeID
			a.notifyUpdate()
			return nil
		}
	}
	// Before the first handshake the mode catalog is unknown; accept
	// optimistically and let the handshake validate.
	if !a.handshaken && len(a.modes) == 0 {
		a.modeID = modeID
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedMode, modeID)
}

func (a *Agent) cancelTurn() error {
	if a.status != v1.AgentStatusRunning || a.turnCh == nil {
		return nil
	}
	a.setStatus(v1.AgentStatusCancelling)
	a.turnCancelled = true

	// Pending gates die with the turn.
	for id := range a.pendingPerms {
		delete(a.pendingPerms, id)
		a.resolvePermission(id, v1.PermissionCancelled)
	}

	go func() {
		if err := a.client.Cancel(context.Background()); err != nil {
			a.log.Warn("provider cancel failed", zap.Error(err))
		}
	}()

	turnID := a.turnID
	time.AfterFunc(a.cancelGrace, func() {
		_ = a.post(context.Background(), cmdForceCancel{turnID: turnID})
	})
	return nil
}

// forceCancel fires when the provider ignored a cooperative cancel for
// the whole grace window.
func (a *Agent) forceCancel(turnID string) {
	if a.turnCh == nil || a.turnID != turnID {
		return
	}
	a.log.Warn("cancel grace expired, terminating turn", zap.String("turn_id", turnID))
	if a.turnCancel != nil {
		a.turnCancel()
	}
	a.appendEntry(v1.TimelineEntry{
		Type:      v1.EntryError,
		Text:      "turn forcibly terminated after cancel timeout",
		TurnID:    turnID,
		RequestID: a.turnRequestID,
	})
	a.handshaken = false // session state after a forced kill is unknown
	go func(c provider.AgentClient) {
		_ = c.Shutdown(context.Background())
	}(a.client)
	a.endTurn()
}

// finishTurn closes out the live turn. err non-nil means the provider
// stream failed; nil means it ended (completed or cooperatively
// cancelled).
func (a *Agent) finishTurn(err error) {
	if a.turnCh == nil {
		return
	}

	for id := range a.pendingPerms {
		delete(a.pendingPerms, id)
		a.resolvePermission(id, v1.PermissionCancelled)
	}

	if err != nil {
		a.lastError = err.Error()
		a.appendEntry(v1.TimelineEntry{
			Type:      v1.EntryError,
			Text:      err.Error(),
			TurnID:    a.turnID,
			RequestID: a.turnRequestID,
		})
		a.endTurn()
		return
	}

	if a.turnUsage != nil {
		a.lastUsage = a.turnUsage
	}
	a.appendEntry(v1.TimelineEntry{
		Type:      v1.EntryTurnCompleted,
		TurnID:    a.turnID,
		RequestID: a.turnRequestID,
		Usage:     a.turnUsage,
	})

	cancelled := a.turnCancelled
	a.refreshPersistence()
	a.endTurn()
	if !cancelled && a.hooks.OnTurnCompleted != nil {
		a.hooks.OnTurnCompleted(a.snapshotLocked())
	}
}

// endTurn resets turn state, returns to idle, and starts the next
// queued input if any.
func (a *Agent) endTurn() {
	if a.turnCancel != nil {
		a.turnCancel()
		a.turnCancel = nil
	}
	a.turnCh = nil
	a.turnID = ""
	a.turnRequestID = ""
	a.turnUsage = nil
	a.turnCancelled = false
	a.setStatus(v1.AgentStatusIdle)
	a.maybeStartTurn()
}

// refreshPersistence pulls the provider's current resume handle.
func (a *Agent) refreshPersistence() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blob, err := a.client.ExportPersistence(ctx)
	if err != nil {
		a.log.Warn("export persistence failed", zap.Error(err))
		return
	}
	a.persistence = blob
}

func (a *Agent) initialize() error {
	if a.handshaking {
		return nil
	}
	if a.status == v1.AgentStatusRunning || a.status == v1.AgentStatusCancelling {
		return ErrBusy
	}
	a.startHandshake()
	return nil
}

func (a *Agent) startHandshake() {
	if a.handshaking {
		return
	}
	a.handshaking = true
	if a.status == v1.AgentStatusError {
		// Re-initialization surfaces the handshake phase again.
		a.setStatus(v1.AgentStatusCreating)
	}

	cwd, resume, modeID := a.cwd, a.persistence, a.modeID
	timeout := a.handshakeTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := a.client.Handshake(ctx, cwd, resume, modeID)
		_ = a.post(context.Background(), cmdHandshakeDone{result: res, err: err})
	}()
}

func (a *Agent) handshakeDone(res *provider.HandshakeResult, err error) {
	a.handshaking = false
	if err != nil {
		a.lastError = err.Error()
		a.log.Error("provider handshake failed", zap.Error(err))
		a.setStatus(v1.AgentStatusError)
		return
	}

	a.handshaken = true
	a.capabilities = res.Capabilities
	a.modes = res.Modes
	a.commands = res.Commands
	if res.CurrentModeID != "" {
		a.modeID = res.CurrentModeID
	}
	if len(res.Persistence) > 0 {
		a.persistence = res.Persistence
	}
	a.lastError = ""
	a.setStatus(v1.AgentStatusIdle)
	a.maybeStartTurn()
}

func (a *Agent) shutdown() {
	if a.turnCancel != nil {
		a.turnCancel()
	}
	for id := range a.pendingPerms {
		delete(a.pendingPerms, id)
		a.resolvedPerms[id] = v1.PermissionCancelled
	}
	if a.handshaken {
		a.refreshPersistence()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Shutdown(ctx); err != nil {
		a.log.Warn("provider shutdown failed", zap.Error(err))
	}
	close(a.done)
}

func (a *Agent) timelineRange(direction v1.TimelineDirection, limit int, cursor int64) timelineRangeResult {
	entries, hasMore := a.timeline.rangeEntries(direction, limit, cursor)

	// Page into the archive when the request reaches past the in-memory
	// window (resumed agents hold only post-resume entries in memory).
	if a.archive != nil && direction == v1.TimelineBackward && len(entries) < limit {
		first := a.timeline.firstSeq()
		if first != 1 {
			boundary := cursor
			if first > 0 && (boundary == 0 || boundary > first) {
				boundary = first
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			older, err := a.archive.Range(ctx, a.id, v1.TimelineBackward, limit-len(entries), boundary)
			if err != nil {
				a.log.Warn("timeline archive read failed", zap.Error(err))
			} else if len(older) > 0 {
				entries = append(older, entries...)
				hasMore = older[0].Seq > 1
			}
		}
	}
	return timelineRangeResult{entries: entries, hasMore: hasMore}
}

func (a *Agent) appendEntry(entry v1.TimelineEntry) {
	stored := a.timeline.append(entry)
	a.lastActivityAt = stored.Timestamp
	a.publishEntry(stored)
	a.archiveEntry(stored)
}

func (a *Agent) archiveEntry(entry v1.TimelineEntry) {
	if a.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.archive.Append(ctx, a.id, entry); err != nil {
		a.log.Warn("timeline archive append failed", zap.Error(err))
	}
}

func (a *Agent) publishEntry(entry v1.TimelineEntry) {
	a.publishEvent(events.AgentStreamSubject(a.id), events.StreamEntryEvent,
		events.StreamPayload{AgentID: a.id, Entry: entry})
}

func (a *Agent) publishEvent(subject, eventType string, payload any) {
	if a.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "agent", payload)
	if err := a.bus.Publish(context.Background(), subject, ev); err != nil {
		a.log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (a *Agent) setStatus(status v1.AgentStatus) {
	if a.status == status {
		return
	}
	a.status = status
	a.notifyUpdate()
}

func (a *Agent) notifyUpdate() {
	if a.hooks.OnUpdate != nil {
		a.hooks.OnUpdate(a.snapshotLocked())
	}
}

// snapshotLocked builds the immutable view. Run-loop only.
func (a *Agent) snapshotLocked() v1.AgentSnapshot {
	return v1.AgentSnapshot{
		ID:             a.id,
		Provider:       a.provider,
		Cwd:            a.cwd,
		Status:         a.status,
		Title:          a.title,
		CurrentModeID:  a.modeID,
		AvailableModes: append([]v1.Mode(nil), a.modes...),
		Capabilities:   a.capabilities,
		LastActivityAt: a.lastActivityAt,
		LastError:      a.lastError,
		Persistence:    a.persistence,
		LastUsage:      a.lastUsage,
	}
}

// Commands lists the provider's slash commands from the last handshake.
func (a *Agent) Commands(ctx context.Context) []v1.Command {
	reply := make(chan []v1.Command, 1)
	if err := a.post(ctx, cmdCommands{reply: reply}); err != nil {
		return nil
	}
	select {
	case cs := <-reply:
		return cs
	case <-a.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

type cmdCommands struct{ reply chan []v1.Command }

func (cmdCommands) isCommand() {}

type cmdRecordToolCall struct {
	call  v1.ToolCallData
	reply chan error
}

func (cmdRecordToolCall) isCommand() {}

// RecordToolCall appends a synthetic tool_call entry, or updates the
// existing one in place when the callId is already on the timeline. The
// manager uses this to surface out-of-band work such as worktree setup.
func (a *Agent) RecordToolCall(ctx context.Context, call v1.ToolCallData) error {
	reply := make(chan error, 1)
	return a.postAndWait(ctx, cmdRecordToolCall{call: call, reply: reply}, reply)
}

// modeGates reports whether the current mode requires a user decision
// for the probe kind. Unknown modes gate everything.
func modeGates(modeID string, kind v1.PermissionKind) bool {
	switch modeID {
	case "full-access":
		return false
	case "auto":
		return kind == v1.PermissionKindWrite || kind == v1.PermissionKindCommand
	default: // read-only and anything unrecognized
		return true
	}
}
