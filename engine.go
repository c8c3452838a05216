package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Events
// ============================================================================

const (
	EventConversationsUpdated = "conversations.updated"
	EventMessagesUpdated      = "messages.updated"
	EventTypingUpdated        = "typing.updated"
	EventPresenceUpdated      = "presence.updated"
	EventMessageLocal         = "message.local"
	EventMessageConfirmed     = "message.confirmed"
	EventMessageFailed        = "message.failed"
)

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

type eventEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func (e *eventEmitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *eventEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *eventEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Synchronizer
// ============================================================================

// Synchronizer is the transport-agnostic face of the sync engine. The
// polling Engine is the only implementation today; a streaming transport
// can replace it without touching the cache or reconciliation logic.
type Synchronizer interface {
	Start(ctx context.Context) error
	Stop()
	SetActiveConversation(conversationID string)
	ActiveConversation() string
}

// ============================================================================
// Engine Options
// ============================================================================

// EngineOptions configures the sync engine. Zero values pick the defaults
// listed on each field.
type EngineOptions struct {
	// ListInterval is the conversation-list refresh period. Default 30s.
	ListInterval time.Duration
	// ActiveInterval is the active-conversation message+typing refresh
	// period. Default 5s.
	ActiveInterval time.Duration
	// PresenceReportInterval is the presence heartbeat period. Default 30s.
	PresenceReportInterval time.Duration
	// PresenceFetchInterval is the remote presence fetch period. Default 10s.
	PresenceFetchInterval time.Duration
	// TypingReportRate bounds outgoing typing reports. Default 1/s, burst 2.
	TypingReportRate rate.Limit
	// Sink receives notification and sound side effects. Default no-op.
	Sink NotificationSink
	// Logger receives fail-soft poll diagnostics. Default slog.Default().
	Logger *slog.Logger
}

func (o *EngineOptions) defaults() {
	if o.ListInterval == 0 {
		o.ListInterval = 30 * time.Second
	}
	if o.ActiveInterval == 0 {
		o.ActiveInterval = 5 * time.Second
	}
	if o.PresenceReportInterval == 0 {
		o.PresenceReportInterval = 30 * time.Second
	}
	if o.PresenceFetchInterval == 0 {
		o.PresenceFetchInterval = 10 * time.Second
	}
	if o.TypingReportRate == 0 {
		o.TypingReportRate = rate.Limit(1)
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the polling Synchronizer. It owns four independently scheduled
// recurring tasks — conversation list, active-conversation messages+typing,
// presence report, presence fetch — each re-armed after its work completes
// so slow networks never stack overlapping calls.
type Engine struct {
	eventEmitter

	client     *Client
	session    *Session
	cache      *conversationCache
	dispatcher *notificationDispatcher
	presence   *PresenceHeartbeat
	sink       NotificationSink
	logger     *slog.Logger
	opts       EngineOptions

	typingLimiter *rate.Limiter

	mu            sync.Mutex
	running       bool
	runCtx        context.Context
	cancel        context.CancelFunc
	activeID      string
	activeCancel  context.CancelFunc
	conversations []Conversation
	typingUsers   []string
	wg            sync.WaitGroup
}

// NewEngine creates a sync engine bound to an explicit session. opts may be
// nil for defaults.
func NewEngine(client *Client, session *Session, opts *EngineOptions) *Engine {
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	e := &Engine{
		client:        client,
		session:       session,
		cache:         newConversationCache(),
		sink:          o.Sink,
		logger:        o.Logger,
		opts:          o,
		typingLimiter: rate.NewLimiter(o.TypingReportRate, 2),
	}
	e.dispatcher = &notificationDispatcher{selfID: session.UserID, sink: o.Sink}
	e.presence = NewPresenceHeartbeat(client, session, &PresenceOptions{
		ReportInterval: o.PresenceReportInterval,
		FetchInterval:  o.PresenceFetchInterval,
		Logger:         o.Logger,
		OnUpdate: func(state PresenceState) {
			e.emit(EventPresenceUpdated, state)
		},
	})
	return e
}

// PresenceHeartbeat returns the presence subsystem, for visibility hooks and
// last-seen queries.
func (e *Engine) PresenceHeartbeat() *PresenceHeartbeat {
	return e.presence
}

// Start launches the background timers. It is a no-op if already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.runCtx = runCtx
	e.cancel = cancel
	// The active loop follows (running, activeID) state, not call order: an
	// id set before Start, or surviving a Stop/Start cycle, is polled too.
	if e.activeID != "" {
		e.armActiveLocked(e.activeID)
	}
	e.mu.Unlock()

	e.runTask(runCtx, "conversation-list", e.opts.ListInterval, e.refreshConversations)
	if err := e.presence.Start(runCtx); err != nil {
		e.logger.Warn("presence start failed", "error", err)
	}
	return nil
}

// Stop tears down all timers. No timer fires after Stop returns; the
// presence subsystem reports Offline on the way out.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.activeCancel != nil {
		e.activeCancel()
		e.activeCancel = nil
	}
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	e.presence.Stop()
	cancel()
	e.wg.Wait()
}

// Reset drops all cached state. Intended for application-level resets such
// as logout; the process-lifetime cache is otherwise never cleared.
func (e *Engine) Reset() {
	e.cache.reset()
}

// runTask runs fn immediately, then re-arms a timer after each completion.
// Re-arm-after-completion (rather than fixed-rate ticking) guarantees two
// executions of the same task never overlap under a slow network.
func (e *Engine) runTask(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		run := func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				// Fail-soft: log and wait for the next tick. No backoff —
				// fixed-interval retry is the documented tradeoff.
				e.logger.Warn("background poll failed", "task", name, "error", err)
			}
		}

		run()
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				run()
				timer.Reset(interval)
			}
		}
	}()
}

// ============================================================================
// Active conversation
// ============================================================================

// SetActiveConversation switches the conversation the 5s message+typing
// refresh is scoped to. The previous conversation's timer is cancelled; a
// cached entry for the new conversation renders immediately via Entry while
// the first refresh runs in the background. Pass "" to deactivate.
func (e *Engine) SetActiveConversation(conversationID string) {
	e.mu.Lock()
	if e.activeID == conversationID {
		e.mu.Unlock()
		return
	}
	if e.activeCancel != nil {
		e.activeCancel()
		e.activeCancel = nil
	}
	e.activeID = conversationID
	e.typingUsers = nil
	if conversationID != "" && e.running {
		e.armActiveLocked(conversationID)
	}
	e.mu.Unlock()
}

// armActiveLocked starts the message+typing loop for a conversation. The
// caller holds e.mu with the engine running and any previous loop cancelled.
func (e *Engine) armActiveLocked(conversationID string) {
	actx, cancel := context.WithCancel(e.runCtx)
	e.activeCancel = cancel

	// The task closes over the id it was started for. A response still in
	// flight when the user moves on is written to the cache under that id,
	// never under whichever conversation is displayed by then.
	id := conversationID
	e.runTask(actx, "active-conversation", e.opts.ActiveInterval, func(ctx context.Context) error {
		return e.refreshActive(ctx, id)
	})
}

// ActiveConversation returns the currently active conversation id.
func (e *Engine) ActiveConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID
}

func (e *Engine) isActive(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID == conversationID
}

// ============================================================================
// Poll tasks
// ============================================================================

func (e *Engine) refreshConversations(ctx context.Context) error {
	data, err := e.client.Conversations.List(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conversations = data.Conversations
	e.mu.Unlock()
	e.emit(EventConversationsUpdated, data.Conversations)
	return nil
}

// refreshActive performs one message+typing poll tick for a conversation.
// The fetch sequence allocated before the request lets putIfNewer discard a
// slow response that would otherwise overwrite fresher data.
func (e *Engine) refreshActive(ctx context.Context, conversationID string) error {
	seq := e.cache.nextSeq(conversationID)

	detail, err := e.client.Conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	idsBefore := e.cache.messageIDs(conversationID)

	// The server sequence is authoritative for confirmed messages. Pending
	// optimistic entries are absent from server responses until committed;
	// they are carried across the replacement untouched and reconciled only
	// by the send path.
	server := make([]Message, len(detail.Messages))
	copy(server, detail.Messages)
	for i := range server {
		server[i].State = MessageStateCommitted
		if server[i].ConversationID == "" {
			server[i].ConversationID = conversationID
		}
	}
	merged := server
	if entry, ok := e.cache.get(conversationID); ok {
		for _, m := range entry.Messages {
			if m.State == MessageStatePending {
				merged = append(merged, m)
			}
		}
	}
	sortMessages(merged)

	if !e.cache.putIfNewer(conversationID, seq, merged, detail.Participants) {
		// A newer poll already landed; this response is stale.
		e.logger.Debug("stale poll discarded", "conversation", conversationID, "seq", seq)
		return nil
	}

	e.dispatcher.dispatch(conversationID, idsBefore, detail.Messages)
	e.emitMessagesUpdated(conversationID)

	// Typing status rides the same tick but only feeds "current" UI state,
	// so a late result for a no-longer-active conversation is dropped.
	typing, err := e.client.Typing.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.activeID == conversationID {
		e.typingUsers = typing
	}
	active := e.activeID == conversationID
	e.mu.Unlock()
	if active {
		e.emit(EventTypingUpdated, typing)
	}
	return nil
}

func (e *Engine) emitMessagesUpdated(conversationID string) {
	if e.isActive(conversationID) {
		e.emit(EventMessagesUpdated, conversationID)
	}
}

// ============================================================================
// Reads
// ============================================================================

// Conversations returns the last fetched conversation list.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conversation, len(e.conversations))
	copy(out, e.conversations)
	return out
}

// Entry returns the cached entry for a conversation. A hit means the UI can
// render instantly with no loading state while a background refresh runs.
func (e *Engine) Entry(conversationID string) (CacheEntry, bool) {
	return e.cache.get(conversationID)
}

// TypingUsers returns the users currently typing in the active conversation.
func (e *Engine) TypingUsers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.typingUsers))
	copy(out, e.typingUsers)
	return out
}

// ============================================================================
// Writes outside the poll cycle
// ============================================================================

// SetTyping reports the local user's typing state for the active
// conversation. Start reports are rate-limited so keystroke-driven callers
// cannot flood the backend; stop reports always go through.
func (e *Engine) SetTyping(ctx context.Context, isTyping bool) error {
	target := e.ActiveConversation()
	if target == "" {
		return ErrNoConversation
	}
	if isTyping && !e.typingLimiter.Allow() {
		return nil
	}
	return e.client.Typing.Set(ctx, target, isTyping)
}

// CreateConversation creates (or finds) a conversation and folds it into
// the cached list. When the backend deduplicated (IsExisting), the existing
// list entry is left alone rather than inserted twice.
func (e *Engine) CreateConversation(ctx context.Context, opts *CreateConversationOptions) (*CreateConversationData, error) {
	data, err := e.client.Conversations.Create(ctx, opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if !data.IsExisting {
		e.conversations = append([]Conversation{data.Conversation}, e.conversations...)
	} else {
		found := false
		for _, c := range e.conversations {
			if c.ID == data.Conversation.ID {
				found = true
				break
			}
		}
		if !found {
			e.conversations = append([]Conversation{data.Conversation}, e.conversations...)
		}
	}
	list := make([]Conversation, len(e.conversations))
	copy(list, e.conversations)
	e.mu.Unlock()

	e.emit(EventConversationsUpdated, list)
	return data, nil
}

// RefreshConversation forces an immediate poll of one conversation, e.g.
// after opening an uncached one. User-initiated, so the error surfaces.
func (e *Engine) RefreshConversation(ctx context.Context, conversationID string) error {
	return e.refreshActive(ctx, conversationID)
}
