package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Presence Heartbeat
// ============================================================================
//
// Independent leaf subsystem: it shares only the current user's identity
// with the rest of the engine. Local status walks Online → Away → Offline;
// Offline is terminal for the session. Remote state is fetched on its own
// timer and fully replaces the previous snapshot (last-write-wins).

// PresenceOptions configures the heartbeat. Zero values pick the defaults
// listed on each field.
type PresenceOptions struct {
	// ReportInterval is the heartbeat period. Default 30s.
	ReportInterval time.Duration
	// FetchInterval is the remote presence fetch period. Default 10s.
	FetchInterval time.Duration
	// OnUpdate is invoked after each successful remote fetch.
	OnUpdate func(PresenceState)
	// Logger receives fail-soft diagnostics. Default slog.Default().
	Logger *slog.Logger
}

func (o *PresenceOptions) defaults() {
	if o.ReportInterval == 0 {
		o.ReportInterval = 30 * time.Second
	}
	if o.FetchInterval == 0 {
		o.FetchInterval = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// PresenceHeartbeat reports local liveness and tracks who is online.
type PresenceHeartbeat struct {
	client   *Client
	session  *Session
	onUpdate func(PresenceState)
	logger   *slog.Logger
	opts     PresenceOptions

	mu      sync.Mutex
	status  PresenceStatus
	state   PresenceState
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPresenceHeartbeat creates a presence heartbeat for the given session.
// opts may be nil for defaults.
func NewPresenceHeartbeat(client *Client, session *Session, opts *PresenceOptions) *PresenceHeartbeat {
	var o PresenceOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &PresenceHeartbeat{
		client:   client,
		session:  session,
		onUpdate: o.OnUpdate,
		logger:   o.Logger,
		opts:     o,
		status:   PresenceOffline,
		state: PresenceState{
			OnlineUserIDs: make(map[string]bool),
			LastSeen:      make(map[string]time.Time),
		},
	}
}

// Start reports Online immediately and begins the heartbeat and remote
// fetch timers. No-op if already running.
func (p *PresenceHeartbeat) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.status = PresenceOnline
	p.mu.Unlock()

	p.loop(runCtx, "presence-report", p.opts.ReportInterval, p.reportCurrent)
	p.loop(runCtx, "presence-fetch", p.opts.FetchInterval, p.fetchRemote)
	return nil
}

// Stop reports Offline and halts both timers. The Offline report goes out
// twice: once over the beacon transport, which can complete even during a
// hard teardown, and once as an ordinary request for the graceful-unmount
// path. Offline is terminal; Start must be called again for a new session.
func (p *PresenceHeartbeat) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.status = PresenceOffline
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.client.Presence.Beacon(PresenceOffline)
	ctx, done := context.WithTimeout(context.Background(), beaconTimeout)
	defer done()
	if err := p.client.Presence.Report(ctx, PresenceOffline); err != nil {
		p.logger.Debug("offline report failed", "error", err)
	}
}

// SetVisible reports the visibility-driven status immediately, without
// waiting for the heartbeat tick: hidden → Away, visible → Online.
func (p *PresenceHeartbeat) SetVisible(ctx context.Context, visible bool) error {
	status := PresenceAway
	if visible {
		status = PresenceOnline
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("presence heartbeat is not running")
	}
	p.status = status
	p.mu.Unlock()
	return p.client.Presence.Report(ctx, status)
}

// Status returns the current local status.
func (p *PresenceHeartbeat) Status() PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IsUserOnline is an O(1) membership query against the last fetched
// snapshot.
func (p *PresenceHeartbeat) IsUserOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.OnlineUserIDs[userID]
}

// LastSeen returns the last-seen timestamp for a user, if known.
func (p *PresenceHeartbeat) LastSeen(userID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.state.LastSeen[userID]
	return t, ok
}

// State returns a copy of the last fetched presence snapshot.
func (p *PresenceHeartbeat) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := PresenceState{
		OnlineUserIDs: make(map[string]bool, len(p.state.OnlineUserIDs)),
		LastSeen:      make(map[string]time.Time, len(p.state.LastSeen)),
	}
	for k, v := range p.state.OnlineUserIDs {
		out.OnlineUserIDs[k] = v
	}
	for k, v := range p.state.LastSeen {
		out.LastSeen[k] = v
	}
	return out
}

// ── Timers ───────────────────────────────────────────────

func (p *PresenceHeartbeat) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		run := func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("presence poll failed", "task", name, "error", err)
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

// reportCurrent re-reports the current status each heartbeat tick so the
// backend's last-seen stays fresh while the session lives. Deliberately the
// current status, not a fixed Online: an Away user must stay Away until a
// visibility change, never flap back Online on the timer.
func (p *PresenceHeartbeat) reportCurrent(ctx context.Context) error {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status == PresenceOffline {
		return nil
	}
	return p.client.Presence.Report(ctx, status)
}

// fetchRemote replaces the whole snapshot with the server's view.
func (p *PresenceHeartbeat) fetchRemote(ctx context.Context) error {
	data, err := p.client.Presence.Get(ctx)
	if err != nil {
		return err
	}

	state := PresenceState{
		OnlineUserIDs: make(map[string]bool, len(data.OnlineUsers)),
		LastSeen:      make(map[string]time.Time, len(data.LastSeen)),
	}
	for _, id := range data.OnlineUsers {
		state.OnlineUserIDs[id] = true
	}
	for id, ts := range data.LastSeen {
		if t := parseWireTime(ts); !t.IsZero() {
			state.LastSeen[id] = t
		}
	}

	p.mu.Lock()
	p.state = state
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(state)
	}
	return nil
}

// ============================================================================
// Last-seen formatting
// ============================================================================

// FormatLastSeen renders a last-seen timestamp as a short relative string,
// falling back to a calendar date past one week. The zero time means the
// user was never seen.
func FormatLastSeen(t time.Time) string {
	return formatLastSeenAt(t, time.Now())
}

func formatLastSeenAt(t, now time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "Just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 2, 2006")
	}
}
