package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func writeResult(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: message}})
}

func testSession() *Session {
	return &Session{UserID: "me", Username: "me", DisplayName: "Me", Token: "tok-me"}
}

// newTestEngine wires an engine to an httptest backend. The engine is not
// started; tests drive poll ticks directly where possible.
func newTestEngine(t *testing.T, handler http.Handler, opts *EngineOptions) (*Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient("tok-me", WithBaseURL(srv.URL), WithTimeout(5*time.Second))
	if opts == nil {
		opts = &EngineOptions{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewEngine(client, testSession(), opts), srv
}

func detailHandler(messages func() []Message, typing func() []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/conversations/conv-1/typing" {
			writeResult(w, TypingData{TypingUsers: typing()})
			return
		}
		writeResult(w, ConversationDetailData{
			Conversation: Conversation{ID: "conv-1", Type: ConversationDirect},
			Messages:     messages(),
			Participants: []UserSummary{{ID: "me"}, {ID: "other"}},
		})
	})
	return mux
}

// ============================================================================
// Poll tick
// ============================================================================

func TestRefreshActive(t *testing.T) {
	t.Run("caches sorted committed messages", func(t *testing.T) {
		sink := &recordingSink{}
		e, _ := newTestEngine(t, detailHandler(func() []Message {
			return []Message{
				msg("m2", "other", "second", "2026-01-01T10:01:00Z"),
				msg("m1", "other", "first", "2026-01-01T10:00:00Z"),
			}
		}, func() []string { return nil }), &EngineOptions{Sink: sink})

		if err := e.refreshActive(context.Background(), "conv-1"); err != nil {
			t.Fatal(err)
		}
		entry, ok := e.Entry("conv-1")
		if !ok {
			t.Fatal("expected cache entry after poll")
		}
		if entry.Messages[0].ID != "m1" || entry.Messages[1].ID != "m2" {
			t.Fatalf("messages not in createdAt order: %+v", entry.Messages)
		}
		for _, m := range entry.Messages {
			if m.State != MessageStateCommitted {
				t.Fatalf("server message %s not marked committed", m.ID)
			}
		}
		if len(entry.Participants) != 2 {
			t.Fatalf("participants not cached: %+v", entry.Participants)
		}
	})

	t.Run("notifies once for new foreign messages", func(t *testing.T) {
		sink := &recordingSink{}
		e, _ := newTestEngine(t, detailHandler(func() []Message {
			return []Message{
				msg("m1", "other", "a", "2026-01-01T10:00:00Z"),
				msg("m2", "other", "b", "2026-01-01T10:01:00Z"),
			}
		}, func() []string { return nil }), &EngineOptions{Sink: sink})

		if err := e.refreshActive(context.Background(), "conv-1"); err != nil {
			t.Fatal(err)
		}
		n, s := sink.snapshot()
		if len(n) != 1 || n[0].Count != 2 {
			t.Fatalf("expected one aggregate notification of 2, got %+v", n)
		}
		if len(s) != 1 || s[0] != SoundNewMessage {
			t.Fatalf("expected one new-message sound, got %v", s)
		}

		// Second identical tick is idempotent.
		if err := e.refreshActive(context.Background(), "conv-1"); err != nil {
			t.Fatal(err)
		}
		n, _ = sink.snapshot()
		if len(n) != 1 {
			t.Fatalf("unchanged poll re-notified: %+v", n)
		}
	})

	t.Run("preserves pending optimistic entries", func(t *testing.T) {
		e, _ := newTestEngine(t, detailHandler(func() []Message {
			return []Message{msg("m1", "other", "a", "2026-01-01T10:00:00Z")}
		}, func() []string { return nil }), nil)

		pending := Message{
			ID:        "local-1-000001",
			SenderID:  "me",
			Content:   "in flight",
			CreatedAt: "2026-01-01T10:05:00Z",
			State:     MessageStatePending,
		}
		e.cache.put("conv-1", []Message{pending}, nil)

		if err := e.refreshActive(context.Background(), "conv-1"); err != nil {
			t.Fatal(err)
		}
		entry, _ := e.Entry("conv-1")
		if len(entry.Messages) != 2 {
			t.Fatalf("pending entry lost across poll: %+v", entry.Messages)
		}
		if entry.Messages[1].ID != "local-1-000001" || entry.Messages[1].State != MessageStatePending {
			t.Fatalf("pending entry corrupted: %+v", entry.Messages[1])
		}
	})

	t.Run("writes under its own id when no longer active", func(t *testing.T) {
		e, _ := newTestEngine(t, detailHandler(func() []Message {
			return []Message{msg("m1", "other", "a", "2026-01-01T10:00:00Z")}
		}, func() []string { return []string{"other"} }), nil)

		var updates int32
		e.On(EventMessagesUpdated, func(event string, payload any) {
			atomic.AddInt32(&updates, 1)
		})

		// conv-1 is polled but the user has moved to conv-2.
		e.mu.Lock()
		e.activeID = "conv-2"
		e.mu.Unlock()

		if err := e.refreshActive(context.Background(), "conv-1"); err != nil {
			t.Fatal(err)
		}
		if _, ok := e.Entry("conv-1"); !ok {
			t.Fatal("late response not cached under its own conversation")
		}
		if _, ok := e.Entry("conv-2"); ok {
			t.Fatal("late response bled into the displayed conversation")
		}
		if atomic.LoadInt32(&updates) != 0 {
			t.Fatal("messages.updated emitted for an inactive conversation")
		}
		if len(e.TypingUsers()) != 0 {
			t.Fatal("typing state overwritten by an inactive conversation's poll")
		}
	})

	t.Run("typing updates for the active conversation", func(t *testing.T) {
		e, _ := newTestEngine(t, detailHandler(func() []Message {
			return nil
		}, func() []string { return []string{"other"} }), nil)

		e.mu.Lock()
		e.activeID = "conv-1"
		e.mu.Unlock()

		if err := e.refreshActive(context.Background(), "conv-1"); err != nil {
			t.Fatal(err)
		}
		users := e.TypingUsers()
		if len(users) != 1 || users[0] != "other" {
			t.Fatalf("typing users not updated: %v", users)
		}
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestEngineLifecycle(t *testing.T) {
	t.Run("poll failures are fail-soft", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			writeFailure(w, http.StatusInternalServerError, "SERVER_ERROR", "boom")
		})
		e, _ := newTestEngine(t, mux, &EngineOptions{
			ListInterval:   10 * time.Millisecond,
			ActiveInterval: 10 * time.Millisecond,
		})

		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		e.SetActiveConversation("conv-1")
		time.Sleep(50 * time.Millisecond)
		e.Stop()
		// Reaching here without panic or deadlock is the assertion; every
		// tick failed and the engine kept running until Stop.
	})

	t.Run("stop is idempotent and start restarts", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/conversations" {
				writeResult(w, ConversationListData{Conversations: []Conversation{{ID: "conv-1", Type: ConversationDirect}}})
				return
			}
			writeResult(w, map[string]bool{"acknowledged": true})
		})
		e, _ := newTestEngine(t, mux, &EngineOptions{ListInterval: 10 * time.Millisecond})

		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return len(e.Conversations()) == 1 })
		e.Stop()
		e.Stop()

		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		e.Stop()
	})

	t.Run("set active on a stopped engine is inert", func(t *testing.T) {
		e, _ := newTestEngine(t, http.NewServeMux(), nil)
		e.SetActiveConversation("conv-1")
		if e.ActiveConversation() != "conv-1" {
			t.Fatal("active id not recorded")
		}
		// No timers started; nothing to stop.
	})

	t.Run("active id set before start is polled", func(t *testing.T) {
		polls, handler := countingBackend()
		e, _ := newTestEngine(t, handler, &EngineOptions{
			ListInterval:   time.Hour,
			ActiveInterval: 10 * time.Millisecond,
		})

		e.SetActiveConversation("conv-1")
		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer e.Stop()

		waitFor(t, func() bool { return atomic.LoadInt32(polls) > 0 })
	})

	t.Run("active polling resumes after restart", func(t *testing.T) {
		polls, handler := countingBackend()
		e, _ := newTestEngine(t, handler, &EngineOptions{
			ListInterval:   time.Hour,
			ActiveInterval: 10 * time.Millisecond,
		})

		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		e.SetActiveConversation("conv-1")
		waitFor(t, func() bool { return atomic.LoadInt32(polls) > 0 })
		e.Stop()

		before := atomic.LoadInt32(polls)
		if err := e.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer e.Stop()

		if e.ActiveConversation() != "conv-1" {
			t.Fatal("active id lost across restart")
		}
		waitFor(t, func() bool { return atomic.LoadInt32(polls) > before })
	})
}

// countingBackend serves the full poll contract and counts detail fetches of
// conv-1.
func countingBackend() (*int32, http.Handler) {
	var polls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/conv-1":
			atomic.AddInt32(&polls, 1)
			writeResult(w, ConversationDetailData{
				Conversation: Conversation{ID: "conv-1", Type: ConversationDirect},
			})
		case "/api/conversations/conv-1/typing":
			writeResult(w, TypingData{})
		case "/api/conversations":
			writeResult(w, ConversationListData{})
		default:
			writeResult(w, map[string]bool{"acknowledged": true})
		}
	})
	return &polls, handler
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ============================================================================
// Conversation list
// ============================================================================

func TestCreateConversation(t *testing.T) {
	conv := Conversation{ID: "conv-9", Type: ConversationDirect, ParticipantIDs: []string{"me", "bob"}}

	newEngineWithCreate := func(t *testing.T, isExisting bool) *Engine {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, CreateConversationData{Conversation: conv, IsExisting: isExisting})
		})
		e, _ := newTestEngine(t, mux, nil)
		return e
	}

	t.Run("new conversation is prepended", func(t *testing.T) {
		e := newEngineWithCreate(t, false)
		e.mu.Lock()
		e.conversations = []Conversation{{ID: "conv-old"}}
		e.mu.Unlock()

		data, err := e.CreateConversation(context.Background(), &CreateConversationOptions{ParticipantIDs: []string{"bob"}})
		if err != nil {
			t.Fatal(err)
		}
		if data.IsExisting {
			t.Fatal("expected a fresh conversation")
		}
		list := e.Conversations()
		if len(list) != 2 || list[0].ID != "conv-9" {
			t.Fatalf("new conversation not prepended: %+v", list)
		}
	})

	t.Run("deduplicated conversation is not inserted twice", func(t *testing.T) {
		e := newEngineWithCreate(t, true)
		e.mu.Lock()
		e.conversations = []Conversation{conv}
		e.mu.Unlock()

		data, err := e.CreateConversation(context.Background(), &CreateConversationOptions{ParticipantIDs: []string{"bob"}})
		if err != nil {
			t.Fatal(err)
		}
		if !data.IsExisting {
			t.Fatal("expected dedup flag")
		}
		if len(e.Conversations()) != 1 {
			t.Fatalf("existing conversation duplicated: %+v", e.Conversations())
		}
	})

	t.Run("existing but unknown locally is added", func(t *testing.T) {
		e := newEngineWithCreate(t, true)
		if _, err := e.CreateConversation(context.Background(), &CreateConversationOptions{ParticipantIDs: []string{"bob"}}); err != nil {
			t.Fatal(err)
		}
		if len(e.Conversations()) != 1 {
			t.Fatalf("dedup result missing from the list: %+v", e.Conversations())
		}
	})
}

// ============================================================================
// Typing reports
// ============================================================================

func TestSetTyping(t *testing.T) {
	t.Run("requires an active conversation", func(t *testing.T) {
		e, _ := newTestEngine(t, http.NewServeMux(), nil)
		if err := e.SetTyping(context.Background(), true); err != ErrNoConversation {
			t.Fatalf("expected ErrNoConversation, got %v", err)
		}
	})

	t.Run("start reports are rate limited, stops pass through", func(t *testing.T) {
		var posts int32
		mux := http.NewServeMux()
		mux.HandleFunc("/api/conversations/conv-1/typing", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&posts, 1)
			writeResult(w, map[string]bool{"acknowledged": true})
		})
		e, _ := newTestEngine(t, mux, nil)
		e.SetActiveConversation("conv-1")

		// Burst allows two immediate starts; the rest drop silently.
		for i := 0; i < 5; i++ {
			if err := e.SetTyping(context.Background(), true); err != nil {
				t.Fatal(err)
			}
		}
		if got := atomic.LoadInt32(&posts); got != 2 {
			t.Fatalf("expected 2 rate-limited start reports, got %d", got)
		}

		if err := e.SetTyping(context.Background(), false); err != nil {
			t.Fatal(err)
		}
		if got := atomic.LoadInt32(&posts); got != 3 {
			t.Fatalf("stop report was limited: %d posts", got)
		}
	})
}

// ============================================================================
// Events
// ============================================================================

func TestEventEmitter(t *testing.T) {
	t.Run("panicking handler does not break others", func(t *testing.T) {
		var em eventEmitter
		called := false
		em.On("x", func(event string, payload any) { panic("bad handler") })
		em.On("x", func(event string, payload any) { called = true })
		em.emit("x", nil)
		if !called {
			t.Fatal("second handler skipped after panic")
		}
	})

	t.Run("removeAll clears listeners", func(t *testing.T) {
		var em eventEmitter
		called := false
		em.On("x", func(event string, payload any) { called = true })
		em.removeAll()
		em.emit("x", nil)
		if called {
			t.Fatal("listener fired after removeAll")
		}
	})
}
