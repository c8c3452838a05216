package relay

import (
	"sync"
	"testing"
)

// recordingSink captures every side effect for assertions.
type recordingSink struct {
	mu            sync.Mutex
	notifications []Notification
	sounds        []SoundEffect
}

func (s *recordingSink) Notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
}

func (s *recordingSink) PlaySound(e SoundEffect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sounds = append(s.sounds, e)
}

func (s *recordingSink) snapshot() ([]Notification, []SoundEffect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := make([]Notification, len(s.notifications))
	copy(n, s.notifications)
	e := make([]SoundEffect, len(s.sounds))
	copy(e, s.sounds)
	return n, e
}

func TestNotificationDispatcher(t *testing.T) {
	before := map[string]bool{"m1": true}

	t.Run("single new message from another user", func(t *testing.T) {
		sink := &recordingSink{}
		d := &notificationDispatcher{selfID: "me", sink: sink}
		d.dispatch("conv-1", before, []Message{
			msg("m1", "other", "old", "2026-01-01T10:00:00Z"),
			msg("m2", "other", "new", "2026-01-01T10:01:00Z"),
		})
		n, s := sink.snapshot()
		if len(n) != 1 || n[0].Count != 1 || n[0].ConversationID != "conv-1" {
			t.Fatalf("unexpected notifications: %+v", n)
		}
		if len(s) != 1 || s[0] != SoundNewMessage {
			t.Fatalf("unexpected sounds: %v", s)
		}
	})

	t.Run("batch collapses to one notification and one sound", func(t *testing.T) {
		sink := &recordingSink{}
		d := &notificationDispatcher{selfID: "me", sink: sink}
		d.dispatch("conv-1", before, []Message{
			msg("m1", "other", "old", "2026-01-01T10:00:00Z"),
			msg("m2", "other", "new", "2026-01-01T10:01:00Z"),
			msg("m3", "other", "also new", "2026-01-01T10:02:00Z"),
		})
		n, s := sink.snapshot()
		if len(n) != 1 {
			t.Fatalf("expected exactly one notification, got %d", len(n))
		}
		if n[0].Count != 2 {
			t.Fatalf("expected count 2, got %d", n[0].Count)
		}
		if len(s) != 1 {
			t.Fatalf("expected exactly one sound, got %d", len(s))
		}
	})

	t.Run("own messages are not announced", func(t *testing.T) {
		sink := &recordingSink{}
		d := &notificationDispatcher{selfID: "me", sink: sink}
		d.dispatch("conv-1", before, []Message{
			msg("m1", "other", "old", "2026-01-01T10:00:00Z"),
			msg("m2", "me", "my send came back", "2026-01-01T10:01:00Z"),
		})
		n, s := sink.snapshot()
		if len(n) != 0 || len(s) != 0 {
			t.Fatalf("self message triggered side effects: %v %v", n, s)
		}
	})

	t.Run("mixed senders count only others", func(t *testing.T) {
		sink := &recordingSink{}
		d := &notificationDispatcher{selfID: "me", sink: sink}
		d.dispatch("conv-1", before, []Message{
			msg("m2", "me", "mine", "2026-01-01T10:01:00Z"),
			msg("m3", "other", "theirs", "2026-01-01T10:02:00Z"),
		})
		n, _ := sink.snapshot()
		if len(n) != 1 || n[0].Count != 1 {
			t.Fatalf("expected one notification of count 1, got %+v", n)
		}
	})

	t.Run("no new messages is silent", func(t *testing.T) {
		sink := &recordingSink{}
		d := &notificationDispatcher{selfID: "me", sink: sink}
		d.dispatch("conv-1", before, []Message{
			msg("m1", "other", "old", "2026-01-01T10:00:00Z"),
		})
		n, s := sink.snapshot()
		if len(n) != 0 || len(s) != 0 {
			t.Fatalf("unchanged poll triggered side effects: %v %v", n, s)
		}
	})

	t.Run("repeated identical poll fires once", func(t *testing.T) {
		sink := &recordingSink{}
		d := &notificationDispatcher{selfID: "me", sink: sink}
		server := []Message{
			msg("m1", "other", "old", "2026-01-01T10:00:00Z"),
			msg("m2", "other", "new", "2026-01-01T10:01:00Z"),
		}
		d.dispatch("conv-1", map[string]bool{"m1": true}, server)
		// Next tick the cache already contains m2.
		d.dispatch("conv-1", map[string]bool{"m1": true, "m2": true}, server)
		n, _ := sink.snapshot()
		if len(n) != 1 {
			t.Fatalf("identical poll re-fired: %d notifications", len(n))
		}
	})
}
