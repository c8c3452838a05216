package relay

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ============================================================================
// Optimistic Message Sender
// ============================================================================
//
// A send walks Idle → Pending(tempID) → Committed or RolledBack. The
// provisional message is inserted under a client-generated temporary id,
// rendered immediately, and replaced by the server-confirmed message on
// success or removed without trace on failure. Concurrent sends in the same
// conversation carry independent temp ids; each reconciliation touches only
// its own entry.

// ErrNoConversation is returned by SendMessage when neither an explicit
// conversation id nor an active conversation is available.
var ErrNoConversation = &APIError{Code: "VALIDATION_FAILED", Message: "no conversation selected"}

// ErrEmptyContent is returned by SendMessage for blank content.
var ErrEmptyContent = &APIError{Code: "VALIDATION_FAILED", Message: "message content is required"}

// newTempID generates a temporary message id unique within a session.
// Timestamp plus random suffix; uniqueness, not unpredictability, is the
// requirement.
func newTempID() string {
	return fmt.Sprintf("local-%d-%06d", time.Now().UnixNano(), rand.Intn(1000000))
}

// SendMessage sends content to the given conversation, or to the active one
// when conversationID is empty. The provisional message is visible in the
// cache before this function performs any network I/O; the returned message
// is the server-confirmed one.
func (e *Engine) SendMessage(ctx context.Context, content, conversationID string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	target := conversationID
	if target == "" {
		target = e.ActiveConversation()
	}
	if target == "" {
		return nil, ErrNoConversation
	}

	tempID := newTempID()
	summary := e.session.Summary()
	provisional := Message{
		ID:             tempID,
		ConversationID: target,
		SenderID:       e.session.UserID,
		Content:        content,
		Type:           "text",
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		Sender:         &summary,
		State:          MessageStatePending,
	}

	// Optimistic insert: full resort-and-replace, never an in-place splice,
	// so the createdAt ordering invariant holds for readers.
	e.cache.update(target, func(entry CacheEntry) CacheEntry {
		msgs := append(entry.Messages, provisional)
		sortMessages(msgs)
		entry.Messages = msgs
		return entry
	})
	e.emit(EventMessageLocal, provisional)
	e.emitMessagesUpdated(target)

	confirmed, err := e.client.Messages.Send(ctx, target, content, nil)
	if err != nil {
		// Rollback is the exact inverse of the insert: only this send's
		// temp entry is removed, other pending sends stay untouched.
		e.cache.update(target, func(entry CacheEntry) CacheEntry {
			entry.Messages = withoutMessage(entry.Messages, tempID)
			return entry
		})
		e.sink.PlaySound(SoundSendFailed)
		e.emit(EventMessageFailed, SendFailure{TempID: tempID, ConversationID: target, Err: err})
		e.emitMessagesUpdated(target)
		return nil, fmt.Errorf("send message: %w", err)
	}

	confirmed.State = MessageStateCommitted
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = target
	}
	e.cache.update(target, func(entry CacheEntry) CacheEntry {
		msgs := withoutMessage(entry.Messages, tempID)
		msgs = append(msgs, *confirmed)
		sortMessages(msgs)
		entry.Messages = msgs
		return entry
	})
	e.sink.PlaySound(SoundMessageSent)
	e.emit(EventMessageConfirmed, SendConfirmation{TempID: tempID, Message: *confirmed})
	e.emitMessagesUpdated(target)
	return confirmed, nil
}

// SendFailure is the payload of a message.failed event.
type SendFailure struct {
	TempID         string
	ConversationID string
	Err            error
}

// SendConfirmation is the payload of a message.confirmed event.
type SendConfirmation struct {
	TempID  string
	Message Message
}

// withoutMessage returns msgs minus the entry with the given id.
func withoutMessage(msgs []Message, id string) []Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
