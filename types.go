package relay

import (
	"encoding/json"
	"sort"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Session is the authenticated local identity the engine acts as.
// It is constructed once at login and injected explicitly; nothing in the
// SDK reaches for ambient global user state.
type Session struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
	Token       string `json:"token,omitempty"`
}

// Summary returns the user summary stamped onto optimistic messages.
func (s *Session) Summary() UserSummary {
	return UserSummary{
		ID:          s.UserID,
		DisplayName: s.DisplayName,
		Avatar:      s.Avatar,
		Role:        s.Role,
	}
}

// ============================================================================
// Conversation & Message Types
// ============================================================================

// ConversationType distinguishes direct and group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// UserSummary is the short form of a user attached to messages and
// participant lists.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Conversation is one entry in the conversation list.
type Conversation struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title,omitempty"`
	Type               ConversationType `json:"type"`
	ParticipantIDs     []string         `json:"participantIds"`
	UpdatedAt          string           `json:"updatedAt"`
	OtherParticipantID string           `json:"otherParticipantId,omitempty"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// MessageState tags a cached message as provisional or server-confirmed.
// Pending messages carry a client-generated temporary id in ID; committed
// messages carry the server-assigned id.
type MessageState string

const (
	MessageStatePending   MessageState = "pending"
	MessageStateCommitted MessageState = "committed"
)

// Message is a single chat message. State is local bookkeeping and never
// crosses the wire.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	CreatedAt      string       `json:"createdAt"`
	Sender         *UserSummary `json:"sender,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	State          MessageState `json:"-"`
}

// CacheEntry is the cached view of one conversation: its ordered message
// sequence plus the participant list. Entries are replaced wholesale, never
// patched field-by-field.
type CacheEntry struct {
	Messages     []Message
	Participants []UserSummary
}

// PresenceState is the last fetched remote presence snapshot. Each fetch
// fully replaces the previous snapshot (last-write-wins).
type PresenceState struct {
	OnlineUserIDs map[string]bool
	LastSeen      map[string]time.Time
}

// PresenceStatus is the local liveness status reported to the backend.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ============================================================================
// Wire Envelopes
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ConversationListData is the payload of the conversation-list resource.
type ConversationListData struct {
	Conversations []Conversation `json:"conversations"`
}

// ConversationDetailData is the payload of a single-conversation fetch.
type ConversationDetailData struct {
	Conversation Conversation  `json:"conversation"`
	Messages     []Message     `json:"messages"`
	Participants []UserSummary `json:"participants"`
}

// SendMessageData is the payload of a successful send.
type SendMessageData struct {
	Message Message `json:"message"`
}

// TypingData is the payload of the typing-status resource.
type TypingData struct {
	TypingUsers []string `json:"typingUsers"`
}

// UserListData is the payload of the user directory resource.
type UserListData struct {
	Users        []UserSummary            `json:"users"`
	GroupedUsers map[string][]UserSummary `json:"groupedUsers,omitempty"`
}

// CreateConversationData is the payload of a conversation create call.
// IsExisting means the backend deduplicated: the returned conversation was
// already present and must not be inserted into the list twice.
type CreateConversationData struct {
	Conversation Conversation `json:"conversation"`
	IsExisting   bool         `json:"isExisting"`
}

// PresenceData is the payload of the remote presence resource.
type PresenceData struct {
	OnlineUsers []string          `json:"onlineUsers"`
	LastSeen    map[string]string `json:"lastSeen"`
}

// ============================================================================
// Ordering helpers
// ============================================================================

// parseWireTime parses an ISO-8601 timestamp. A malformed timestamp sorts
// as the zero time so a bad record cannot wedge the ordering.
func parseWireTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// messageLess orders messages by createdAt ascending, ties broken by id
// string comparison for determinism.
func messageLess(a, b Message) bool {
	at, bt := parseWireTime(a.CreatedAt), parseWireTime(b.CreatedAt)
	if at.Equal(bt) {
		return a.ID < b.ID
	}
	return at.Before(bt)
}

// sortMessages sorts a message slice in place into cache order.
func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool { return messageLess(msgs[i], msgs[j]) })
}
