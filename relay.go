// Package relay provides the official Go SDK for the Relay messaging API.
//
// The backend is plain request/response JSON over HTTP — there is no push
// channel. The SDK layers a polling synchronization engine on top of the raw
// client to give callers the illusion of real-time behavior: a conversation
// cache for instant switching, optimistic local sends reconciled against
// server state, typing indicators, and a presence heartbeat.
//
// Example:
//
//	client := relay.NewClient("rl-token-...", relay.WithBaseURL("https://relay.example.com"))
//	session := &relay.Session{UserID: "u1", DisplayName: "Ada"}
//
//	engine := relay.NewEngine(client, session, nil)
//	engine.Start(ctx)
//	engine.SetActiveConversation("conv-42")
//	engine.SendMessage(ctx, "hello", "")
//	defer engine.Stop()
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://relay.example.com"
	DefaultTimeout = 30 * time.Second

	// beaconTimeout bounds the fire-and-forget presence beacon so teardown
	// never blocks on a slow backend.
	beaconTimeout = 2 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the low-level HTTP client for the Relay API. All methods are
// plain request/response; the Engine adds caching and scheduling on top.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Typing        *TypingClient
	Users         *UsersClient
	Presence      *PresenceClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a new Relay client. token may be empty for backends that
// identify callers by other means.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Typing = &TypingClient{client: c}
	c.Users = &UsersClient{client: c}
	c.Presence = &PresenceClient{client: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return result, result.Error
		}
		return result, &APIError{Code: "REQUEST_FAILED", Message: "request was not successful"}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient handles conversation listing, detail, and creation.
type ConversationsClient struct{ client *Client }

// List returns every conversation the authenticated user belongs to.
func (cv *ConversationsClient) List(ctx context.Context) (*ConversationListData, error) {
	result, err := cv.client.do(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var data ConversationListData
	if err := result.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode conversation list: %w", err)
	}
	return &data, nil
}

// Get returns one conversation with its full message history and
// participant list.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*ConversationDetailData, error) {
	result, err := cv.client.do(ctx, "GET", "/api/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	var data ConversationDetailData
	if err := result.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &data, nil
}

// CreateConversationOptions configures a conversation create call.
type CreateConversationOptions struct {
	ParticipantIDs []string         `json:"participantIds"`
	Title          string           `json:"title,omitempty"`
	Type           ConversationType `json:"type"`
}

// Create creates a conversation, or returns the existing one (IsExisting
// true) when the backend deduplicates a direct pair.
func (cv *ConversationsClient) Create(ctx context.Context, opts *CreateConversationOptions) (*CreateConversationData, error) {
	if opts == nil || len(opts.ParticipantIDs) == 0 {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "participantIds are required"}
	}
	if opts.Type == "" {
		opts.Type = ConversationDirect
	}
	result, err := cv.client.do(ctx, "POST", "/api/conversations", opts, nil)
	if err != nil {
		return nil, err
	}
	var data CreateConversationData
	if err := result.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode create result: %w", err)
	}
	return &data, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message sends.
type MessagesClient struct{ client *Client }

// SendOptions configures an outgoing message.
type SendOptions struct {
	Type string `json:"type,omitempty"`
}

// Send posts a message to a conversation and returns the server-confirmed
// message, with its authoritative id and timestamp.
func (m *MessagesClient) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	payload := map[string]interface{}{"content": content, "type": "text"}
	if opts != nil && opts.Type != "" {
		payload["type"] = opts.Type
	}
	result, err := m.client.do(ctx, "POST", "/api/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	var data SendMessageData
	if err := result.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode send result: %w", err)
	}
	data.Message.State = MessageStateCommitted
	return &data.Message, nil
}

// ============================================================================
// Typing
// ============================================================================

// TypingClient handles typing indicators.
type TypingClient struct{ client *Client }

// Set reports whether the local user is typing in a conversation.
func (t *TypingClient) Set(ctx context.Context, conversationID string, isTyping bool) error {
	_, err := t.client.do(ctx, "POST", "/api/conversations/"+conversationID+"/typing",
		map[string]bool{"isTyping": isTyping}, nil)
	return err
}

// Get returns the ids of users currently typing in a conversation.
func (t *TypingClient) Get(ctx context.Context, conversationID string) ([]string, error) {
	result, err := t.client.do(ctx, "GET", "/api/conversations/"+conversationID+"/typing", nil, nil)
	if err != nil {
		return nil, err
	}
	var data TypingData
	if err := result.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode typing status: %w", err)
	}
	return data.TypingUsers, nil
}

// ============================================================================
// Users
// ============================================================================

// UsersClient handles the user directory.
type UsersClient struct{ client *Client }

// ListUsersOptions filters the user directory.
type ListUsersOptions struct {
	Role   string
	Search string
}

// List returns users, optionally filtered by role or search string, plus
// the role-grouped view some pickers want.
func (u *UsersClient) List(ctx context.Context, opts *ListUsersOptions) (*UserListData, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Role != "" {
			query["role"] = opts.Role
		}
		if opts.Search != "" {
			query["search"] = opts.Search
		}
		if len(query) == 0 {
			query = nil
		}
	}
	result, err := u.client.do(ctx, "GET", "/api/users", nil, query)
	if err != nil {
		return nil, err
	}
	var data UserListData
	if err := result.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode user list: %w", err)
	}
	return &data, nil
}

// ============================================================================
// Presence
// ============================================================================

// PresenceClient handles presence reports and the remote presence snapshot.
type PresenceClient struct{ client *Client }

// Report posts the local user's status with a client timestamp.
func (p *PresenceClient) Report(ctx context.Context, status PresenceStatus) error {
	_, err := p.client.do(ctx, "POST", "/api/presence", map[string]string{
		"status":    string(status),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil)
	return err
}

// Get returns the current remote presence snapshot.
func (p *PresenceClient) Get(ctx context.Context) (*PresenceData, error) {
	result, err := p.client.do(ctx, "GET", "/api/presence", nil, nil)
	if err != nil {
		return nil, err
	}
	var data PresenceData
	if err := result.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode presence: %w", err)
	}
	return &data, nil
}

// Beacon fires a one-way status report that can complete even as the caller
// tears down: its own short deadline, response body discarded, errors
// swallowed. Used for the final Offline report.
func (p *PresenceClient) Beacon(status PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()

	payload := map[string]string{
		"status":    string(status),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.client.baseURL+"/api/presence", bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.client.token)
	}
	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
