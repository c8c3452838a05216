// Package devserver is a self-contained local backend implementing the
// request/response contract the relay sync engine consumes. It exists for
// development and integration testing only: a sqlite-backed stand-in, not
// the production service.
package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	relay "github.com/relay-im/relay-go"
)

// Server implements http.Handler over the dev store.
type Server struct {
	store  *store
	router *mux.Router
	logger *slog.Logger
}

// New opens (or creates) the sqlite database at path and returns a ready
// server. Use ":memory:" for throwaway instances.
func New(path string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}
	s := &Server{store: st, logger: logger}
	s.routes()
	return s, nil
}

// Close releases the underlying database.
func (s *Server) Close() error {
	return s.store.close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Seed inserts users so a fresh database has someone to talk to.
func (s *Server) Seed(users []relay.UserSummary) error {
	for _, u := range users {
		if err := s.store.upsertUser(u); err != nil {
			return seedError(u.ID, err)
		}
	}
	return nil
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			s.logger.Debug("incoming_request", "method", req.Method, "path", req.URL.Path)
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/api/conversations", s.handleListConversations).Methods("GET")
	r.HandleFunc("/api/conversations", s.handleCreateConversation).Methods("POST")
	r.HandleFunc("/api/conversations/{id}", s.handleGetConversation).Methods("GET")
	r.HandleFunc("/api/conversations/{id}/messages", s.handleSendMessage).Methods("POST")
	r.HandleFunc("/api/conversations/{id}/typing", s.handleGetTyping).Methods("GET")
	r.HandleFunc("/api/conversations/{id}/typing", s.handleSetTyping).Methods("POST")
	r.HandleFunc("/api/users", s.handleListUsers).Methods("GET")
	r.HandleFunc("/api/presence", s.handleGetPresence).Methods("GET")
	r.HandleFunc("/api/presence", s.handleReportPresence).Methods("POST")
	s.router = r
}

// ── Envelope helpers ─────────────────────────────────────

func writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	raw, err := json.Marshal(data)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	json.NewEncoder(w).Encode(relay.Result{OK: true, Data: raw})
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(relay.Result{OK: false, Error: &relay.APIError{Code: code, Message: message}})
}

// userID resolves the caller from the bearer token. The dev server treats
// the token itself as the user id; registering the user on first sight
// keeps seeding optional.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if !strings.HasPrefix(auth, "Bearer ") || token == "" {
		writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return "", false
	}
	u, err := s.store.getUser(token)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return "", false
	}
	if u == nil {
		if err := s.store.upsertUser(relay.UserSummary{ID: token, DisplayName: token, Role: "member"}); err != nil {
			writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
			return "", false
		}
	}
	return token, true
}

// ── Conversations ────────────────────────────────────────

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	convs, err := s.store.listConversations(userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	if convs == nil {
		convs = []relay.Conversation{}
	}
	writeOK(w, relay.ConversationListData{Conversations: convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	conv, err := s.store.getConversation(id, userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	if conv == nil {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "conversation not found")
		return
	}
	msgs, err := s.store.listMessages(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	parts, err := s.store.participants(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	if msgs == nil {
		msgs = []relay.Message{}
	}
	if parts == nil {
		parts = []relay.UserSummary{}
	}
	writeOK(w, relay.ConversationDetailData{Conversation: *conv, Messages: msgs, Participants: parts})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req relay.CreateConversationOptions
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if len(req.ParticipantIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "INVALID_INPUT", "participantIds are required")
		return
	}
	if req.Type == "" {
		req.Type = relay.ConversationDirect
	}

	members := append([]string{userID}, req.ParticipantIDs...)

	// Direct pairs are deduplicated: creating the same pair twice returns
	// the existing conversation flagged isExisting.
	if req.Type == relay.ConversationDirect && len(req.ParticipantIDs) == 1 {
		existing, err := s.store.findDirect(userID, req.ParticipantIDs[0])
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
			return
		}
		if existing != "" {
			conv, err := s.store.getConversation(existing, userID)
			if err != nil || conv == nil {
				writeErr(w, http.StatusInternalServerError, "STORE_FAILED", "failed to load existing conversation")
				return
			}
			writeOK(w, relay.CreateConversationData{Conversation: *conv, IsExisting: true})
			return
		}
	}

	id, err := s.store.createConversation(req.Title, req.Type, members)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	conv, err := s.store.getConversation(id, userID)
	if err != nil || conv == nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", "failed to load created conversation")
		return
	}
	writeOK(w, relay.CreateConversationData{Conversation: *conv, IsExisting: false})
}

// ── Messages ─────────────────────────────────────────────

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeErr(w, http.StatusBadRequest, "INVALID_INPUT", "content is required")
		return
	}
	conv, err := s.store.getConversation(id, userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	if conv == nil {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "conversation not found")
		return
	}
	msg, err := s.store.insertMessage(id, userID, req.Content, req.Type)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeOK(w, relay.SendMessageData{Message: *msg})
}

// ── Typing ───────────────────────────────────────────────

func (s *Server) handleSetTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	var req struct {
		IsTyping bool `json:"isTyping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if err := s.store.setTyping(id, userID, req.IsTyping); err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeOK(w, map[string]bool{"acknowledged": true})
}

func (s *Server) handleGetTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	users, err := s.store.typingUsers(id, userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeOK(w, relay.TypingData{TypingUsers: users})
}

// ── Users ────────────────────────────────────────────────

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.userID(w, r); !ok {
		return
	}
	users, err := s.store.listUsers(r.URL.Query().Get("role"), r.URL.Query().Get("search"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	if users == nil {
		users = []relay.UserSummary{}
	}
	grouped := map[string][]relay.UserSummary{}
	for _, u := range users {
		role := u.Role
		if role == "" {
			role = "member"
		}
		grouped[role] = append(grouped[role], u)
	}
	writeOK(w, relay.UserListData{Users: users, GroupedUsers: grouped})
}

// ── Presence ─────────────────────────────────────────────

func (s *Server) handleReportPresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	switch req.Status {
	case "online", "away", "offline":
	default:
		writeErr(w, http.StatusBadRequest, "INVALID_INPUT", "status must be online, away, or offline")
		return
	}
	if err := s.store.reportPresence(userID, req.Status, req.Timestamp); err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeOK(w, map[string]bool{"acknowledged": true})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	online, lastSeen, err := s.store.presenceSnapshot()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeOK(w, relay.PresenceData{OnlineUsers: online, LastSeen: lastSeen})
}
