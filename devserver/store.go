package devserver

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	relay "github.com/relay-im/relay-go"
)

// store wraps the sqlite database backing the dev server. Use ":memory:"
// as the path for throwaway instances in tests.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time; keep a single connection so the
	// in-memory database is shared across handler goroutines too.
	db.SetMaxOpenConns(1)

	s := &store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar TEXT DEFAULT '',
		role TEXT DEFAULT 'member'
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT DEFAULT '',
		type TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (conversation_id, user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT DEFAULT 'text',
		created_at TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE TABLE IF NOT EXISTS typing (
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS presence (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_seen TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(tables)
	return err
}

func newID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

func nowWire() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ── Users ────────────────────────────────────────────────

func (s *store) upsertUser(u relay.UserSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, display_name, avatar, role) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name,
			avatar=excluded.avatar, role=excluded.role`,
		u.ID, u.DisplayName, u.Avatar, u.Role)
	return err
}

func (s *store) getUser(id string) (*relay.UserSummary, error) {
	var u relay.UserSummary
	err := s.db.QueryRow(`SELECT id, display_name, avatar, role FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.Avatar, &u.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *store) listUsers(role, search string) ([]relay.UserSummary, error) {
	query := `SELECT id, display_name, avatar, role FROM users WHERE 1=1`
	args := []interface{}{}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	if search != "" {
		query += ` AND display_name LIKE ?`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY display_name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []relay.UserSummary
	for rows.Next() {
		var u relay.UserSummary
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Avatar, &u.Role); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ── Conversations ────────────────────────────────────────

func (s *store) listConversations(userID string) ([]relay.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.title, c.type, c.updated_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []relay.Conversation
	for rows.Next() {
		var c relay.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Type, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		ids, err := s.participantIDs(convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].ParticipantIDs = ids
		if convs[i].Type == relay.ConversationDirect {
			for _, id := range ids {
				if id != userID {
					convs[i].OtherParticipantID = id
					break
				}
			}
		}
	}
	return convs, nil
}

func (s *store) getConversation(id, userID string) (*relay.Conversation, error) {
	var c relay.Conversation
	err := s.db.QueryRow(`SELECT id, title, type, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.Type, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids, err := s.participantIDs(id)
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = ids
	if c.Type == relay.ConversationDirect {
		for _, pid := range ids {
			if pid != userID {
				c.OtherParticipantID = pid
				break
			}
		}
	}
	return &c, nil
}

func (s *store) participantIDs(conversationID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *store) participants(conversationID string) ([]relay.UserSummary, error) {
	rows, err := s.db.Query(`
		SELECT u.id, u.display_name, u.avatar, u.role
		FROM users u JOIN participants p ON p.user_id = u.id
		WHERE p.conversation_id = ?
		ORDER BY u.id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []relay.UserSummary
	for rows.Next() {
		var u relay.UserSummary
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Avatar, &u.Role); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// findDirect returns an existing direct conversation containing exactly the
// given pair, for create-conversation dedup.
func (s *store) findDirect(a, b string) (string, error) {
	rows, err := s.db.Query(`
		SELECT c.id FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE c.type = 'direct' AND p.user_id IN (?, ?)
		GROUP BY c.id HAVING COUNT(DISTINCT p.user_id) = 2`, a, b)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", rows.Err()
}

func (s *store) createConversation(title string, ctype relay.ConversationType, participantIDs []string) (string, error) {
	id := newID("conv")
	now := nowWire()
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO conversations (id, title, type, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, string(ctype), now); err != nil {
		return "", err
	}
	seen := map[string]bool{}
	sorted := append([]string{}, participantIDs...)
	sort.Strings(sorted)
	for _, uid := range sorted {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		if _, err := tx.Exec(`INSERT INTO participants (conversation_id, user_id) VALUES (?, ?)`, id, uid); err != nil {
			return "", err
		}
	}
	return id, tx.Commit()
}

// ── Messages ─────────────────────────────────────────────

func (s *store) listMessages(conversationID string) ([]relay.Message, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.created_at,
		       u.id, u.display_name, u.avatar, u.role
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []relay.Message
	for rows.Next() {
		var m relay.Message
		var sid, sname, savatar, srole sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.CreatedAt,
			&sid, &sname, &savatar, &srole); err != nil {
			return nil, err
		}
		if sid.Valid {
			m.Sender = &relay.UserSummary{
				ID: sid.String, DisplayName: sname.String,
				Avatar: savatar.String, Role: srole.String,
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *store) insertMessage(conversationID, senderID, content, msgType string) (*relay.Message, error) {
	if msgType == "" {
		msgType = "text"
	}
	m := relay.Message{
		ID:             newID("msg"),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           msgType,
		CreatedAt:      nowWire(),
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO messages (id, conversation_id, sender_id, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, m.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, m.CreatedAt, conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if sender, err := s.getUser(senderID); err == nil && sender != nil {
		m.Sender = sender
	}
	return &m, nil
}

// ── Typing ───────────────────────────────────────────────

const typingTTL = 10 * time.Second

func (s *store) setTyping(conversationID, userID string, isTyping bool) error {
	if !isTyping {
		_, err := s.db.Exec(`DELETE FROM typing WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO typing (conversation_id, user_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET updated_at=excluded.updated_at`,
		conversationID, userID, nowWire())
	return err
}

// typingUsers returns users whose typing entry is fresher than the TTL,
// excluding the asking user.
func (s *store) typingUsers(conversationID, excludeUserID string) ([]string, error) {
	cutoff := time.Now().UTC().Add(-typingTTL).Format(time.RFC3339Nano)
	rows, err := s.db.Query(`
		SELECT user_id FROM typing
		WHERE conversation_id = ? AND user_id != ? AND updated_at > ?
		ORDER BY user_id`, conversationID, excludeUserID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── Presence ─────────────────────────────────────────────

const onlineWindow = 60 * time.Second

func (s *store) reportPresence(userID, status, timestamp string) error {
	if timestamp == "" {
		timestamp = nowWire()
	}
	_, err := s.db.Exec(`
		INSERT INTO presence (user_id, status, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET status=excluded.status, last_seen=excluded.last_seen`,
		userID, status, timestamp)
	return err
}

func (s *store) presenceSnapshot() (online []string, lastSeen map[string]string, err error) {
	rows, err := s.db.Query(`SELECT user_id, status, last_seen FROM presence`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cutoff := time.Now().UTC().Add(-onlineWindow)
	online = []string{}
	lastSeen = map[string]string{}
	for rows.Next() {
		var userID, status, seen string
		if err := rows.Scan(&userID, &status, &seen); err != nil {
			return nil, nil, err
		}
		lastSeen[userID] = seen
		t, terr := time.Parse(time.RFC3339Nano, seen)
		if terr != nil {
			t, terr = time.Parse(time.RFC3339, seen)
		}
		if terr == nil && t.After(cutoff) && status == "online" {
			online = append(online, userID)
		}
	}
	sort.Strings(online)
	return online, lastSeen, rows.Err()
}

// seedError wraps a seed failure with the offending user for diagnostics.
func seedError(userID string, err error) error {
	return fmt.Errorf("seed user %s: %w", userID, err)
}
