package sqlstore

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"

	"github.com/pliu/msgsync/internal/models"
	"github.com/pliu/msgsync/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	now        func() time.Time
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driverName)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s", driverName)
	}
	if driverName == "sqlite3" {
		// one connection keeps a :memory: database alive and serializes writers
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driverName: driverName, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT,
		password TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL REFERENCES users(id),
		recipient_id TEXT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS messages_pair ON messages (sender_id, recipient_id, created_at);

	CREATE TABLE IF NOT EXISTS clears (
		user_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		cleared_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, peer_id)
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, "create tables")
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) CreateUser(acct *store.Account) error {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	query := s.rebind("INSERT INTO users (id, username, display_name, password) VALUES (?, ?, ?, ?)")
	if _, err := s.db.Exec(query, acct.ID, acct.Username, acct.DisplayName, acct.Password); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return errors.Wrap(err, "insert user")
	}
	return nil
}

func (s *SQLStore) getUser(where string, arg interface{}) (*store.Account, error) {
	var acct store.Account
	query := s.rebind("SELECT id, username, COALESCE(display_name, ''), password FROM users WHERE " + where + " = ?")
	err := s.db.QueryRow(query, arg).Scan(&acct.ID, &acct.Username, &acct.DisplayName, &acct.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select user")
	}
	return &acct, nil
}

func (s *SQLStore) GetUserByUsername(username string) (*store.Account, error) {
	return s.getUser("username", username)
}

func (s *SQLStore) GetUserByID(id string) (*store.Account, error) {
	return s.getUser("id", id)
}

func (s *SQLStore) SearchUsers(queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT id, username, COALESCE(display_name, '') FROM users WHERE username LIKE ? ORDER BY username LIMIT 10")
	rows, err := s.db.Query(query, "%"+queryStr+"%")
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.DisplayName); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *SQLStore) SaveMessage(senderID, recipientID, content string) (*models.Message, error) {
	m := &models.Message{
		ID:          uuid.NewString(),
		Content:     content,
		Timestamp:   s.now().UTC(),
		SenderID:    senderID,
		RecipientID: recipientID,
	}
	query := s.rebind("INSERT INTO messages (id, sender_id, recipient_id, content, created_at, is_read) VALUES (?, ?, ?, ?, ?, ?)")
	if _, err := s.db.Exec(query, m.ID, senderID, recipientID, content, m.Timestamp.UnixNano(), false); err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	return m, nil
}

// visibleMessages selects the messages involving userID that were not cleared by userID,
// oldest first. A non-empty peerID narrows the result to that exchange.
func (s *SQLStore) visibleMessages(userID, peerID string) ([]models.Message, error) {
	query := `
		SELECT m.id, m.sender_id, m.recipient_id, m.content, m.created_at, m.is_read
		FROM messages m
		LEFT JOIN clears c ON c.user_id = ?
			AND c.peer_id = CASE WHEN m.sender_id = ? THEN m.recipient_id ELSE m.sender_id END
		WHERE (m.sender_id = ? OR m.recipient_id = ?)
			AND m.created_at > COALESCE(c.cleared_at, 0)`
	args := []interface{}{userID, userID, userID, userID}
	if peerID != "" {
		query += " AND (m.sender_id = ? OR m.recipient_id = ?)"
		args = append(args, peerID, peerID)
	}
	query += " ORDER BY m.created_at ASC"

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var created int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &created, &m.Read); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, created).UTC()
		if peerID != "" && m.PeerOf(userID) != peerID {
			continue
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) GetConversation(userID, peerID string) ([]models.Message, error) {
	return s.visibleMessages(userID, peerID)
}

// GetConversations returns one summary per peer, most recent exchange first.
func (s *SQLStore) GetConversations(userID string) ([]models.ConversationSummary, error) {
	messages, err := s.visibleMessages(userID, "")
	if err != nil {
		return nil, err
	}

	byPeer := make(map[string]*models.ConversationSummary)
	for i := range messages {
		m := messages[i]
		peerID := m.PeerOf(userID)
		sum, ok := byPeer[peerID]
		if !ok {
			sum = &models.ConversationSummary{Peer: models.User{ID: peerID}}
			byPeer[peerID] = sum
		}
		sum.LastMessage = &m
		if m.RecipientID == userID && !m.Read {
			sum.UnreadCount++
		}
	}

	out := make([]models.ConversationSummary, 0, len(byPeer))
	for peerID, sum := range byPeer {
		peer, err := s.GetUserByID(peerID)
		if err != nil {
			return nil, errors.Wrapf(err, "load peer %s", peerID)
		}
		sum.Peer = peer.User
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.Timestamp.After(out[j].LastMessage.Timestamp)
	})
	return out, nil
}

// MarkRead flags every message peerID sent to userID as read and returns how many changed.
func (s *SQLStore) MarkRead(userID, peerID string) (int64, error) {
	query := s.rebind("UPDATE messages SET is_read = TRUE WHERE recipient_id = ? AND sender_id = ? AND is_read = FALSE")
	result, err := s.db.Exec(query, userID, peerID)
	if err != nil {
		return 0, errors.Wrap(err, "mark read")
	}
	return result.RowsAffected()
}

func (s *SQLStore) UnreadCount(userID string) (int, error) {
	messages, err := s.visibleMessages(userID, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range messages {
		if m.RecipientID == userID && !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *SQLStore) DeleteConversation(userID, peerID string) error {
	query := s.rebind(`
		INSERT INTO clears (user_id, peer_id, cleared_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id, peer_id) DO UPDATE SET cleared_at = excluded.cleared_at`)
	if _, err := s.db.Exec(query, userID, peerID, s.now().UnixNano()); err != nil {
		return errors.Wrap(err, "clear conversation")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
