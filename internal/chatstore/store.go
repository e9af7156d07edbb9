// Package chatstore is the relational side of the gateway: users and
// credentials, chat membership, and message persistence. The realtime core
// consumes it only through the narrow collaborator interfaces declared in
// internal/gateway.
package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IngEluckie/tesis-server/internal/event"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrBadCursor is returned when a pagination cursor does not parse.
var ErrBadCursor = errors.New("invalid pagination cursor")

const createdAtLayout = "2006-01-02T15:04:05.000Z"

// User is an account row. PasswordHash is bcrypt.
type User struct {
	ID           int64
	Username     string
	Name         string
	Email        string
	PasswordHash string
}

// ChatSummary is one entry in a user's chat list.
type ChatSummary struct {
	ChatID       int64  `json:"chat_id"`
	IsGroup      bool   `json:"is_group"`
	ChatName     string `json:"chat_name"`
	LastActivity string `json:"last_activity"`
}

// Pagination describes the cursor for older-message paging.
type Pagination struct {
	OlderCursor  string `json:"older_cursor,omitempty"`
	HasMoreOlder bool   `json:"has_more_older"`
}

// Store wraps the Postgres connection.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres through otelsql and pings with retry.
func Open(databaseURL string) (*Store, error) {
	db, err := otelsql.Open("postgres", databaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.Ping(); err == nil {
			break
		}
		slog.Info("Waiting for database", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("Connected to database")
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindUserByUsername loads an account by username.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx,
		`SELECT user_id, username, COALESCE(name, ''), COALESCE(email, ''), password_hash
		 FROM users WHERE username = $1`, username)
}

// FindUserByID loads an account by id.
func (s *Store) FindUserByID(ctx context.Context, userID int64) (*User, error) {
	return s.findUser(ctx,
		`SELECT user_id, username, COALESCE(name, ''), COALESCE(email, ''), password_hash
		 FROM users WHERE user_id = $1`, userID)
}

func (s *Store) findUser(ctx context.Context, query string, arg interface{}) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.Name, &u.Email, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// IsMember reports whether the user belongs to the chat. This is the
// membership authority the realtime core consults before join/send.
func (s *Store) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2 LIMIT 1`,
		chatID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// PersistMessage stores one message, bumps the chat's last_activity, and
// returns the stored row in wire shape.
func (s *Store) PersistMessage(ctx context.Context, chatID, userID int64, content string) (*event.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	defer tx.Rollback()

	var messageID int64
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, user_id, content, created_at)
		 VALUES ($1, $2, $3, NOW())
		 RETURNING message_id, created_at`,
		chatID, userID, content).Scan(&messageID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_activity = NOW() WHERE chat_id = $1`, chatID); err != nil {
		return nil, fmt.Errorf("bump chat activity: %w", err)
	}

	var username string
	if err := tx.QueryRowContext(ctx,
		`SELECT username FROM users WHERE user_id = $1`, userID).Scan(&username); err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	return &event.Message{
		MessageID:      messageID,
		ChatID:         chatID,
		UserID:         userID,
		SenderUsername: username,
		Content:        content,
		CreatedAt:      createdAt.UTC().Format(createdAtLayout),
	}, nil
}

// ChatMessages returns up to limit messages in ascending chronological
// order. olderCursor, when set, pages toward older history; the returned
// cursor is the message id of the oldest message on this page. Paging on the
// id keyset rather than created_at keeps messages sharing a timestamp from
// being skipped across page boundaries.
func (s *Store) ChatMessages(ctx context.Context, chatID int64, limit int, olderCursor string) ([]event.Message, Pagination, error) {
	if limit < 1 {
		limit = 1
	}

	query := `SELECT m.message_id, m.chat_id, m.user_id, u.username, m.content, m.created_at
		 FROM messages m
		 INNER JOIN users u ON u.user_id = m.user_id
		 WHERE m.chat_id = $1`
	args := []interface{}{chatID}
	if olderCursor != "" {
		beforeID, err := strconv.ParseInt(olderCursor, 10, 64)
		if err != nil {
			return nil, Pagination{}, fmt.Errorf("%w: %q", ErrBadCursor, olderCursor)
		}
		query += ` AND m.message_id < $2 ORDER BY m.message_id DESC LIMIT $3`
		args = append(args, beforeID, limit+1)
	} else {
		query += ` ORDER BY m.message_id DESC LIMIT $2`
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("load chat messages: %w", err)
	}
	defer rows.Close()

	var page []event.Message
	for rows.Next() {
		var m event.Message
		var createdAt time.Time
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.UserID, &m.SenderUsername, &m.Content, &createdAt); err != nil {
			return nil, Pagination{}, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = createdAt.UTC().Format(createdAtLayout)
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, Pagination{}, fmt.Errorf("load chat messages: %w", err)
	}

	meta := Pagination{HasMoreOlder: len(page) > limit}
	if meta.HasMoreOlder {
		page = page[:limit]
	}

	// Newest-first query, ascending page.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	if len(page) > 0 {
		meta.OlderCursor = strconv.FormatInt(page[0].MessageID, 10)
	}

	return page, meta, nil
}

// MyChats lists the chats the user belongs to, most recently active first.
// Direct chats are named after the other participant.
func (s *Store) MyChats(ctx context.Context, userID int64, limit, offset int) ([]ChatSummary, error) {
	if limit < 1 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.chat_id, c.is_group,
		        COALESCE(c.last_activity, c.created_at) AS last_activity,
		        CASE WHEN c.is_group THEN COALESCE(c.group_name, 'Group Chat')
		             ELSE COALESCE((
		                 SELECT u.username FROM chat_members cm2
		                 JOIN users u ON u.user_id = cm2.user_id
		                 WHERE cm2.chat_id = c.chat_id AND cm2.user_id <> $1
		                 LIMIT 1), '')
		        END AS chat_name
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.chat_id
		 WHERE cm.user_id = $1
		 ORDER BY last_activity DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []ChatSummary
	for rows.Next() {
		var c ChatSummary
		var lastActivity time.Time
		if err := rows.Scan(&c.ChatID, &c.IsGroup, &lastActivity, &c.ChatName); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.LastActivity = lastActivity.UTC().Format(createdAtLayout)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}
