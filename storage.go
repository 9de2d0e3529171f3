package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Storage persists conversations between runs. Implementations must be
// safe for concurrent use.
type Storage interface {
	// PutConversation replaces the stored copy of a conversation.
	PutConversation(ctx context.Context, conv Conversation) error
	// GetConversation returns nil when the conversation is not stored.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]string, error)
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage backend.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{conversations: make(map[string]Conversation)}
}

func (s *MemoryStorage) PutConversation(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStorage) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	out := cloneConversation(c)
	return &out, nil
}

func (s *MemoryStorage) ListConversations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStorage) Close() error { return nil }

func cloneConversation(c Conversation) Conversation {
	msgs := make([]Message, len(c.Messages))
	for i := range c.Messages {
		msgs[i] = c.Messages[i].clone()
	}
	c.Messages = msgs
	return c
}

// ============================================================================
// SQLiteStorage
// ============================================================================

// SQLiteStorage keeps conversations in a SQLite database file.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens or creates the database at path.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			unread_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			temp_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (conversation_id, position)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_message_id
			ON messages(message_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) PutConversation(ctx context.Context, conv Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return errors.Wrapf(err, "clear conversation %s", conv.ID)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, position, temp_id, message_id, status, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for i, m := range conv.Messages {
		data, err := json.Marshal(m)
		if err != nil {
			return errors.Wrap(err, "marshal message")
		}
		if _, err := stmt.ExecContext(ctx, conv.ID, i, m.TempID, m.ID, string(m.Status), m.CreatedAt.UTC(), string(data)); err != nil {
			return errors.Wrapf(err, "insert message %s", m.Key())
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, unread_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		conv.ID, conv.UnreadCount, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "upsert conversation %s", conv.ID)
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLiteStorage) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT unread_count FROM conversations WHERE id = ?`, id).Scan(&conv.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get conversation %s", id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM messages
		WHERE conversation_id = ?
		ORDER BY position`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get messages of %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		var m Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, errors.Wrap(err, "unmarshal message")
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		conv.LastMessageAt = last.CreatedAt
		conv.LastMessage = last.Key()
	}
	return conv, nil
}

func (s *SQLiteStorage) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate conversations")
}
