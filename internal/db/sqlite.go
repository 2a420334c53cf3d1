package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/RichardoC/convo/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a referenced conversation does not exist.
var ErrNotFound = errors.New("db: not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS message (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content TEXT NOT NULL,
    role TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    conversation_id INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversation(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_message_conversation_created
    ON message(conversation_id, created_at);`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Database{db: db}, nil
}

// dsn turns a file path into a go-sqlite3 DSN with foreign keys enforced on
// every pooled connection.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	return "file:" + path + "?" + q.Encode()
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *Database) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	if title == "" {
		title = models.DefaultConversationTitle
	}
	query := `
        INSERT INTO conversation (title, created_at)
        VALUES (?, ?)
        RETURNING id`

	conv := &models.Conversation{Title: title, CreatedAt: now()}
	if err := db.db.QueryRowContext(ctx, query, conv.Title, conv.CreatedAt).Scan(&conv.ID); err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	return conv, nil
}

func (db *Database) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	query := `
        SELECT id, title, created_at
        FROM conversation
        WHERE id = ?`

	var conv models.Conversation
	err := db.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting conversation %d: %w", id, err)
	}
	return &conv, nil
}

func (db *Database) ListConversations(ctx context.Context, offset, limit int) ([]models.Conversation, error) {
	query := `
        SELECT id, title, created_at
        FROM conversation
        ORDER BY id ASC
        LIMIT ? OFFSET ?`

	rows, err := db.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return []models.Conversation{}, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt); err != nil {
			return []models.Conversation{}, fmt.Errorf("scanning conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// DeleteConversation removes the conversation and every message it owns.
func (db *Database) DeleteConversation(ctx context.Context, id int64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM message WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("deleting messages of conversation %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting conversation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// SaveMessage inserts msg, filling in its id and creation time.
func (db *Database) SaveMessage(ctx context.Context, msg *models.Message) error {
	query := `
        INSERT INTO message (content, role, created_at, conversation_id)
        VALUES (?, ?, ?, ?)
        RETURNING id`

	createdAt := now()
	if err := db.db.QueryRowContext(ctx, query, msg.Content, msg.Role, createdAt, msg.ConvID).Scan(&msg.ID); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	msg.CreatedAt = createdAt
	return nil
}

// ListMessages returns the transcript of a conversation, oldest first.
func (db *Database) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	query := `
        SELECT id, conversation_id, role, content, created_at
        FROM message
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC`

	rows, err := db.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return []models.Message{}, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return []models.Message{}, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

var now = func() time.Time {
	return time.Now().UTC()
}
