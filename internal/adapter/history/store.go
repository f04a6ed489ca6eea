package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"avachat/internal/domain"
)

// Store persists conversation messages in SQLite so history stays readable
// when the transport is unavailable. Implements domain.HistoryStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.HistoryStore = (*Store)(nil)

// New opens (or creates) the history database at dbPath and runs the
// schema migration.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			turn_id         TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			attachments     TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage upserts a message. Saves are idempotent by message id so a
// streamed assistant message may be re-saved with its final content.
func (s *Store) SaveMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	attJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO conversations (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		conversationID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, turn_id, role, content, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, attachments = excluded.attachments`,
		msg.ID, conversationID, msg.TurnID, msg.Role, msg.Content, string(attJSON),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Messages returns the conversation's messages in chronological order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, role, content, attachments, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			msg       domain.Message
			attJSON   string
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.TurnID, &msg.Role, &msg.Content, &attJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(attJSON), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Sweep deletes messages older than retention, plus conversations left
// empty afterwards. Returns the number of deleted messages.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep messages: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE id NOT IN (SELECT DISTINCT conversation_id FROM messages)`)
	if err != nil {
		return n, fmt.Errorf("sweep conversations: %w", err)
	}

	if n > 0 {
		s.logger.Info("history retention sweep", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
