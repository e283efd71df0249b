// Package sqlite implements the conversation store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomchat/loom/pkg/domain"
	"github.com/loomchat/loom/pkg/store"
)

// Store implements ConversationStore using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.ConversationStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL DEFAULT '[]',
		seq INTEGER NOT NULL,
		incomplete INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_turn ON messages(turn_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	// Cascade is not always enabled on the connection; delete explicitly.
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=?`, id)
	return err
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, turn_id, role, parts, seq, incomplete, created_at
		 FROM messages WHERE conversation_id=? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var parts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.TurnID, &m.Role, &parts, &m.Seq, &m.Incomplete, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("decode message %s parts: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) AppendTurn(ctx context.Context, conversationID, turnID string, msgs []*domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Idempotency: a turn already committed stays committed as-is.
	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id=? AND turn_id=?`,
		conversationID, turnID,
	).Scan(&existing)
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	var maxSeq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id=?`,
		conversationID,
	).Scan(&maxSeq)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, m := range msgs {
		maxSeq++
		m.ConversationID = conversationID
		m.TurnID = turnID
		m.Seq = maxSeq
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("encode message %s parts: %w", m.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, turn_id, role, parts, seq, incomplete, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.TurnID, m.Role, string(parts), m.Seq, m.Incomplete, m.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at=? WHERE id=?`, now, conversationID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}

	return tx.Commit()
}
