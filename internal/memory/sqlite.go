package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/herald-dev/herald/internal/convo"
)

// SQLiteStore implements TurnStore on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ TurnStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the conversation log
// database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL DEFAULT '',
			chat_id       TEXT NOT NULL DEFAULT '',
			session_id    TEXT NOT NULL,
			agent_id      TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			payload       BLOB NOT NULL,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate conversation log: %w", err)
	}
	return nil
}

// Append implements TurnStore. IDs are UUIDv7, so ordering by id within
// a session matches append order.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("append turn: session id is required")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.Truncate(time.Second)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, user_id, chat_id, session_id, agent_id, model, role, created_at, payload, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ChatID, rec.SessionID, rec.AgentID, rec.Model,
		string(rec.Role), rec.Timestamp.Unix(), rec.Payload, rec.InputTokens, rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LatestSessionByUser implements TurnStore.
func (s *SQLiteStore) LatestSessionByUser(ctx context.Context, userID string) ([]Record, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM turns
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, userID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest session for %q: %w", userID, err)
	}
	return s.ReadSession(ctx, sessionID)
}

// ReadSession implements TurnStore.
func (s *SQLiteStore) ReadSession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, session_id, agent_id, model, role, created_at, payload, input_tokens, output_tokens
		FROM turns
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var role string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ChatID, &rec.SessionID, &rec.AgentID,
			&rec.Model, &role, &createdAt, &rec.Payload, &rec.InputTokens, &rec.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		rec.Role = convo.Role(role)
		rec.Timestamp = time.Unix(createdAt, 0)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read session %q: %w", sessionID, err)
	}
	return out, nil
}

// Close implements TurnStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
