package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/cortexhub/cortex/pkg/bus"
	"github.com/cortexhub/cortex/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	type          TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	correlation_id TEXT,
	timestamp     TEXT NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id);

CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id  TEXT NOT NULL,
	role      TEXT NOT NULL,
	content   TEXT NOT NULL,
	tool_name TEXT,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id);

CREATE TABLE IF NOT EXISTS sessions (
	id       TEXT PRIMARY KEY,
	saved_at TEXT NOT NULL,
	snapshot TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL
);
`

// SQLiteStore persists to a local sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent cycle writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	slog.Info("SQLite store opened", "path", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, event bus.AgentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (type, agent_id, correlation_id, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), event.AgentID, event.CorrelationID,
		event.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"), string(payload))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, agentID string, msg models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (agent_id, role, content, tool_name, timestamp) VALUES (?, ?, ?, ?, ?)`,
		agentID, string(msg.Role), msg.Content, msg.ToolName,
		msg.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, snapshot SessionSnapshot) error {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, saved_at, snapshot) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at, snapshot = excluded.snapshot`,
		snapshot.ID, snapshot.SavedAt.UTC().Format("2006-01-02T15:04:05Z07:00"), string(blob))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*SessionSnapshot, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM sessions WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var snapshot SessionSnapshot
	if err := json.Unmarshal([]byte(blob), &snapshot); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &snapshot, nil
}

func (s *SQLiteStore) SearchNotes(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM notes WHERE content LIKE '%' || ? || '%' ORDER BY id LIMIT ?`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddNote(ctx context.Context, content string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notes (content) VALUES (?)`, content)
	if err != nil {
		return fmt.Errorf("add note: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
