// Package history provides SQLite-backed session transcript storage.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message is one recorded transcript entry.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	ID        string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the transcript database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession registers a new session and returns its id.
func (s *Store) StartSession(model string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	now := time.Now()

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, model, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), model, now, now)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id.String(), nil
}

// Record appends a message to a session transcript.
func (s *Store) Record(sessionID, role, content string) error {
	msgID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (id, session_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, msgID.String(), sessionID, role, content, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE sessions SET updated_at = ? WHERE id = ?
	`, now, sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record: no such session %s", sessionID)
	}

	return tx.Commit()
}

// Messages retrieves a session transcript in chronological order.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Sessions lists stored sessions, most recently updated first.
func (s *Store) Sessions() ([]SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, model, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.Model, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}
