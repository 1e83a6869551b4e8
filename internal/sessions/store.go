// Package sessions persists conversations in SQLite. Each session owns an
// ordered message log; structured message bodies are stored as JSON block
// arrays in the content column. Schema upgrades run through PRAGMA
// user_version so old databases migrate in place.
package sessions

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at REAL NOT NULL,
    updated_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at REAL NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`

const currentVersion = 2

// Store is a SQLite-backed session and message log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file (and parent directory) if needed, applies
// the schema, and runs pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite connections do not share in-memory page cache; a single
	// writer connection keeps ordinal assignment race-free.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if _, err := db.Exec(schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}

	if version < 2 {
		stmts := []string{
			"ALTER TABLE sessions ADD COLUMN parent_session_id TEXT DEFAULT NULL",
			"ALTER TABLE sessions ADD COLUMN summary_message_id INTEGER DEFAULT NULL",
			"ALTER TABLE sessions ADD COLUMN total_input_tokens INTEGER DEFAULT 0",
			"ALTER TABLE sessions ADD COLUMN total_output_tokens INTEGER DEFAULT 0",
			"ALTER TABLE messages ADD COLUMN ordinal INTEGER DEFAULT 0",
		}
		for _, stmt := range stmts {
			// Ignore "duplicate column" from databases created mid-upgrade.
			if _, err := s.db.Exec(stmt); err != nil {
				s.logger.Debug("migration statement skipped", "stmt", stmt, "err", err)
			}
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	s.logger.Info("session db migrated", "version", currentVersion)
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create starts a new top-level session and returns its ID.
func (s *Store) Create(title string) (string, error) {
	id := uuid.NewString()
	now := unixNow()
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, title, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// CreateChild starts a session owned by a parent (sub-agent delegation).
// Child sessions are excluded from List.
func (s *Store) CreateChild(parentID, title string) (string, error) {
	id := uuid.NewString()
	now := unixNow()
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, title, created_at, updated_at, parent_session_id) VALUES (?, ?, ?, ?, ?)",
		id, title, now, now, parentID,
	)
	if err != nil {
		return "", fmt.Errorf("create child session: %w", err)
	}
	return id, nil
}

// Get returns a session's metadata, or sql.ErrNoRows if absent.
func (s *Store) Get(id string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, title, COALESCE(parent_session_id, ''), COALESCE(summary_message_id, 0),
		        total_input_tokens, total_output_tokens, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// List returns all top-level sessions, most recently updated first.
func (s *Store) List() ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, title, COALESCE(parent_session_id, ''), COALESCE(summary_message_id, 0),
		        total_input_tokens, total_output_tokens, created_at, updated_at
		 FROM sessions WHERE parent_session_id IS NULL ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete removes a session and its messages.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendMessage appends one message to the session log, assigning the next
// ordinal, and returns the new row ID.
func (s *Store) AppendMessage(sessionID string, msg models.Message) (int64, error) {
	content, err := msg.EncodeContent()
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	now := unixNow()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var ordinal int64
	err = tx.QueryRow(
		"SELECT COALESCE(MAX(ordinal), -1) + 1 FROM messages WHERE session_id = ?",
		sessionID,
	).Scan(&ordinal)
	if err != nil {
		return 0, fmt.Errorf("next ordinal: %w", err)
	}

	res, err := tx.Exec(
		"INSERT INTO messages (session_id, role, content, created_at, ordinal) VALUES (?, ?, ?, ?, ?)",
		sessionID, string(msg.Role), content, now, ordinal,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	if _, err := tx.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID); err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Messages loads the full message log for a session in insertion order.
func (s *Store) Messages(sessionID string) ([]models.Message, error) {
	return s.MessagesFrom(sessionID, 0)
}

// MessagesFrom loads messages with row ID >= fromID, in insertion order.
// Used to resume from a summary checkpoint.
func (s *Store) MessagesFrom(sessionID string, fromID int64) ([]models.Message, error) {
	rows, err := s.db.Query(
		"SELECT id, role, content FROM messages WHERE session_id = ? AND id >= ? ORDER BY id",
		sessionID, fromID,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			id      int64
			role    string
			content string
		)
		if err := rows.Scan(&id, &role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := models.DecodeContent(models.Role(role), content)
		msg.ID = id
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SetTitle updates the session title.
func (s *Store) SetTitle(sessionID, title string) error {
	return s.updateMeta(sessionID, "title = ?", title)
}

// SetSummaryMessage records the summary checkpoint message ID.
func (s *Store) SetSummaryMessage(sessionID string, messageID int64) error {
	return s.updateMeta(sessionID, "summary_message_id = ?", messageID)
}

// AddUsage accumulates token usage onto the session totals.
func (s *Store) AddUsage(sessionID string, usage models.Usage) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET total_input_tokens = total_input_tokens + ?,
		        total_output_tokens = total_output_tokens + ?, updated_at = ?
		 WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, unixNow(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

func (s *Store) updateMeta(sessionID, setClause string, value any) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET "+setClause+", updated_at = ? WHERE id = ?",
		value, unixNow(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess             models.Session
		created, updated float64
	)
	err := row.Scan(&sess.ID, &sess.Title, &sess.ParentSessionID, &sess.SummaryMessageID,
		&sess.TotalInput, &sess.TotalOutput, &created, &updated)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(int64(created), 0)
	sess.UpdatedAt = time.Unix(int64(updated), 0)
	return &sess, nil
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
