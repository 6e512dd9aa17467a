// Package history persists conversation sessions so follow-up queries can
// see prior turns.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quarryhq/quarry/internal/qerrors"
)

// DefaultMaxSessions is the default number of retained sessions.
const DefaultMaxSessions = 100

// sessionNameRegex restricts names to safe shell-friendly identifiers.
var sessionNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Turn is one question/answer exchange in a session.
type Turn struct {
	ID         string
	SessionID  string
	Query      string
	Answer     string
	Intent     string
	Grounded   bool
	Citations  []string
	CreatedAt  time.Time
}

// Session summarizes a stored conversation.
type Session struct {
	ID        string
	TurnCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists sessions and turns in SQLite.
type Store struct {
	db          *sql.DB
	maxSessions int

	mu     sync.Mutex
	closed bool
}

// ValidateSessionName rejects names that are empty, too long, or contain
// characters outside [a-zA-Z0-9._-].
func ValidateSessionName(name string) error {
	if !sessionNameRegex.MatchString(name) {
		return qerrors.New(qerrors.ErrCodeInvalidInput,
			fmt.Sprintf("invalid session name %q: use letters, digits, dot, dash, underscore (max 64 chars)", name), nil)
	}
	return nil
}

// NewStore opens (or creates) the history database at path.
func NewStore(path string, maxSessions int) (*Store, error) {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		query      TEXT NOT NULL,
		answer     TEXT NOT NULL,
		intent     TEXT NOT NULL DEFAULT '',
		grounded   INTEGER NOT NULL DEFAULT 1,
		citations  TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	return &Store{db: db, maxSessions: maxSessions}, nil
}

// AppendTurn records a completed exchange and prunes old sessions past the
// retention limit.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	if err := ValidateSessionName(turn.SessionID); err != nil {
		return err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := turn.CreatedAt.Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		turn.SessionID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, query, answer, intent, grounded, citations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Query, turn.Answer, turn.Intent,
		boolToInt(turn.Grounded), joinCitations(turn.Citations), now)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	// Prune oldest sessions past the retention limit.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.maxSessions)
	if err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}

	return tx.Commit()
}

// RecentTurns returns up to limit turns for a session, oldest first.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, query, answer, intent, grounded, citations, created_at
		FROM turns WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var grounded int
		var citations string
		var created int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Query, &t.Answer, &t.Intent, &grounded, &citations, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Grounded = grounded != 0
		t.Citations = splitCitations(citations)
		t.CreatedAt = time.Unix(created, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnCount returns the number of turns stored for a session.
func (s *Store) TurnCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM turns WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return count, nil
}

// ListSessions returns stored sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, COUNT(t.id), s.created_at, s.updated_at
		FROM sessions s LEFT JOIN turns t ON t.session_id = s.id
		GROUP BY s.id ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.TurnCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.CreatedAt = time.Unix(created, 0)
		sess.UpdatedAt = time.Unix(updated, 0)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ClearSession removes a session and its turns.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close checkpoints and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Citations are stored as a unit-separator joined string; passage IDs
// never contain control characters.
func joinCitations(citations []string) string {
	return strings.Join(citations, "\x1f")
}

func splitCitations(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}
