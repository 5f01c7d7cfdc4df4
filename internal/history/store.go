// Package history persists session records and injected voice
// transcripts in a local sqlite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection.
type Store struct {
	conn *sql.DB
}

// Open creates the database file (and parent dirs) if needed and runs
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history: database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create database directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database at %q: %w", path, err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("history: enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// SessionRecord is one wrapped-program run.
type SessionRecord struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	ProfileID  string    `json:"profile_id"`
	Command    string    `json:"command"`
	ChildPID   int       `json:"child_pid"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	EndReason  string    `json:"end_reason,omitempty"`
}

// TranscriptRecord is one injected voice transcript.
type TranscriptRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StartSession inserts a new session record, generating its id when
// empty, and returns the id.
func (s *Store) StartSession(ctx context.Context, rec *SessionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
INSERT INTO sessions (id, session_key, profile_id, command, child_pid, started_at, ended_at, end_reason)
VALUES (?, ?, ?, ?, ?, ?, '', '')
`, rec.ID, rec.SessionKey, rec.ProfileID, rec.Command, rec.ChildPID, formatTimestamp(rec.StartedAt))
	if err != nil {
		return "", fmt.Errorf("history: create session: %w", err)
	}
	return rec.ID, nil
}

// EndSession stamps the session with its end time and reason.
func (s *Store) EndSession(ctx context.Context, id, reason string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ?
`, formatTimestamp(endedAt), reason, id)
	if err != nil {
		return fmt.Errorf("history: end session %q: %w", id, err)
	}
	return nil
}

// GetSession returns a session record, or nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	var startedRaw, endedRaw string

	err := s.conn.QueryRowContext(ctx, `
SELECT id, session_key, profile_id, command, child_pid, started_at, ended_at, end_reason
FROM sessions WHERE id = ?
`, id).Scan(&rec.ID, &rec.SessionKey, &rec.ProfileID, &rec.Command, &rec.ChildPID, &startedRaw, &endedRaw, &rec.EndReason)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("history: get session %q: %w", id, err)
	}

	if rec.StartedAt, err = parseTimestamp(startedRaw); err != nil {
		return nil, err
	}
	if endedRaw != "" {
		if rec.EndedAt, err = parseTimestamp(endedRaw); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx, `
SELECT id, session_key, profile_id, command, child_pid, started_at, ended_at, end_reason
FROM sessions ORDER BY started_at DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var startedRaw, endedRaw string
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.ProfileID, &rec.Command, &rec.ChildPID, &startedRaw, &endedRaw, &rec.EndReason); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		if rec.StartedAt, err = parseTimestamp(startedRaw); err != nil {
			return nil, err
		}
		if endedRaw != "" {
			if rec.EndedAt, err = parseTimestamp(endedRaw); err != nil {
				return nil, err
			}
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// AddTranscript records one injected transcript.
func (s *Store) AddTranscript(ctx context.Context, sessionID, text string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO transcripts (id, session_id, text, created_at)
VALUES (?, ?, ?, ?)
`, uuid.NewString(), sessionID, text, formatTimestamp(at))
	if err != nil {
		return fmt.Errorf("history: add transcript: %w", err)
	}
	return nil
}

// Transcripts returns a session's transcripts, oldest first.
func (s *Store) Transcripts(ctx context.Context, sessionID string) ([]*TranscriptRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT id, session_id, text, created_at
FROM transcripts WHERE session_id = ? ORDER BY created_at ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: list transcripts: %w", err)
	}
	defer rows.Close()

	var result []*TranscriptRecord
	for rows.Next() {
		var rec TranscriptRecord
		var createdRaw string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Text, &createdRaw); err != nil {
			return nil, fmt.Errorf("history: scan transcript: %w", err)
		}
		if rec.CreatedAt, err = parseTimestamp(createdRaw); err != nil {
			return nil, err
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("history: parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
