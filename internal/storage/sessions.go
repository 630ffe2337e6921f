package storage

// sessions.go contains SQLiteStore methods for session history.
// Session rows outlive the CLI process: the latest row per project supplies
// the prior session id for conversation continuity across restarts.

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session state values persisted in the sessions table.
// These mirror the live state machine; terminal states stay in history.
const (
	SessionStateIdle      = "idle"
	SessionStateRunning   = "running"
	SessionStateCompleted = "completed"
	SessionStateStalled   = "stalled"
	SessionStateDead      = "dead"
	SessionStateKilled    = "killed"
)

// Session represents one logical conversation with the CLI.
type Session struct {
	ID           string // Authoritative session id (CLI-issued once reconciled).
	Project      string // Working directory the CLI runs in.
	State        string
	StartedAt    time.Time
	LastActivity time.Time
}

// SaveSession persists a session row, replacing any existing row with
// the same id. Used both on create and on id reconciliation.
func (s *SQLiteStore) SaveSession(session *Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT OR REPLACE INTO sessions
			(id, project, state, started_at, last_activity)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		session.ID,
		session.Project,
		session.State,
		session.StartedAt.Format(time.RFC3339Nano),
		session.LastActivity.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID.
// Returns nil, nil if the session does not exist.
func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, project, state, started_at, last_activity
		FROM sessions
		WHERE id = ?
	`

	session, err := scanSession(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	return session, nil
}

// ListSessions returns all known sessions, newest first.
func (s *SQLiteStore) ListSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, project, state, started_at, last_activity
		FROM sessions
		ORDER BY started_at DESC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}

	return sessions, nil
}

// LatestSessionForProject returns the most recently started session for a
// project, or nil, nil if the project has no history. This is the continuity
// lookup: its id is handed to the CLI on respawn to resume the conversation.
func (s *SQLiteStore) LatestSessionForProject(project string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT id, project, state, started_at, last_activity
		FROM sessions
		WHERE project = ?
		ORDER BY started_at DESC
		LIMIT 1
	`

	session, err := scanSession(s.db.QueryRow(query, project))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest session for project: %w", err)
	}

	return session, nil
}

// UpdateSessionState sets the state and last_activity for a session.
// Returns ErrSessionNotFound if the session does not exist.
func (s *SQLiteStore) UpdateSessionState(id, state string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `UPDATE sessions SET state = ?, last_activity = ? WHERE id = ?`

	result, err := s.db.Exec(query, state, at.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// RenameSession re-keys a session row from a provisional id to the
// CLI-issued authoritative id. If a row with the new id already exists
// the provisional row is simply dropped.
func (s *SQLiteStore) RenameSession(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", newID)
	var count int
	if err := existing.Scan(&count); err != nil {
		return fmt.Errorf("check session: %w", err)
	}

	if count > 0 {
		_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", oldID)
		if err != nil {
			return fmt.Errorf("drop provisional session: %w", err)
		}
		return nil
	}

	_, err := s.db.Exec("UPDATE sessions SET id = ? WHERE id = ?", newID, oldID)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row. Idempotent.
func (s *SQLiteStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// scanSession scans a single row into a Session.
func scanSession(row rowScanner) (*Session, error) {
	var (
		session      Session
		startedAt    string
		lastActivity string
	)

	err := row.Scan(
		&session.ID,
		&session.Project,
		&session.State,
		&startedAt,
		&lastActivity,
	)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	session.StartedAt = t

	t, err = time.Parse(time.RFC3339Nano, lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	session.LastActivity = t

	return &session, nil
}
