package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one tracking span. At most one session per user is active at any
// time; creating a new one force-ends the previous.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Mode      string `json:"mode"`
	ProjectID string `json:"projectId,omitempty"`
	Task      string `json:"task,omitempty"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"` // 0 = still open
	IsActive  bool   `json:"isActive"`
	IsSynced  bool   `json:"-"`
	DeviceID  string `json:"deviceId"`
	CreatedAt int64  `json:"createdAt"`
}

// CreateSession inserts a new active session, force-ending any session still
// active for the same user. The insert, the force-end, the current-session
// pointer, and the outbox rows commit in one transaction.
func (s *Store) CreateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartTime == 0 {
		sess.StartTime = now
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.IsActive = true

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin create session: %w", err)
	}
	defer tx.Rollback()

	// Force-end any prior active session for this user.
	rows, err := tx.Query(`SELECT id FROM sessions WHERE user_id = ? AND is_active = 1`, sess.UserID)
	if err != nil {
		return fmt.Errorf("failed to find active sessions: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan active session: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating active sessions: %w", err)
	}

	for _, id := range stale {
		if err := endSessionTx(tx, id, sess.StartTime); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO sessions (id, user_id, mode, project_id, task, start_time, end_time, is_active, is_synced, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 1, 0, ?, ?)`,
		sess.ID, sess.UserID, sess.Mode,
		sql.NullString{String: sess.ProjectID, Valid: sess.ProjectID != ""},
		sql.NullString{String: sess.Task, Valid: sess.Task != ""},
		sess.StartTime, sess.DeviceID, sess.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO current_session (slot, session_id) VALUES (1, ?)
		ON CONFLICT(slot) DO UPDATE SET session_id = excluded.session_id`,
		sess.ID,
	); err != nil {
		return fmt.Errorf("failed to set current session: %w", err)
	}

	if err := enqueueTx(tx, EntitySession, sess.ID, OpCreate, sess); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit create session: %w", err)
	}

	s.logger.Info().Str("session_id", sess.ID).Str("mode", sess.Mode).
		Int("force_ended", len(stale)).Msg("session created")
	return nil
}

// EndSession marks a session inactive at endTime and enqueues the update.
func (s *Store) EndSession(sessionID string, endTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin end session: %w", err)
	}
	defer tx.Rollback()

	if err := endSessionTx(tx, sessionID, endTime); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM current_session WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear current session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit end session: %w", err)
	}

	s.logger.Info().Str("session_id", sessionID).Msg("session ended")
	return nil
}

func endSessionTx(tx *sql.Tx, sessionID string, endTime int64) error {
	res, err := tx.Exec(`
		UPDATE sessions SET is_active = 0, end_time = ?, is_synced = 0
		WHERE id = ? AND is_active = 1`,
		endTime, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session not active: %s", sessionID)
	}

	payload, _ := json.Marshal(map[string]any{"id": sessionID, "endTime": endTime, "isActive": false})
	return enqueueRawTx(tx, EntitySession, sessionID, OpUpdate, payload)
}

// GetActiveSession returns the user's active session, or nil when none.
func (s *Store) GetActiveSession(userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanSession(s.db.QueryRow(
		sessionSelect+` WHERE user_id = ? AND is_active = 1 ORDER BY start_time DESC LIMIT 1`, userID))
}

// GetSession returns a session by id, or nil when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanSession(s.db.QueryRow(sessionSelect+` WHERE id = ?`, id))
}

// CurrentSessionID returns the persisted current-session pointer, or empty.
func (s *Store) CurrentSessionID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(`SELECT session_id FROM current_session WHERE slot = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get current session: %w", err)
	}
	return id, nil
}

// EndSessionsStartedBefore is the UTC-midnight rollover guard: it ends every
// active session that started before cutoff and returns the ended ids.
func (s *Store) EndSessionsStartedBefore(cutoff int64, endTime int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin rollover: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM sessions WHERE is_active = 1 AND start_time < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale sessions: %w", err)
	}

	for _, id := range ids {
		if err := endSessionTx(tx, id, endTime); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM current_session WHERE session_id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to clear current session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rollover: %w", err)
	}
	return ids, nil
}

// MarkSessionSynced flips the session's synced flag.
func (s *Store) MarkSessionSynced(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET is_synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark session synced: %w", err)
	}
	return nil
}

const sessionSelect = `
	SELECT id, user_id, mode, project_id, task, start_time, end_time, is_active, is_synced, device_id, created_at
	FROM sessions`

func scanSession(row *sql.Row) (*Session, error) {
	sess := &Session{}
	var projectID, task sql.NullString
	var endTime sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Mode, &projectID, &task,
		&sess.StartTime, &endTime, &sess.IsActive, &sess.IsSynced,
		&sess.DeviceID, &sess.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if projectID.Valid {
		sess.ProjectID = projectID.String
	}
	if task.Valid {
		sess.Task = task.String
	}
	if endTime.Valid {
		sess.EndTime = endTime.Int64
	}
	return sess, nil
}
