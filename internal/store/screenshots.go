package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Screenshot is one capture event. Its aggregate score is never stored; it is
// derived from the attached activity periods.
type Screenshot struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	LocalPath    string `json:"localPath"`
	RemoteURL    string `json:"remoteUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	CapturedAt   int64  `json:"capturedAt"`
	Mode         string `json:"mode"`
	Notes        string `json:"notes"`
	IsDeleted    bool   `json:"isDeleted"`
	IsSynced     bool   `json:"-"`
	CreatedAt    int64  `json:"createdAt"`
}

// SaveScreenshot persists a screenshot idempotently by local path: saving a
// path that already exists returns the stored row instead of erroring.
// Returns true when a new row was inserted.
func (s *Store) SaveScreenshot(sc *Screenshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin save screenshot: %w", err)
	}
	defer tx.Rollback()

	created, err := saveScreenshotTx(tx, sc)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit save screenshot: %w", err)
	}
	return created, nil
}

func saveScreenshotTx(tx *sql.Tx, sc *Screenshot) (bool, error) {
	existing, err := getScreenshotTx(tx, `WHERE local_path = ?`, sc.LocalPath)
	if err != nil {
		return false, err
	}
	if existing != nil {
		*sc = *existing
		return false, nil
	}

	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt == 0 {
		sc.CreatedAt = time.Now().UnixMilli()
	}

	if _, err := tx.Exec(`
		INSERT INTO screenshots (id, user_id, session_id, local_path, remote_url, thumbnail_url,
			captured_at, mode, notes, is_deleted, is_synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		sc.ID, sc.UserID, sc.SessionID, sc.LocalPath,
		sql.NullString{String: sc.RemoteURL, Valid: sc.RemoteURL != ""},
		sql.NullString{String: sc.ThumbnailURL, Valid: sc.ThumbnailURL != ""},
		sc.CapturedAt, sc.Mode, sc.Notes, sc.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("failed to insert screenshot: %w", err)
	}

	if err := enqueueTx(tx, EntityScreenshot, sc.ID, OpUpload, sc); err != nil {
		return false, err
	}
	return true, nil
}

const screenshotSelect = `
	SELECT id, user_id, session_id, local_path, remote_url, thumbnail_url,
		captured_at, mode, notes, is_deleted, is_synced, created_at
	FROM screenshots `

// GetScreenshot returns a screenshot by id, or nil when absent.
func (s *Store) GetScreenshot(id string) (*Screenshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getScreenshot(`WHERE id = ?`, id)
}

// ScreenshotsInRange returns the user's non-deleted screenshots captured in
// [fromMs, toMs), in capture order.
func (s *Store) ScreenshotsInRange(userID string, fromMs, toMs int64) ([]*Screenshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(screenshotSelect+`
		WHERE user_id = ? AND is_deleted = 0 AND captured_at >= ? AND captured_at < ?
		ORDER BY captured_at ASC`, userID, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query screenshots: %w", err)
	}
	defer rows.Close()

	var shots []*Screenshot
	for rows.Next() {
		sc, err := scanScreenshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		shots = append(shots, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating screenshots: %w", err)
	}
	return shots, nil
}

// DeleteScreenshot soft-deletes a screenshot and enqueues the deletion.
func (s *Store) DeleteScreenshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete screenshot: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE screenshots SET is_deleted = 1, is_synced = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete screenshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("screenshot not found: %s", id)
	}

	if err := enqueueRawTx(tx, EntityScreenshot, id, OpDelete, []byte(fmt.Sprintf(`{"id":%q}`, id))); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) getScreenshot(where string, args ...any) (*Screenshot, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin get screenshot: %w", err)
	}
	defer tx.Rollback()
	return getScreenshotTx(tx, where, args...)
}

func getScreenshotTx(tx *sql.Tx, where string, args ...any) (*Screenshot, error) {
	row := tx.QueryRow(screenshotSelect+where, args...)
	sc, err := scanScreenshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sc, err
}

func scanScreenshot(scan func(dest ...any) error) (*Screenshot, error) {
	sc := &Screenshot{}
	var remoteURL, thumbURL sql.NullString

	err := scan(
		&sc.ID, &sc.UserID, &sc.SessionID, &sc.LocalPath, &remoteURL, &thumbURL,
		&sc.CapturedAt, &sc.Mode, &sc.Notes, &sc.IsDeleted, &sc.IsSynced, &sc.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan screenshot: %w", err)
	}

	if remoteURL.Valid {
		sc.RemoteURL = remoteURL.String
	}
	if thumbURL.Valid {
		sc.ThumbnailURL = thumbURL.String
	}
	return sc, nil
}

// SaveWindow persists a completed 10-minute window as one durable unit: the
// screenshot (if any) first, then every overlapping period with the
// screenshot id attached. All rows and their outbox entries commit in a
// single transaction.
func (s *Store) SaveWindow(sc *Screenshot, periods []*ActivityPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save window: %w", err)
	}
	defer tx.Rollback()

	screenshotID := ""
	if sc != nil {
		if _, err := saveScreenshotTx(tx, sc); err != nil {
			return err
		}
		screenshotID = sc.ID
	}

	for _, p := range periods {
		if screenshotID != "" {
			p.ScreenshotID = screenshotID
		}
		if _, err := createPeriodTx(tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save window: %w", err)
	}

	s.logger.Debug().Str("screenshot_id", screenshotID).Int("periods", len(periods)).
		Msg("window persisted")
	return nil
}
