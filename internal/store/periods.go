package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/worklens/agent/internal/activity"
)

// periodToleranceMs is the match window for duplicate period detection:
// re-submissions whose bounds land within this tolerance of a stored period
// are treated as the same period.
const periodToleranceMs = 500

// ActivityPeriod is one minute of measured activity within a session.
// PeriodStart and PeriodEnd are unix-ms, normalized to whole seconds;
// PeriodEnd is exclusive.
type ActivityPeriod struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"sessionId"`
	UserID         string           `json:"userId"`
	PeriodStart    int64            `json:"periodStart"`
	PeriodEnd      int64            `json:"periodEnd"`
	Mode           string           `json:"mode"`
	ActivityScore  int              `json:"activityScore"`
	IsValid        bool             `json:"isValid"`
	Classification string           `json:"classification,omitempty"`
	ScreenshotID   string           `json:"screenshotId,omitempty"`
	Metrics        activity.Metrics `json:"metricsBreakdown"`
	IsSynced       bool             `json:"-"`
	CreatedAt      int64            `json:"createdAt"`
}

// normalizePeriod truncates period bounds to whole seconds.
func normalizePeriod(p *ActivityPeriod) {
	p.PeriodStart -= p.PeriodStart % 1000
	p.PeriodEnd -= p.PeriodEnd % 1000
}

// CreateActivityPeriod persists one period idempotently. A period matching
// (sessionId, periodStart, periodEnd) within ±500ms already in the store is
// updated only when the new score is strictly higher; a resubmission carrying
// a screenshot id also fills it in when the stored row has none. Otherwise
// the stored row is left untouched. Returns true when a new row was inserted.
func (s *Store) CreateActivityPeriod(p *ActivityPeriod) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin create period: %w", err)
	}
	defer tx.Rollback()

	created, err := createPeriodTx(tx, p)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit create period: %w", err)
	}
	return created, nil
}

func createPeriodTx(tx *sql.Tx, p *ActivityPeriod) (bool, error) {
	normalizePeriod(p)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}

	var existingID string
	var existingScore int
	var existingShot sql.NullString
	err := tx.QueryRow(`
		SELECT id, activity_score, screenshot_id FROM activity_periods
		WHERE session_id = ? AND ABS(period_start - ?) <= ? AND ABS(period_end - ?) <= ?`,
		p.SessionID, p.PeriodStart, periodToleranceMs, p.PeriodEnd, periodToleranceMs,
	).Scan(&existingID, &existingScore, &existingShot)

	switch {
	case err == sql.ErrNoRows:
		// New period.
	case err != nil:
		return false, fmt.Errorf("failed to check period: %w", err)
	default:
		p.ID = existingID
		boost := p.ActivityScore > existingScore
		attach := p.ScreenshotID != "" && (!existingShot.Valid || existingShot.String == "")
		if !boost && !attach {
			if existingShot.Valid {
				p.ScreenshotID = existingShot.String
			}
			return false, nil
		}
		if !boost {
			p.ActivityScore = existingScore
		}
		if !attach && existingShot.Valid && existingShot.String != "" {
			p.ScreenshotID = existingShot.String
		}

		metrics, merr := json.Marshal(p.Metrics)
		if merr != nil {
			return false, fmt.Errorf("failed to marshal metrics: %w", merr)
		}
		if _, err := tx.Exec(`
			UPDATE activity_periods SET activity_score = ?, metrics = ?, screenshot_id = ?, is_synced = 0
			WHERE id = ?`,
			p.ActivityScore, string(metrics),
			sql.NullString{String: p.ScreenshotID, Valid: p.ScreenshotID != ""}, existingID,
		); err != nil {
			return false, fmt.Errorf("failed to update period: %w", err)
		}
		if err := enqueueTx(tx, EntityActivityPeriod, existingID, OpUpdate, p); err != nil {
			return false, err
		}
		return false, nil
	}

	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO activity_periods (id, session_id, user_id, period_start, period_end, mode,
			activity_score, is_valid, classification, screenshot_id, metrics, is_synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		p.ID, p.SessionID, p.UserID, p.PeriodStart, p.PeriodEnd, p.Mode,
		p.ActivityScore, p.IsValid,
		sql.NullString{String: p.Classification, Valid: p.Classification != ""},
		sql.NullString{String: p.ScreenshotID, Valid: p.ScreenshotID != ""},
		string(metrics), p.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("failed to insert period: %w", err)
	}

	if err := enqueueTx(tx, EntityActivityPeriod, p.ID, OpCreate, p); err != nil {
		return false, err
	}
	return true, nil
}

const periodSelect = `
	SELECT id, session_id, user_id, period_start, period_end, mode, activity_score,
		is_valid, classification, screenshot_id, metrics, is_synced, created_at
	FROM activity_periods`

// GetPeriod returns a period by id, or nil when absent.
func (s *Store) GetPeriod(id string) (*ActivityPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	periods, err := s.queryPeriods(periodSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, nil
	}
	return periods[0], nil
}

// PeriodsOverlapping returns the session's periods whose [start,end) range
// overlaps [fromMs,toMs), ordered by start.
func (s *Store) PeriodsOverlapping(sessionID string, fromMs, toMs int64) ([]*ActivityPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPeriods(periodSelect+`
		WHERE session_id = ? AND period_start < ? AND period_end > ?
		ORDER BY period_start ASC`, sessionID, toMs, fromMs)
}

// PeriodsByScreenshot returns the periods attached to a screenshot.
func (s *Store) PeriodsByScreenshot(screenshotID string) ([]*ActivityPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPeriods(periodSelect+`
		WHERE screenshot_id = ? ORDER BY period_start ASC`, screenshotID)
}

func (s *Store) queryPeriods(query string, args ...any) ([]*ActivityPeriod, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []*ActivityPeriod
	for rows.Next() {
		p := &ActivityPeriod{}
		var classification, screenshotID sql.NullString
		var metrics string

		if err := rows.Scan(
			&p.ID, &p.SessionID, &p.UserID, &p.PeriodStart, &p.PeriodEnd, &p.Mode,
			&p.ActivityScore, &p.IsValid, &classification, &screenshotID,
			&metrics, &p.IsSynced, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}

		if classification.Valid {
			p.Classification = classification.String
		}
		if screenshotID.Valid {
			p.ScreenshotID = screenshotID.String
		}
		if err := json.Unmarshal([]byte(metrics), &p.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating periods: %w", err)
	}
	return periods, nil
}
