package store

import (
	"fmt"

	agerrors "github.com/worklens/agent/internal/errors"
)

// SyncStatus is the per-screenshot sync state derived from the screenshot,
// its attached periods, and their outbox rows.
type SyncStatus string

const (
	// SyncPending: nothing synced and nothing queued yet.
	SyncPending SyncStatus = "pending"
	// SyncQueued: nothing synced, outbox rows waiting.
	SyncQueued SyncStatus = "queued"
	// SyncPartial: some of the screenshot and its periods are synced.
	SyncPartial SyncStatus = "partial"
	// SyncSynced: everything durably acknowledged remotely.
	SyncSynced SyncStatus = "synced"
	// SyncFailed: at least one related item hit the permanent-failure
	// threshold and needs operator action.
	SyncFailed SyncStatus = "failed"
)

// ScreenshotSyncState reports a screenshot's sync progress.
type ScreenshotSyncState struct {
	ScreenshotID   string     `json:"screenshotId"`
	Status         SyncStatus `json:"status"`
	SyncedParts    int        `json:"syncedParts"`
	TotalParts     int        `json:"totalParts"`
	SyncedFraction float64    `json:"syncedFraction"`
}

// ScreenshotSyncStatus computes the sync state of one screenshot plus its
// attached activity periods.
func (s *Store) ScreenshotSyncStatus(screenshotID string) (*ScreenshotSyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, synced int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(is_synced), 0) FROM (
			SELECT is_synced FROM screenshots WHERE id = ?
			UNION ALL
			SELECT is_synced FROM activity_periods WHERE screenshot_id = ?
		)`, screenshotID, screenshotID).Scan(&total, &synced)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync parts: %w", err)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: screenshot %s", agerrors.ErrNotFound, screenshotID)
	}

	var queued, failed int
	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN attempts < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempts >= ? THEN 1 ELSE 0 END), 0)
		FROM sync_queue
		WHERE (entity_type = ? AND entity_id = ?)
		   OR (entity_type = ? AND entity_id IN (
				SELECT id FROM activity_periods WHERE screenshot_id = ?))`,
		MaxSyncAttempts, MaxSyncAttempts,
		EntityScreenshot, screenshotID,
		EntityActivityPeriod, screenshotID,
	).Scan(&queued, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue rows: %w", err)
	}

	state := &ScreenshotSyncState{
		ScreenshotID:   screenshotID,
		SyncedParts:    synced,
		TotalParts:     total,
		SyncedFraction: float64(synced) / float64(total),
	}

	switch {
	case failed > 0:
		state.Status = SyncFailed
	case synced == total:
		state.Status = SyncSynced
	case synced > 0:
		state.Status = SyncPartial
	case queued > 0:
		state.Status = SyncQueued
	default:
		state.Status = SyncPending
	}
	return state, nil
}
