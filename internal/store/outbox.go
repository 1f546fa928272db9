package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity types carried by the sync outbox.
const (
	EntitySession        = "session"
	EntityScreenshot     = "screenshot"
	EntityActivityPeriod = "activity_period"
)

// Outbox operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpUpload = "upload"
)

// MaxSyncAttempts is the attempt count at which an item is classified as
// permanently failed: excluded from normal drains, retryable only on demand.
const MaxSyncAttempts = 5

// SyncItem is one pending remote mutation in the outbox.
type SyncItem struct {
	ID            string
	EntityType    string
	EntityID      string
	Operation     string
	Payload       json.RawMessage
	Attempts      int
	LastAttemptAt int64 // 0 = never attempted
	LastError     string
	CreatedAt     int64
}

// Failed reports whether the item is past the permanent-failure threshold.
func (it *SyncItem) Failed() bool { return it.Attempts >= MaxSyncAttempts }

// enqueueTx appends an outbox row for entity inside an open transaction,
// marshaling the entity as the payload.
func enqueueTx(tx *sql.Tx, entityType, entityID, operation string, entity any) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", entityType, err)
	}
	return enqueueRawTx(tx, entityType, entityID, operation, payload)
}

func enqueueRawTx(tx *sql.Tx, entityType, entityID, operation string, payload json.RawMessage) error {
	_, err := tx.Exec(`
		INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		uuid.NewString(), entityType, entityID, operation, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", entityType, operation, err)
	}
	return nil
}

// Enqueue appends a durable outbox row. It never blocks on the network.
func (s *Store) Enqueue(entityType, entityID, operation string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueRawTx(tx, entityType, entityID, operation, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// syncOrder drains dependencies before dependents: a screenshot must exist
// remotely before the periods referencing it.
const syncOrder = `
	CASE entity_type
		WHEN 'session' THEN 0
		WHEN 'screenshot' THEN 1
		WHEN 'activity_period' THEN 2
		ELSE 3
	END`

// ListPending returns up to limit items eligible for a normal drain, in
// dependency order, oldest first within each type. Permanently failed items
// are excluded.
func (s *Store) ListPending(limit int) ([]*SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, entity_type, entity_id, operation, payload, attempts, last_attempt_at, last_error, created_at
		FROM sync_queue
		WHERE attempts < ?
		ORDER BY ` + syncOrder + `, created_at ASC`

	args := []any{MaxSyncAttempts}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.querySyncItems(query, args...)
}

// ListFailed returns items past the permanent-failure threshold.
func (s *Store) ListFailed() ([]*SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySyncItems(`
		SELECT id, entity_type, entity_id, operation, payload, attempts, last_attempt_at, last_error, created_at
		FROM sync_queue
		WHERE attempts >= ?
		ORDER BY created_at ASC`, MaxSyncAttempts)
}

func (s *Store) querySyncItems(query string, args ...any) ([]*SyncItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync items: %w", err)
	}
	defer rows.Close()

	var items []*SyncItem
	for rows.Next() {
		it := &SyncItem{}
		var payload string
		var lastAttempt sql.NullInt64
		var lastErr sql.NullString

		if err := rows.Scan(
			&it.ID, &it.EntityType, &it.EntityID, &it.Operation,
			&payload, &it.Attempts, &lastAttempt, &lastErr, &it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		if lastAttempt.Valid {
			it.LastAttemptAt = lastAttempt.Int64
		}
		if lastErr.Valid {
			it.LastError = lastErr.String
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync items: %w", err)
	}
	return items, nil
}

// RecordAttempt increments the item's attempt counter after a failed POST.
func (s *Store) RecordAttempt(id string, attemptErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sync_queue SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), attemptErr, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sync item not found: %s", id)
	}
	return nil
}

// MarkFailed pushes an item straight to the permanent-failure threshold.
// Used for terminal errors such as concurrent-session conflicts.
func (s *Store) MarkFailed(id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE sync_queue SET attempts = ?, last_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		MaxSyncAttempts, time.Now().UnixMilli(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sync item failed: %w", err)
	}
	return nil
}

// CompleteSyncItem removes a delivered outbox row and flips its source
// entity's synced flag, in one transaction.
func (s *Store) CompleteSyncItem(it *SyncItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin complete sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, it.ID); err != nil {
		return fmt.Errorf("failed to delete sync item: %w", err)
	}

	var flip string
	switch it.EntityType {
	case EntitySession:
		flip = `UPDATE sessions SET is_synced = 1 WHERE id = ?`
	case EntityScreenshot:
		flip = `UPDATE screenshots SET is_synced = 1 WHERE id = ?`
	case EntityActivityPeriod:
		flip = `UPDATE activity_periods SET is_synced = 1 WHERE id = ?`
	}
	if flip != "" {
		if _, err := tx.Exec(flip, it.EntityID); err != nil {
			return fmt.Errorf("failed to flip synced flag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit complete sync: %w", err)
	}
	return nil
}

// RetryFailed resets attempt counters on permanently failed items so the
// next drain picks them up again. Returns how many items were reset.
func (s *Store) RetryFailed() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sync_queue SET attempts = 0, last_error = NULL WHERE attempts >= ?`, MaxSyncAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	return res.RowsAffected()
}

// PurgeFailed deletes permanently failed items. Returns how many were purged.
func (s *Store) PurgeFailed() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sync_queue WHERE attempts >= ?`, MaxSyncAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed items: %w", err)
	}
	return res.RowsAffected()
}

// QueueDepth returns pending and permanently failed outbox counts.
func (s *Store) QueueDepth() (pending int, failed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN attempts < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN attempts >= ? THEN 1 ELSE 0 END), 0)
		FROM sync_queue`, MaxSyncAttempts, MaxSyncAttempts).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return pending, failed, nil
}
