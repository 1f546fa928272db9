package syncq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/retry"
	"github.com/worklens/agent/internal/store"
)

// Pusher delivers one outbox item remotely.
type Pusher interface {
	Push(ctx context.Context, item *store.SyncItem) error
}

// Config tunes the drain loop.
type Config struct {
	// DrainInterval is how often the queue drains. Default: 30s.
	DrainInterval time.Duration
	// BatchLimit caps items per drain. 0 = unlimited.
	BatchLimit int
	// RequestTimeout bounds each delivery attempt. Default: 30s.
	RequestTimeout time.Duration
	// Backoff spaces redelivery of failing items by attempt count.
	Backoff retry.Config
}

// DefaultConfig returns sensible drain defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval:  30 * time.Second,
		BatchLimit:     100,
		RequestTimeout: 30 * time.Second,
		Backoff: retry.Config{
			MaxAttempts: store.MaxSyncAttempts,
			BaseDelay:   time.Minute,
			MaxDelay:    15 * time.Minute,
		},
	}
}

// Queue drains the durable outbox to the remote endpoint. Failures become
// attempt increments, never crashes; items past the attempt ceiling are left
// for explicit operator action.
type Queue struct {
	cfg     Config
	store   *store.Store
	pusher  Pusher
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu           sync.Mutex
	running      bool
	lastConflict *agerrors.ConflictError

	now func() time.Time
}

// New creates a sync queue over the store's outbox.
func New(cfg Config, st *store.Store, pusher Pusher, m *metrics.Metrics, logger zerolog.Logger) *Queue {
	if cfg.DrainInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Queue{
		cfg:     cfg,
		store:   st,
		pusher:  pusher,
		metrics: m,
		logger:  logger.With().Str("component", "sync-queue").Logger(),
		now:     time.Now,
	}
}

// Start launches the drain loop in a background goroutine. It returns
// immediately; cancel ctx to stop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return agerrors.ErrAlreadyRunning
	}
	q.running = true
	q.mu.Unlock()

	q.logger.Info().Dur("interval", q.cfg.DrainInterval).Msg("sync queue starting")
	go q.run(ctx)
	return nil
}

func (q *Queue) run(ctx context.Context) {
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		q.logger.Info().Msg("sync queue stopped")
	}()

	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	// Drain once immediately on startup to flush anything left over from
	// the previous process run.
	q.DrainOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.DrainOnce(ctx)
		}
	}
}

// DrainOnce selects eligible items in dependency order and delivers each.
// Returns how many items were successfully synced.
func (q *Queue) DrainOnce(ctx context.Context) int {
	items, err := q.store.ListPending(q.cfg.BatchLimit)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to list pending sync items")
		return 0
	}

	synced := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !q.due(item) {
			continue
		}
		if q.deliver(ctx, item) {
			synced++
		}
	}

	if q.metrics != nil {
		if pending, failed, derr := q.store.QueueDepth(); derr == nil {
			q.metrics.SetQueueDepth(pending, failed)
		}
	}
	return synced
}

// due applies per-item backoff: an item that failed recently waits out its
// attempt-scaled delay before redelivery.
func (q *Queue) due(item *store.SyncItem) bool {
	if item.Attempts == 0 || item.LastAttemptAt == 0 {
		return true
	}
	wait := retry.Backoff(q.cfg.Backoff, item.Attempts-1)
	return q.now().UnixMilli()-item.LastAttemptAt >= wait.Milliseconds()
}

// deliver pushes one item and updates its outbox row. Returns true on success.
func (q *Queue) deliver(ctx context.Context, item *store.SyncItem) bool {
	reqCtx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout)
	err := q.pusher.Push(reqCtx, item)
	cancel()

	switch {
	case err == nil:
		if cerr := q.store.CompleteSyncItem(item); cerr != nil {
			q.logger.Error().Err(cerr).Str("item_id", item.ID).Msg("failed to complete sync item")
			return false
		}
		if q.metrics != nil {
			q.metrics.RecordSync(item.EntityType, "success")
		}
		return true

	case agerrors.IsConflict(err):
		// Terminal: data from two devices in one window must not merge.
		var ce *agerrors.ConflictError
		if errors.As(err, &ce) {
			q.setLastConflict(ce)
		}
		if ferr := q.store.MarkFailed(item.ID, err.Error()); ferr != nil {
			q.logger.Error().Err(ferr).Str("item_id", item.ID).Msg("failed to mark conflicted item")
		}
		if q.metrics != nil {
			q.metrics.RecordSync(item.EntityType, "conflict")
		}
		q.logger.Warn().Err(err).Str("item_id", item.ID).Msg("concurrent session conflict, item failed")
		return false

	default:
		if aerr := q.store.RecordAttempt(item.ID, err.Error()); aerr != nil {
			q.logger.Error().Err(aerr).Str("item_id", item.ID).Msg("failed to record sync attempt")
		}
		if q.metrics != nil {
			q.metrics.RecordSync(item.EntityType, "error")
		}
		q.logger.Warn().Err(err).Str("item_id", item.ID).
			Int("attempts", item.Attempts+1).Msg("sync attempt failed")
		return false
	}
}

// LastConflict returns the most recent concurrent-session conflict, or nil.
func (q *Queue) LastConflict() *agerrors.ConflictError {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastConflict
}

func (q *Queue) setLastConflict(ce *agerrors.ConflictError) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastConflict = ce
}

// IsRunning reports whether the drain loop is active.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}
