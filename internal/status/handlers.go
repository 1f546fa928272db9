package status

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/health"
	"github.com/worklens/agent/internal/hook"
	"github.com/worklens/agent/internal/scoring"
	"github.com/worklens/agent/internal/store"
	"github.com/worklens/agent/internal/syncq"
	"github.com/worklens/agent/internal/tracker"
)

// Handlers implements the ops API endpoints.
type Handlers struct {
	manager *tracker.Manager
	store   *store.Store
	queue   *syncq.Queue
	source  hook.Source
	checker *health.Checker
	logger  zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(manager *tracker.Manager, st *store.Store, queue *syncq.Queue,
	source hook.Source, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		store:   st,
		queue:   queue,
		source:  source,
		checker: checker,
		logger:  logger.With().Str("component", "status_handlers").Logger(),
	}
}

func errResponse(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// Liveness always reports ok while the process runs.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness runs the dependency checks. Degraded dependencies do not fail
// readiness, only ones that are down.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())
	for _, s := range results {
		if s == health.StatusDown {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"checks": results,
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok", "checks": results})
}

// Status reports the active session and input-hook health.
func (h *Handlers) Status(c *fiber.Ctx) error {
	resp := fiber.Map{
		"session":      h.manager.Active(),
		"hookDegraded": h.source != nil && h.source.Degraded(),
	}
	if version, err := h.store.SchemaVersion(); err == nil {
		resp["schemaVersion"] = version
	}
	return c.JSON(resp)
}

type startSessionRequest struct {
	Mode      string `json:"mode"`
	ProjectID string `json:"projectId"`
	Task      string `json:"task"`
}

// StartSession starts (or replaces) the tracked session.
func (h *Handlers) StartSession(c *fiber.Ctx) error {
	var req startSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return errResponse(c, fiber.StatusBadRequest, "invalid request body")
	}

	sess, err := h.manager.StartSession(c.Context(), req.Mode, req.ProjectID, req.Task)
	if err != nil {
		if errors.Is(err, agerrors.ErrInvalidInput) {
			return errResponse(c, fiber.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Msg("failed to start session")
		return errResponse(c, fiber.StatusInternalServerError, "failed to start session")
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

// StopSession ends the tracked session after flushing its final period.
func (h *Handlers) StopSession(c *fiber.Ctx) error {
	if err := h.manager.StopSession(); err != nil {
		if errors.Is(err, agerrors.ErrNoActiveSession) {
			return errResponse(c, fiber.StatusConflict, "no active session")
		}
		h.logger.Error().Err(err).Msg("failed to stop session")
		return errResponse(c, fiber.StatusInternalServerError, "failed to stop session")
	}
	return c.JSON(fiber.Map{"status": "stopped"})
}

// EditorCounts accepts an editor extension payload for the current period.
func (h *Handlers) EditorCounts(c *fiber.Ctx) error {
	var counts scoring.EditorCounts
	if err := c.BodyParser(&counts); err != nil {
		return errResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.manager.ReportEditorCounts(counts); err != nil {
		return errResponse(c, fiber.StatusConflict, "no active session")
	}
	return c.JSON(fiber.Map{"status": "accepted"})
}

type screenshotRequest struct {
	LocalPath  string `json:"localPath"`
	CapturedAt int64  `json:"capturedAt"`
	Notes      string `json:"notes"`
}

// Screenshot registers a capture with the active session's window.
func (h *Handlers) Screenshot(c *fiber.Ctx) error {
	var req screenshotRequest
	if err := c.BodyParser(&req); err != nil || req.LocalPath == "" {
		return errResponse(c, fiber.StatusBadRequest, "localPath is required")
	}

	sc := &store.Screenshot{
		LocalPath:  req.LocalPath,
		CapturedAt: req.CapturedAt,
		Notes:      req.Notes,
	}
	if err := h.manager.RecordScreenshot(sc); err != nil {
		return errResponse(c, fiber.StatusConflict, "no active session")
	}
	return c.Status(fiber.StatusAccepted).JSON(sc)
}

// ScreenshotDetail returns a screenshot with its aggregate score and the
// validity verdict, both derived on demand from the attached periods rather
// than stored.
func (h *Handlers) ScreenshotDetail(c *fiber.Ctx) error {
	sc, err := h.store.GetScreenshot(c.Params("id"))
	if err != nil {
		return errResponse(c, fiber.StatusInternalServerError, "failed to load screenshot")
	}
	if sc == nil {
		return errResponse(c, fiber.StatusNotFound, "screenshot not found")
	}

	periods, err := h.store.PeriodsByScreenshot(sc.ID)
	if err != nil {
		return errResponse(c, fiber.StatusInternalServerError, "failed to load periods")
	}
	scores := make([]int, 0, len(periods))
	for _, p := range periods {
		scores = append(scores, p.ActivityScore)
	}
	agg := scoring.DiscardWorstAverage(scores, scoring.ScreenshotAggregate)

	valid, err := h.captureValid(sc, int(math.Round(agg)))
	if err != nil {
		return errResponse(c, fiber.StatusInternalServerError, "failed to evaluate validity")
	}

	return c.JSON(fiber.Map{
		"screenshot":     sc,
		"periods":        periods,
		"aggregateScore": agg,
		"valid":          valid,
	})
}

// captureValid applies the three-tier validity rule to one capture, using its
// neighbors in capture order and every capture in the same clock hour.
func (h *Handlers) captureValid(sc *store.Screenshot, score int) (bool, error) {
	hourStart := time.UnixMilli(sc.CapturedAt).UTC().Truncate(time.Hour)
	shots, err := h.store.ScreenshotsInRange(sc.UserID, hourStart.UnixMilli(), hourStart.Add(time.Hour).UnixMilli())
	if err != nil {
		return false, err
	}

	idx := -1
	hourScores := make([]int, 0, len(shots))
	for i, s := range shots {
		if s.ID == sc.ID {
			idx = i
			hourScores = append(hourScores, score)
			continue
		}
		as, err := h.aggregateScore(s.ID)
		if err != nil {
			return false, err
		}
		hourScores = append(hourScores, as)
	}

	prev, next := scoring.NoNeighbor, scoring.NoNeighbor
	if idx > 0 {
		prev = hourScores[idx-1]
	}
	if idx >= 0 && idx < len(hourScores)-1 {
		next = hourScores[idx+1]
	}
	return scoring.CaptureValid(score, prev, next, hourScores), nil
}

func (h *Handlers) aggregateScore(screenshotID string) (int, error) {
	periods, err := h.store.PeriodsByScreenshot(screenshotID)
	if err != nil {
		return 0, err
	}
	scores := make([]int, 0, len(periods))
	for _, p := range periods {
		scores = append(scores, p.ActivityScore)
	}
	return int(math.Round(scoring.DiscardWorstAverage(scores, scoring.ScreenshotAggregate))), nil
}

// ScreenshotSync reports the per-screenshot sync fraction and status.
func (h *Handlers) ScreenshotSync(c *fiber.Ctx) error {
	state, err := h.store.ScreenshotSyncStatus(c.Params("id"))
	if err != nil {
		if errors.Is(err, agerrors.ErrNotFound) {
			return errResponse(c, fiber.StatusNotFound, "screenshot not found")
		}
		h.logger.Error().Err(err).Msg("failed to compute screenshot sync status")
		return errResponse(c, fiber.StatusInternalServerError, "failed to compute sync status")
	}
	return c.JSON(state)
}

// SyncState reports queue depth, failed items, and the last conflict seen.
func (h *Handlers) SyncState(c *fiber.Ctx) error {
	pending, failed, err := h.store.QueueDepth()
	if err != nil {
		return errResponse(c, fiber.StatusInternalServerError, "failed to read queue depth")
	}

	resp := fiber.Map{
		"pending": pending,
		"failed":  failed,
		"enabled": h.queue != nil,
	}
	if failed > 0 {
		if items, ferr := h.store.ListFailed(); ferr == nil {
			resp["failedItems"] = items
		}
	}
	if h.queue != nil {
		if ce := h.queue.LastConflict(); ce != nil {
			resp["lastConflict"] = fiber.Map{
				"currentDevice":     ce.CurrentDevice,
				"conflictingDevice": ce.ConflictingDevice,
				"windowStart":       ce.WindowStart.UnixMilli(),
				"windowEnd":         ce.WindowEnd.UnixMilli(),
			}
		}
	}
	return c.JSON(resp)
}

// SyncRetry requeues permanently failed items for delivery.
func (h *Handlers) SyncRetry(c *fiber.Ctx) error {
	n, err := h.store.RetryFailed()
	if err != nil {
		return errResponse(c, fiber.StatusInternalServerError, "failed to requeue items")
	}
	if h.queue != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			h.queue.DrainOnce(ctx)
		}()
	}
	return c.JSON(fiber.Map{"requeued": n})
}

// SyncPurge drops permanently failed items.
func (h *Handlers) SyncPurge(c *fiber.Ctx) error {
	n, err := h.store.PurgeFailed()
	if err != nil {
		return errResponse(c, fiber.StatusInternalServerError, "failed to purge items")
	}
	return c.JSON(fiber.Map{"purged": n})
}

// Reset stops any active session and deletes all local data.
func (h *Handlers) Reset(c *fiber.Ctx) error {
	if err := h.manager.StopSession(); err != nil && !errors.Is(err, agerrors.ErrNoActiveSession) {
		h.logger.Error().Err(err).Msg("failed to stop session before reset")
		return errResponse(c, fiber.StatusInternalServerError, "failed to stop session")
	}
	if err := h.store.ResetAll(); err != nil {
		h.logger.Error().Err(err).Msg("failed to reset store")
		return errResponse(c, fiber.StatusInternalServerError, "failed to reset data")
	}
	h.logger.Warn().Msg("all local data deleted")
	return c.JSON(fiber.Map{"status": "reset"})
}
