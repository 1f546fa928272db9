// Package status exposes the local ops API: session control, sync state,
// health probes, and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/worklens/agent/internal/health"
	"github.com/worklens/agent/internal/hook"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/requestid"
	"github.com/worklens/agent/internal/store"
	"github.com/worklens/agent/internal/syncq"
	"github.com/worklens/agent/internal/tracker"
)

// Server is the local ops API Fiber application. It binds to loopback; there
// is no auth layer.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
}

// NewServer creates and configures the ops API server. queue and
// metricsCollector may be nil when sync or metrics are disabled.
func NewServer(
	manager *tracker.Manager,
	st *store.Store,
	queue *syncq.Queue,
	source hook.Source,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	checker := newChecker(st, queue, source, logger)
	handlers := NewHandlers(manager, st, queue, source, checker, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "status_server").Logger(),
	}

	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})
	s.setupRoutes(metricsCollector)
	return s
}

// newChecker registers readiness checks for the store, the input hook, and
// the sync queue.
func newChecker(st *store.Store, queue *syncq.Queue, source hook.Source, logger zerolog.Logger) *health.Checker {
	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if _, err := st.SchemaVersion(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})
	if source != nil {
		checker.Register("hook", func(ctx context.Context) health.Status {
			if source.Degraded() {
				return health.StatusDegraded
			}
			return health.StatusOK
		})
	}
	if queue != nil {
		checker.Register("sync", func(ctx context.Context) health.Status {
			_, failed, err := st.QueueDepth()
			if err != nil {
				return health.StatusDown
			}
			if failed > 0 {
				return health.StatusDegraded
			}
			return health.StatusOK
		})
	}
	return checker
}

func (s *Server) setupRoutes(metricsCollector *metrics.Metrics) {
	h := s.handlers

	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	}

	v1 := s.app.Group("/v1")
	v1.Get("/status", h.Status)
	v1.Post("/session/start", h.StartSession)
	v1.Post("/session/stop", h.StopSession)
	v1.Post("/editor/counts", h.EditorCounts)
	v1.Post("/screenshots", h.Screenshot)
	v1.Get("/screenshots/:id", h.ScreenshotDetail)
	v1.Get("/screenshots/:id/sync", h.ScreenshotSync)
	v1.Get("/sync", h.SyncState)
	v1.Post("/sync/retry", h.SyncRetry)
	v1.Post("/sync/purge", h.SyncPurge)
	v1.Post("/reset", h.Reset)
}

// Listen serves the ops API until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("ops api listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
