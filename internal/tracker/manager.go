package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/worklens/agent/internal/activity"
	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/scoring"
	"github.com/worklens/agent/internal/store"
)

// Config identifies the measured user and tunes persistence scoring.
type Config struct {
	UserID      string
	DeviceID    string
	BoostFactor float64
}

// Manager owns the session lifecycle. It is the single entry point for
// start/stop/switch/restore and wires a period scheduler and window manager
// to each active session.
type Manager struct {
	cfg       Config
	store     *store.Store
	acc       *activity.Accumulator
	collector *activity.Collector
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu      sync.Mutex
	session *store.Session
	ps      *PeriodScheduler
	wm      *WindowManager
	cancel  context.CancelFunc

	now func() time.Time
}

// NewManager creates a session manager.
func NewManager(cfg Config, st *store.Store, acc *activity.Accumulator, collector *activity.Collector,
	m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.BoostFactor <= 0 {
		cfg.BoostFactor = scoring.StorageBoost
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		acc:       acc,
		collector: collector,
		metrics:   m,
		logger:    logger.With().Str("component", "session-manager").Logger(),
		now:       time.Now,
	}
}

// StartSession ends any current session, creates a new one, resets the
// accumulators, and starts the measurement loops.
func (m *Manager) StartSession(ctx context.Context, mode, projectID, task string) (*store.Session, error) {
	if mode != store.ModeClientHours && mode != store.ModeCommandHours {
		return nil, fmt.Errorf("%w: unknown mode %q", agerrors.ErrInvalidInput, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		if err := m.stopLocked(); err != nil {
			return nil, err
		}
	}

	sess := &store.Session{
		UserID:    m.cfg.UserID,
		Mode:      mode,
		ProjectID: projectID,
		Task:      task,
		StartTime: m.now().UnixMilli(),
		DeviceID:  m.cfg.DeviceID,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.resetStateLocked()
	if err := m.attachLocked(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info().Str("session_id", sess.ID).Str("mode", mode).Msg("session started")
	return sess, nil
}

// StopSession flushes the final period, seals remaining windows, and ends the
// session. It returns only after all measured data has been persisted.
func (m *Manager) StopSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return agerrors.ErrNoActiveSession
	}
	return m.stopLocked()
}

// SwitchMode stops the current session, if any, and starts a new one in the
// given mode.
func (m *Manager) SwitchMode(ctx context.Context, mode, projectID, task string) (*store.Session, error) {
	return m.StartSession(ctx, mode, projectID, task)
}

// RestoreSession re-attaches to a session still marked active in the store
// after a process restart. Sessions that ran past UTC midnight are ended
// instead of resumed; schedule boundaries are recomputed from current time.
func (m *Manager) RestoreSession(ctx context.Context) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	midnight := m.now().UTC().Truncate(24 * time.Hour)
	ended, err := m.store.EndSessionsStartedBefore(midnight.UnixMilli(), midnight.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ending stale sessions: %w", err)
	}
	if len(ended) > 0 {
		m.logger.Info().Strs("session_ids", ended).Msg("ended sessions from a previous day")
	}

	sess, err := m.store.GetActiveSession(m.cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("looking up active session: %w", err)
	}
	if sess == nil {
		return nil, agerrors.ErrNoActiveSession
	}

	m.resetStateLocked()
	if err := m.attachLocked(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info().Str("session_id", sess.ID).Str("mode", sess.Mode).Msg("session restored")
	return sess, nil
}

// Active returns a copy of the active session, or nil.
func (m *Manager) Active() *store.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	sess := *m.session
	return &sess
}

// ReportEditorCounts feeds an editor extension payload into the current
// period. Returns ErrNoActiveSession when nothing is being tracked.
func (m *Manager) ReportEditorCounts(c scoring.EditorCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ps == nil {
		return agerrors.ErrNoActiveSession
	}
	m.ps.ReportEditorCounts(c)
	return nil
}

// RecordScreenshot registers a capture with the active session's window
// manager. Session and user fields are filled in from the session when empty.
func (m *Manager) RecordScreenshot(sc *store.Screenshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.wm == nil {
		return agerrors.ErrNoActiveSession
	}

	if sc.SessionID == "" {
		sc.SessionID = m.session.ID
	}
	if sc.UserID == "" {
		sc.UserID = m.session.UserID
	}
	if sc.Mode == "" {
		sc.Mode = m.session.Mode
	}
	if sc.CapturedAt == 0 {
		sc.CapturedAt = m.now().UnixMilli()
	}
	m.wm.AddScreenshot(sc)
	return nil
}

func (m *Manager) attachLocked(ctx context.Context, sess *store.Session) error {
	runCtx, cancel := context.WithCancel(ctx)

	wm := NewWindowManager(m.store, m.metrics, m.logger)
	wm.Start(runCtx)

	ps := NewPeriodScheduler(sess, m.acc, m.collector, wm, m.cfg.BoostFactor, m.metrics, m.logger)
	if err := ps.Start(runCtx); err != nil {
		cancel()
		return err
	}

	m.session = sess
	m.wm = wm
	m.ps = ps
	m.cancel = cancel
	return nil
}

func (m *Manager) stopLocked() error {
	sess := m.session

	m.ps.Stop()
	m.wm.FlushAll()
	m.cancel()

	err := m.store.EndSession(sess.ID, m.now().UnixMilli())

	m.session = nil
	m.ps = nil
	m.wm = nil
	m.cancel = nil

	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	m.logger.Info().Str("session_id", sess.ID).Msg("session stopped")
	return nil
}

func (m *Manager) resetStateLocked() {
	m.acc.Reset()
	m.collector.TakeActiveSeconds()
}
