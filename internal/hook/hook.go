// Package hook is the boundary to the OS input hook.
//
// The native callback thread must never touch shared counters directly; it
// only pushes events into a bounded channel that the collector goroutine
// drains. When hook permissions are missing the agent degrades to a source
// that delivers nothing and reports itself degraded, instead of crashing.
package hook

import (
	"context"

	"github.com/rs/zerolog"
)

// Kind discriminates raw input events.
type Kind int

const (
	KindKey Kind = iota
	KindClick
	KindScroll
	KindMove
)

// Event is one raw input event from the OS hook.
type Event struct {
	Kind   Kind
	Code   int     // key code, for KindKey
	Right  bool    // secondary button, for KindClick
	X, Y   float64 // pointer position, for KindMove
	UnixMs int64
}

// Source delivers raw input events over a bounded channel.
type Source interface {
	// Events returns the event channel. The source closes it when the
	// hook shuts down.
	Events() <-chan Event

	// Start attaches the hook. It returns ErrHookUnavailable-wrapped
	// errors when OS permissions are missing.
	Start(ctx context.Context) error

	// Degraded reports whether the source is running without a working
	// hook, producing zero events.
	Degraded() bool
}

// DefaultBuffer is the bounded channel size between the hook callback thread
// and the collector. Callbacks drop events rather than block when it is full.
const DefaultBuffer = 1024

// DegradedSource is a Source with no working hook. It emits nothing and
// reports degraded, so tracking falls back to zero-activity scoring.
type DegradedSource struct {
	ch     chan Event
	logger zerolog.Logger
}

// NewDegradedSource creates a source that never emits events.
func NewDegradedSource(logger zerolog.Logger) *DegradedSource {
	return &DegradedSource{
		ch:     make(chan Event),
		logger: logger.With().Str("component", "hook").Logger(),
	}
}

func (s *DegradedSource) Events() <-chan Event { return s.ch }

func (s *DegradedSource) Start(ctx context.Context) error {
	s.logger.Warn().Msg("input hook unavailable, tracking degraded to zero activity")
	go func() {
		<-ctx.Done()
		close(s.ch)
	}()
	return nil
}

func (s *DegradedSource) Degraded() bool { return true }

// ChanSource adapts an externally fed channel into a Source. The platform
// hook bindings and tests push events into it via Emit.
type ChanSource struct {
	ch chan Event
}

// NewChanSource creates a Source with the given buffer size.
func NewChanSource(buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &ChanSource{ch: make(chan Event, buffer)}
}

func (s *ChanSource) Events() <-chan Event { return s.ch }

func (s *ChanSource) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		close(s.ch)
	}()
	return nil
}

func (s *ChanSource) Degraded() bool { return false }

// Emit pushes an event without blocking. Returns false if the buffer was
// full and the event was dropped.
func (s *ChanSource) Emit(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}
