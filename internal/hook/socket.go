package hook

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	agerrors "github.com/worklens/agent/internal/errors"
)

// wireEvent is the JSON-lines format the native capture helper writes to the
// hook socket.
type wireEvent struct {
	Type   string  `json:"type"` // key | click | scroll | move
	Code   int     `json:"code,omitempty"`
	Right  bool    `json:"right,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	UnixMs int64   `json:"ts,omitempty"`
}

// SocketSource receives input events from the native capture helper over a
// unix socket, one JSON object per line. The helper owns the OS-level hook;
// this side only decodes and forwards into the bounded channel.
type SocketSource struct {
	path   string
	logger zerolog.Logger

	ch       chan Event
	listener net.Listener

	mu      sync.Mutex
	dropped int64

	now func() time.Time
}

// NewSocketSource creates a source listening on the given socket path.
func NewSocketSource(path string, logger zerolog.Logger) *SocketSource {
	return &SocketSource{
		path:   path,
		logger: logger.With().Str("component", "hook").Str("socket", path).Logger(),
		ch:     make(chan Event, DefaultBuffer),
		now:    time.Now,
	}
}

func (s *SocketSource) Events() <-chan Event { return s.ch }

func (s *SocketSource) Degraded() bool { return false }

// Start binds the socket and accepts helper connections until ctx is
// cancelled. A stale socket file from a crashed run is removed first.
func (s *SocketSource) Start(ctx context.Context) error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("%w: binding hook socket: %v", agerrors.ErrHookUnavailable, err)
	}
	s.listener = ln
	s.logger.Info().Msg("hook socket listening")

	go func() {
		<-ctx.Done()
		ln.Close()
		_ = os.Remove(s.path)
	}()

	go s.accept(ctx)
	return nil
}

func (s *SocketSource) accept(ctx context.Context) {
	defer close(s.ch)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("hook socket accept failed")
			return
		}
		s.logger.Debug().Msg("capture helper connected")
		s.serve(ctx, conn)
	}
}

// serve reads one connection to EOF. The helper reconnects after restarts,
// so connections are handled one at a time.
func (s *SocketSource) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 64<<10)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var we wireEvent
		if err := json.Unmarshal(scanner.Bytes(), &we); err != nil {
			s.logger.Debug().Err(err).Msg("skipping malformed hook event")
			continue
		}
		ev, ok := s.convert(we)
		if !ok {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Never block the read path; the collector is behind.
			s.mu.Lock()
			s.dropped++
			dropped := s.dropped
			s.mu.Unlock()
			if dropped%1000 == 1 {
				s.logger.Warn().Int64("dropped", dropped).Msg("hook event buffer full")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("capture helper connection ended")
	}
}

func (s *SocketSource) convert(we wireEvent) (Event, bool) {
	ev := Event{
		Code:   we.Code,
		Right:  we.Right,
		X:      we.X,
		Y:      we.Y,
		UnixMs: we.UnixMs,
	}
	if ev.UnixMs == 0 {
		ev.UnixMs = s.now().UnixMilli()
	}
	switch we.Type {
	case "key":
		ev.Kind = KindKey
	case "click":
		ev.Kind = KindClick
	case "scroll":
		ev.Kind = KindScroll
	case "move":
		ev.Kind = KindMove
	default:
		return Event{}, false
	}
	return ev, true
}

// Dropped returns how many events were discarded due to a full buffer.
func (s *SocketSource) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
