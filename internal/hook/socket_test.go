package hook

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agerrors "github.com/worklens/agent/internal/errors"
)

func collectEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(events))
		}
	}
	return events
}

func TestSocketSourceDeliversEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.sock")
	src := NewSocketSource(path, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx))
	assert.False(t, src.Degraded())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"key","code":65,"ts":1700000000000}
{"type":"click","right":true}
{"type":"scroll"}
{"type":"move","x":100.5,"y":200.25}
not json at all
{"type":"teleport"}
{"type":"key","code":13}
`))
	require.NoError(t, err)

	events := collectEvents(t, src.Events(), 5)

	assert.Equal(t, KindKey, events[0].Kind)
	assert.Equal(t, 65, events[0].Code)
	assert.Equal(t, int64(1700000000000), events[0].UnixMs)

	assert.Equal(t, KindClick, events[1].Kind)
	assert.True(t, events[1].Right)
	assert.NotZero(t, events[1].UnixMs)

	assert.Equal(t, KindScroll, events[2].Kind)

	assert.Equal(t, KindMove, events[3].Kind)
	assert.Equal(t, 100.5, events[3].X)
	assert.Equal(t, 200.25, events[3].Y)

	// Malformed and unknown lines are skipped, not fatal.
	assert.Equal(t, KindKey, events[4].Kind)
	assert.Equal(t, 13, events[4].Code)
}

func TestSocketSourceReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.sock")

	first := NewSocketSource(path, zerolog.Nop())
	ctx1, cancel1 := context.WithCancel(context.Background())
	require.NoError(t, first.Start(ctx1))
	cancel1()

	// A second bind on the same path succeeds after the stale file is removed.
	second := NewSocketSource(path, zerolog.Nop())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	assert.Eventually(t, func() bool {
		return second.Start(ctx2) == nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestSocketSourceBindFailure(t *testing.T) {
	src := NewSocketSource("/nonexistent-dir/sub/hook.sock", zerolog.Nop())
	err := src.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, agerrors.ErrHookUnavailable)
}

func TestChanSourceEmit(t *testing.T) {
	src := NewChanSource(2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, src.Start(ctx))

	assert.True(t, src.Emit(Event{Kind: KindKey, Code: 65}))
	assert.True(t, src.Emit(Event{Kind: KindKey, Code: 66}))
	assert.False(t, src.Emit(Event{Kind: KindKey, Code: 67}))

	ev := <-src.Events()
	assert.Equal(t, 65, ev.Code)

	cancel()
	// Channel closes once the remaining buffered event is drained.
	ev, ok := <-src.Events()
	assert.True(t, ok)
	assert.Equal(t, 66, ev.Code)
}

func TestDegradedSource(t *testing.T) {
	src := NewDegradedSource(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, src.Start(ctx))
	assert.True(t, src.Degraded())

	cancel()
	_, ok := <-src.Events()
	assert.False(t, ok)
}
