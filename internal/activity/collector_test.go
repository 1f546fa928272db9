package activity

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/agent/internal/botdetect"
	"github.com/worklens/agent/internal/hook"
	"github.com/worklens/agent/internal/metrics"
)

func TestCollector_DrainsEvents(t *testing.T) {
	acc := NewAccumulator()
	c := NewCollector(acc, botdetect.New(), metrics.New(), zerolog.Nop())

	src := hook.NewChanSource(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx))
	require.NoError(t, c.Start(ctx, src.Events()))

	src.Emit(hook.Event{Kind: hook.KindKey, Code: 'A', UnixMs: 1000})
	src.Emit(hook.Event{Kind: hook.KindClick, Right: true, UnixMs: 1400})
	src.Emit(hook.Event{Kind: hook.KindScroll, UnixMs: 1600})
	src.Emit(hook.Event{Kind: hook.KindMove, X: 10, Y: 10, UnixMs: 1700})
	src.Emit(hook.Event{Kind: hook.KindMove, X: 60, Y: 10, UnixMs: 1800})

	assert.Eventually(t, func() bool {
		m := acc.Snapshot()
		return m.KeyHits == 1 && m.MouseClicks == 1 && m.MouseScrolls == 1 && m.MouseDistancePx > 49
	}, time.Second, 5*time.Millisecond)
}

func TestCollector_AppliesRetroactivePenalty(t *testing.T) {
	acc := NewAccumulator()
	c := NewCollector(acc, botdetect.New(), metrics.New(), zerolog.Nop())

	src := hook.NewChanSource(4096)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx))
	require.NoError(t, c.Start(ctx, src.Events()))

	// Same key code repeated far past the automation threshold.
	ts := int64(0)
	for i := 0; i < 80; i++ {
		ts += 400
		src.Emit(hook.Event{Kind: hook.KindKey, Code: 88, UnixMs: ts})
	}

	assert.Eventually(t, func() bool {
		return acc.Snapshot().PenaltyApplied
	}, time.Second, 5*time.Millisecond)

	// 80 productive hits halved exactly once, plus any post-penalty events.
	m := acc.Snapshot()
	assert.Less(t, m.ProductiveKeyHits, 60)
}

func TestCollector_StartTwiceFails(t *testing.T) {
	acc := NewAccumulator()
	c := NewCollector(acc, botdetect.New(), metrics.New(), zerolog.Nop())

	src := hook.NewChanSource(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx, src.Events()))
	assert.Error(t, c.Start(ctx, src.Events()))
}

func TestTakeActiveSeconds_Resets(t *testing.T) {
	acc := NewAccumulator()
	c := NewCollector(acc, botdetect.New(), metrics.New(), zerolog.Nop())

	c.mu.Lock()
	c.activeSeconds = 42
	c.mu.Unlock()

	assert.Equal(t, 42, c.TakeActiveSeconds())
	assert.Equal(t, 0, c.TakeActiveSeconds())
}
