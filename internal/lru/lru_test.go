package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAddAndContains(t *testing.T) {
	s := NewSet[int64](3)

	assert.True(t, s.Add(1))
	assert.True(t, s.Add(2))
	assert.False(t, s.Add(1))

	assert.True(t, s.Contains(1))
	assert.True(t, s.Contains(2))
	assert.False(t, s.Contains(3))
	assert.Equal(t, 2, s.Len())
}

func TestSetEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewSet[string](2)
	s.Add("a")
	s.Add("b")

	// Touch "a" so "b" is the eviction victim.
	s.Contains("a")
	s.Add("c")

	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))
	assert.Equal(t, 2, s.Len())
}

func TestSetDeleteAndClear(t *testing.T) {
	s := NewSet[int](4)
	s.Add(1)
	s.Add(2)

	assert.True(t, s.Delete(1))
	assert.False(t, s.Delete(1))
	assert.Equal(t, 1, s.Len())

	s.Clear()
	assert.Zero(t, s.Len())
	assert.False(t, s.Contains(2))
}

func TestSetPanicsOnBadCapacity(t *testing.T) {
	assert.Panics(t, func() { NewSet[int](0) })
}
