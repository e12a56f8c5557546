package cachegc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	c, err := NewCache(2, time.Minute)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	c.Set("b", 2)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// Evicts least recently used "b".
	c.Set("c", 3)
	_, ok = c.Get("b")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "expired")
	assert.Equal(t, 0, c.Len(), "GC collected the other expired entry")
}

func TestCache_GC(t *testing.T) {
	c, err := NewCache(8, time.Second)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.Set("old1", nil)
	c.Set("old2", nil)
	now = now.Add(2 * time.Second)
	c.Set("fresh", nil)
	assert.Equal(t, 2, c.GC())
	assert.Equal(t, 1, c.Len())
	c.Remove("fresh")
	assert.Equal(t, 0, c.Len())
}
