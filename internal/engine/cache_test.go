package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTallyCache(t *testing.T) {
	c := NewTallyCache()
	_, ok := c.Get("p1")
	assert.False(t, ok)

	c.Put("p1", 3)
	c.Put("p2", -1)
	c.Put("p1", 4)
	v, ok := c.Get("p1")
	assert.True(t, ok)
	assert.Equal(t, int64(4), v)
	assert.Equal(t, 2, c.Len())

	c.Del("p1")
	_, ok = c.Get("p1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestTallyCache_DroppedWithWatch(t *testing.T) {
	f := newFixture(t)
	h, err := f.e.ItemCreated("p1")
	assert.NoError(t, err)
	f.settle()
	assert.Equal(t, 1, f.e.cache.Len())

	h.Release()
	f.settle()
	assert.Equal(t, 0, f.e.cache.Len())
}
