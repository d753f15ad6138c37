package contextstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectCache_Eviction(t *testing.T) {
	cache := newObjectCache(2)

	for i := 0; i < 3; i++ {
		cache.put(taskObject(fmt.Sprintf("ctx-%d", i), "s1"))
	}

	assert.Equal(t, 2, cache.len())
	_, ok := cache.get("ctx-0")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = cache.get("ctx-2")
	assert.True(t, ok)
}

func TestObjectCache_RecencyOnGet(t *testing.T) {
	cache := newObjectCache(2)
	cache.put(taskObject("a", "s1"))
	cache.put(taskObject("b", "s1"))

	_, ok := cache.get("a")
	require.True(t, ok)

	cache.put(taskObject("c", "s1"))

	_, ok = cache.get("a")
	assert.True(t, ok, "recently read entry should survive")
	_, ok = cache.get("b")
	assert.False(t, ok)
}

func TestObjectCache_Invalidate(t *testing.T) {
	cache := newObjectCache(4)
	cache.put(taskObject("a", "s1"))
	cache.invalidate("a")
	cache.invalidate("never-stored")

	_, ok := cache.get("a")
	assert.False(t, ok)
}

func TestObjectCache_ExpiredEntryIsMiss(t *testing.T) {
	cache := newObjectCache(4)
	obj := taskObject("a", "s1")
	past := time.Now().Add(-time.Second)
	obj.ExpiresAt = &past
	cache.put(obj)

	_, ok := cache.get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.len())
}
