package contextstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskObject(id, session string, tags ...string) *Object {
	return &Object{
		Metadata: Metadata{
			ContextID:   id,
			ContextType: TypeTask,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
			SessionID:   session,
			Tags:        tags,
		},
		Content: map[string]any{"title": "task " + id},
	}
}

func TestMemoryTier_StoreAndGet(t *testing.T) {
	tier := NewMemoryTier(nil)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, taskObject("a", "s1")))

	got, err := tier.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Metadata.ContextID)

	_, err = tier.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTier_GetReturnsCopy(t *testing.T) {
	tier := NewMemoryTier(nil)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, taskObject("a", "s1")))

	first, err := tier.GetByID(ctx, "a")
	require.NoError(t, err)
	first.Content["title"] = "mutated"

	second, err := tier.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "task a", second.Content["title"])
}

func TestMemoryTier_FindByFilter(t *testing.T) {
	tier := NewMemoryTier(nil)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, taskObject("a", "s1", "urgent")))
	require.NoError(t, tier.Store(ctx, taskObject("b", "s1")))
	require.NoError(t, tier.Store(ctx, taskObject("c", "s2", "urgent")))

	bySession, err := tier.FindByFilter(ctx, Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	// Insertion order.
	assert.Equal(t, "a", bySession[0].Metadata.ContextID)
	assert.Equal(t, "b", bySession[1].Metadata.ContextID)

	byTag, err := tier.FindByFilter(ctx, Filter{Tags: []string{"urgent"}})
	require.NoError(t, err)
	assert.Len(t, byTag, 2)

	both, err := tier.FindByFilter(ctx, Filter{SessionID: "s1", Tags: []string{"urgent"}})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "a", both[0].Metadata.ContextID)

	limited, err := tier.FindByFilter(ctx, Filter{SessionID: "s1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	all, err := tier.FindByFilter(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryTier_ReplaceUpdatesIndexes(t *testing.T) {
	tier := NewMemoryTier(nil)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, taskObject("a", "s1", "urgent")))

	replacement := taskObject("a", "s2")
	require.NoError(t, tier.Store(ctx, replacement))

	old, err := tier.FindByFilter(ctx, Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, old)

	tagged, err := tier.FindByFilter(ctx, Filter{Tags: []string{"urgent"}})
	require.NoError(t, err)
	assert.Empty(t, tagged)

	fresh, err := tier.FindByFilter(ctx, Filter{SessionID: "s2"})
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestMemoryTier_Expiry(t *testing.T) {
	tier := NewMemoryTier(nil)
	ctx := context.Background()

	expired := taskObject("a", "s1")
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	require.NoError(t, tier.Store(ctx, expired))

	_, err := tier.GetByID(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := tier.FindByFilter(ctx, Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMemoryTier_Delete(t *testing.T) {
	tier := NewMemoryTier(nil)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, taskObject("a", "s1", "urgent")))
	require.NoError(t, tier.Delete(ctx, "a"))
	require.NoError(t, tier.Delete(ctx, "a"))

	_, err := tier.GetByID(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, tier.Len())
}
