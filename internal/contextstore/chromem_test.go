package contextstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmnsystems/secondbrain-sub001/internal/embeddings"
)

func newTestChromemTier(t *testing.T) *ChromemTier {
	t.Helper()
	tier, err := NewChromemTier(ChromemConfig{Path: t.TempDir()},
		embeddings.NewStaticProvider(32), nil)
	require.NoError(t, err)
	return tier
}

func TestChromemTier_RequiresEmbedder(t *testing.T) {
	_, err := NewChromemTier(ChromemConfig{Path: t.TempDir()}, nil, nil)
	assert.ErrorIs(t, err, ErrSemanticUnavailable)
}

func TestChromemTier_StoreAndGetByID(t *testing.T) {
	tier := newTestChromemTier(t)
	ctx := context.Background()

	obj := taskObject("11111111-1111-1111-1111-111111111111", "s1", "urgent")
	require.NoError(t, tier.Store(ctx, obj))

	got, err := tier.GetByID(ctx, obj.Metadata.ContextID)
	require.NoError(t, err)
	assert.Equal(t, obj.Metadata.ContextID, got.Metadata.ContextID)
	assert.Equal(t, "task "+obj.Metadata.ContextID, got.Content["title"])

	_, err = tier.GetByID(ctx, "22222222-2222-2222-2222-222222222222")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChromemTier_FindByFilter(t *testing.T) {
	tier := newTestChromemTier(t)
	ctx := context.Background()

	a := taskObject("11111111-1111-1111-1111-111111111111", "s1")
	a.Content["summary"] = "quarterly report on revenue"
	b := taskObject("22222222-2222-2222-2222-222222222222", "s2")
	b.Content["summary"] = "kubernetes cluster upgrade"
	require.NoError(t, tier.Store(ctx, a))
	require.NoError(t, tier.Store(ctx, b))

	results, err := tier.FindByFilter(ctx, Filter{Text: "quarterly revenue report", Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, a.Metadata.ContextID, results[0].Metadata.ContextID)

	// Metadata predicates constrain the candidates.
	scoped, err := tier.FindByFilter(ctx, Filter{Text: "anything at all", SessionID: "s2", Limit: 5})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, b.Metadata.ContextID, scoped[0].Metadata.ContextID)
}

func TestChromemTier_FindRequiresText(t *testing.T) {
	tier := newTestChromemTier(t)

	_, err := tier.FindByFilter(context.Background(), Filter{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrSemanticUnavailable)
}

func TestChromemTier_EmptyCollection(t *testing.T) {
	tier := newTestChromemTier(t)

	results, err := tier.FindByFilter(context.Background(), Filter{Text: "anything"})
	require.NoError(t, err)
	assert.Empty(t, results)
}
