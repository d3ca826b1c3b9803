package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient records which texts reach the underlying model.
type countingClient struct {
	dim   int
	calls [][]string
}

func (c *countingClient) ModelName() string { return "counting" }
func (c *countingClient) Dimension() int    { return c.dim }

func (c *countingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *countingClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, texts)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, c.dim)
		vec[0] = float32(len(text))
		out[i] = vec
	}
	return out, nil
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(2)

	require.NoError(t, cache.Set(ctx, "m", "a", []float32{1}))
	require.NoError(t, cache.Set(ctx, "m", "b", []float32{2}))

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := cache.Get(ctx, "m", "a")
	require.True(t, ok)

	require.NoError(t, cache.Set(ctx, "m", "c", []float32{3}))

	_, ok = cache.Get(ctx, "m", "a")
	assert.True(t, ok)
	_, ok = cache.Get(ctx, "m", "b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = cache.Get(ctx, "m", "c")
	assert.True(t, ok)
}

func TestMemoryCacheKeysByModel(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10)

	require.NoError(t, cache.Set(ctx, "model-a", "text", []float32{1}))
	_, ok := cache.Get(ctx, "model-b", "text")
	assert.False(t, ok, "different models must not share entries")
}

func TestCachedClientSkipsKnownTexts(t *testing.T) {
	ctx := context.Background()
	inner := &countingClient{dim: 3}
	client := NewCachedClient(inner, NewMemoryCache(100))

	first, err := client.EmbedDocuments(ctx, []string{"aa", "bbb"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, inner.calls, 1)

	second, err := client.EmbedDocuments(ctx, []string{"aa", "cccc", "bbb"})
	require.NoError(t, err)
	require.Len(t, second, 3)

	// Only the unseen text goes to the model.
	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"cccc"}, inner.calls[1])

	// Results merge back in input order.
	assert.Equal(t, float32(2), second[0][0])
	assert.Equal(t, float32(4), second[1][0])
	assert.Equal(t, float32(3), second[2][0])
}

func TestCachedClientEmbedQueryUsesCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingClient{dim: 2}
	cache := NewMemoryCache(10)
	client := NewCachedClient(inner, cache)

	_, err := client.EmbedQuery(ctx, "hello")
	require.NoError(t, err)
	_, err = client.EmbedQuery(ctx, "hello")
	require.NoError(t, err)

	assert.Len(t, inner.calls, 1)
	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCacheKeyDistinct(t *testing.T) {
	assert.NotEqual(t, cacheKey("m", "ab"), cacheKey("ma", "b"),
		"key must separate model and text")
}
