package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
)

const defaultStaticDimension = 64

// StaticProvider produces deterministic embeddings derived from token
// hashes. It needs no external service, which makes it suitable for
// tests and offline deployments where approximate similarity is enough.
type StaticProvider struct {
	dimension int
}

// NewStaticProvider creates a deterministic hash-based embedder.
func NewStaticProvider(dimension int) *StaticProvider {
	if dimension <= 0 {
		dimension = defaultStaticDimension
	}
	return &StaticProvider{dimension: dimension}
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *StaticProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embed(text)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *StaticProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	return p.embed(text), nil
}

// Dimension returns the embedding dimension.
func (p *StaticProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op.
func (p *StaticProvider) Close() error {
	return nil
}

// embed buckets character trigrams into the vector and L2-normalizes,
// so shared substrings yield nearby vectors.
func (p *StaticProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	for i := 0; i+3 <= len(text); i++ {
		h := fnv.New32a()
		_, _ = h.Write([]byte(text[i : i+3]))
		sum := h.Sum32()
		vec[int(sum)%p.dimension] += 1.0
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1.0
		return vec
	}
	inv := float32(1.0 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
