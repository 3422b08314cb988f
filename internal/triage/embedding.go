package triage

import (
	"context"
	"fmt"
	"math"
)

const (
	// EmbedBodyChars is how much of the body contributes to the embedding text.
	EmbedBodyChars = 1000

	// EmbedInputChars caps the total embedding input.
	EmbedInputChars = 8000

	// DefaultEmbeddingDims matches text-embedding-3-small.
	DefaultEmbeddingDims = 1536

	// DefaultNeighbors is the k used for confidence neighbor search.
	DefaultNeighbors = 5
)

// NeighborSearcher finds the nearest stored messages to a vector.
type NeighborSearcher interface {
	Nearest(ctx context.Context, ownerID, excludeID string, vec []float32, k int) ([]Neighbor, error)
}

// EmbeddingIndex embeds messages and finds similar prior messages.
type EmbeddingIndex struct {
	embedder Embedder
	search   NeighborSearcher
	dims     int
	k        int
}

// NewEmbeddingIndex creates an index. dims and k fall back to their defaults
// when not positive.
func NewEmbeddingIndex(embedder Embedder, search NeighborSearcher, dims, k int) *EmbeddingIndex {
	if dims <= 0 {
		dims = DefaultEmbeddingDims
	}
	if k <= 0 {
		k = DefaultNeighbors
	}
	return &EmbeddingIndex{embedder: embedder, search: search, dims: dims, k: k}
}

// EmbeddingText is the canonical text embedded for a message.
func EmbeddingText(subject, body string) string {
	return truncateRunes(subject+" "+truncateRunes(body, EmbedBodyChars), EmbedInputChars)
}

// Embed computes the embedding for msg.
func (x *EmbeddingIndex) Embed(ctx context.Context, msg *Message) ([]float32, error) {
	vec, err := x.embedder.Embed(ctx, EmbeddingText(msg.Subject, msg.Body))
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) != x.dims {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrValidation, len(vec), x.dims)
	}
	return vec, nil
}

// Neighbors returns up to k messages nearest to vec, excluding msg itself.
// An empty result is normal for an owner with no embedded history.
func (x *EmbeddingIndex) Neighbors(ctx context.Context, msg *Message, vec []float32) ([]Neighbor, error) {
	return x.NeighborsK(ctx, msg, vec, x.k)
}

// NeighborsK is Neighbors with an explicit k.
func (x *EmbeddingIndex) NeighborsK(ctx context.Context, msg *Message, vec []float32, k int) ([]Neighbor, error) {
	if len(vec) == 0 || k <= 0 {
		return nil, nil
	}
	n, err := x.search.Nearest(ctx, msg.OwnerID, msg.ID, vec, k)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}
	return n, nil
}

// CosineDistance returns 1 - cosine similarity of a and b. Vectors of
// mismatched length or zero magnitude are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
