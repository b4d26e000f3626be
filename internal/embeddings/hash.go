package embeddings

import (
	"context"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/xiy/agent-memory/internal/lexicon"
)

// DefaultDimension is the vector length used when none is configured.
const DefaultDimension = 384

const (
	wordWeight    = 1.0
	trigramWeight = 0.5
)

// HashEmbedder is a feature-hashing embedder. Word unigrams and character
// trigrams are hashed into signed buckets and the result is L2-normalized, so
// texts that share vocabulary have a higher cosine similarity.
type HashEmbedder struct {
	dim int
}

var _ Provider = (*HashEmbedder)(nil)

// NewHashEmbedder returns an embedder producing vectors of length dim.
// dim <= 0 selects DefaultDimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed never fails; the context is accepted to satisfy Provider.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.Generate(text), nil
}

// Generate returns the embedding of text. Empty or symbol-only input yields the
// zero vector.
func (h *HashEmbedder) Generate(text string) []float32 {
	acc := make([]float64, h.dim)
	for _, w := range lexicon.Words(text) {
		h.add(acc, "w:"+w, wordWeight)
		padded := []rune(" " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(acc, "t:"+string(padded[i:i+3]), trigramWeight)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, h.dim)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

func (h *HashEmbedder) add(acc []float64, feature string, weight float64) {
	sum := xxhash.Sum64String(feature)
	idx := int(sum % uint64(h.dim))
	// The top bit picks the sign so collisions tend to cancel rather than pile up.
	if sum>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}
