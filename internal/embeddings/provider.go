package embeddings

import "context"

// Provider turns text into a fixed-length vector. Implementations must be
// deterministic and safe for concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
