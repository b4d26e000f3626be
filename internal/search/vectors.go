package search

import "math"

const (
	SemanticWeight = 0.7
	KeywordWeight  = 0.3
)

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value between -1 and 1; mismatched lengths or a zero vector give 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// CombineScores is the hybrid ranking policy.
func CombineScores(semantic, keyword float64) float64 {
	return semantic*SemanticWeight + keyword*KeywordWeight
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
