package pipeline

import (
	"fmt"
	"math"
)

// Vector is a fixed-length face identity signature.
type Vector []float32

// Validate rejects vectors the matching engine must not score: empty, NaN or
// Inf components, or zero norm.
func (v Vector) Validate() error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	var norm float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrInvalidEmbedding)
		}
		norm += f * f
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero norm", ErrInvalidEmbedding)
	}
	return nil
}

// Normalized returns a unit-scale copy of the vector.
func (v Vector) Normalized() Vector {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Cosine computes the cosine similarity between two vectors.
// Returns a value in [-1, 1]; mismatched or empty inputs score 0.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}
