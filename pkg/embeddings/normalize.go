// Package embeddings provides vector math for embedding vectors: L2 normalization,
// cosine similarity and weighted centroids.
package embeddings

import (
	"errors"
	"math"
)

// ErrDimensionMismatch is returned when vectors of different lengths are combined.
var ErrDimensionMismatch = errors.New("embeddings: vector dimension mismatch")

// ErrNoVectors is returned when a centroid is requested for an empty or zero-weight set.
var ErrNoVectors = errors.New("embeddings: no vectors with positive weight")

// NormalizeL2 scales vector to unit length in place. A zero vector is left unchanged.
func NormalizeL2(vector []float32) {
	var sumSquares float64

	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}

	if sumSquares == 0 {
		return
	}

	magnitude := math.Sqrt(sumSquares)

	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// Zero vectors have similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64

	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))

	// Rounding can push identical vectors a hair past 1.
	return math.Max(-1, math.Min(1, sim)), nil
}

// WeightedCentroid returns Σ(wᵢ·vᵢ)/Σwᵢ re-normalized to unit length.
// Entries with non-positive weight are skipped.
func WeightedCentroid(vectors [][]float32, weights []float64) ([]float32, error) {
	if len(vectors) != len(weights) {
		return nil, ErrDimensionMismatch
	}

	var (
		sum         []float64
		totalWeight float64
	)

	for i, vec := range vectors {
		w := weights[i]
		if w <= 0 {
			continue
		}

		if sum == nil {
			sum = make([]float64, len(vec))
		} else if len(vec) != len(sum) {
			return nil, ErrDimensionMismatch
		}

		for j, v := range vec {
			sum[j] += w * float64(v)
		}

		totalWeight += w
	}

	if totalWeight == 0 {
		return nil, ErrNoVectors
	}

	centroid := make([]float32, len(sum))
	for j := range sum {
		centroid[j] = float32(sum[j] / totalWeight)
	}

	NormalizeL2(centroid)

	return centroid, nil
}
