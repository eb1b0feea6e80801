package embed

import (
	"context"
	"hash/fnv"
	"math/rand"
)

// Local is a deterministic embedder: each text seeds its own RNG from a
// stable hash of the bytes, so identical text always produces the identical
// vector. Used for tests and as a no-dependency fallback.
type Local struct {
	dimensions int
}

// NewLocal constructs a Local embedder producing vectors of the given
// dimension.
func NewLocal(dimensions int) *Local {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &Local{dimensions: dimensions}
}

// Name implements Embedder.
func (e *Local) Name() string { return "local" }

// Embed returns one deterministic vector per text, values in [-1, 1).
func (e *Local) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		vec := make([]float32, e.dimensions)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		out[i] = vec
	}
	return out, nil
}
