package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalEngine is a deterministic hash-based embedder. It needs no network
// and always produces the same vector for the same text, which makes
// retrieval behavior reproducible when no provider is configured.
//
// Quality is far below a real model; it captures token overlap only.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a deterministic local embedder.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEngine{dims: dims}
}

// Embed hashes whitespace-separated tokens into a bag-of-words vector and
// L2-normalizes it.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dims))
		// Sign from a high bit keeps unrelated tokens from only adding up.
		if sum&0x80000000 != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text in turn.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *LocalEngine) Name() string { return "local" }
