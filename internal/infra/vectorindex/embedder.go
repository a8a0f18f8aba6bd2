package vectorindex

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"orchd/internal/domain"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// DeterministicEmbedder is a feature-hashing embedder: each token is
// hashed into a bucket and the result is L2-normalized. It needs no
// external service, is stable across processes, and keeps lexically
// similar descriptions close, which is enough for tool-description
// corpora of this size.
type DeterministicEmbedder struct {
	dim int
}

func NewDeterministicEmbedder(dim int) *DeterministicEmbedder {
	if dim <= 0 {
		dim = domain.DefaultEmbedDimension
	}
	return &DeterministicEmbedder{dim: dim}
}

func (e *DeterministicEmbedder) Dimension() int { return e.dim }

func (e *DeterministicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum % uint32(e.dim))
		// Sign from a high bit decorrelates colliding tokens.
		if sum&0x80000000 != 0 {
			v[bucket]--
		} else {
			v[bucket]++
		}
	}
	normalize(v)
	return v, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

var _ Embedder = (*DeterministicEmbedder)(nil)
