package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashModel is the model name reported by HashProvider.
const HashModel = "hash-v1"

// HashProvider produces deterministic feature-hashed bag-of-words vectors.
// It needs no network and is the default provider.
type HashProvider struct {
	dimension int
}

var _ Provider = (*HashProvider)(nil)

// NewHashProvider creates a hash provider with the given dimension.
func NewHashProvider(dimension int) *HashProvider {
	if dimension < 1 {
		dimension = 256
	}
	return &HashProvider{dimension: dimension}
}

// Embed hashes each token into a bucket with a signed weight and
// L2-normalizes the result.
func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, p.dimension)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Model returns HashModel.
func (p *HashProvider) Model() string {
	return HashModel
}

// Close is a no-op.
func (p *HashProvider) Close() error {
	return nil
}
