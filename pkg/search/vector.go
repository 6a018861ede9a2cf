package search

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sync"
)

// scored is one ranked candidate.
type scored struct {
	id    string
	score float64
}

// rank sorts by descending score, ties by id, and keeps the first k.
func rank(hits []scored, k int) ([]string, []float64) {
	slices.SortFunc(hits, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	hits = hits[:min(max(k, 0), len(hits))]
	ids := make([]string, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		ids[i], scores[i] = h.id, h.score
	}
	return ids, scores
}

// VectorIndex is an exact nearest-neighbour index. Vectors are stored
// unit-normalised so a query costs one dot product per packet.
type VectorIndex struct {
	dim int

	mu    sync.RWMutex
	units map[string][]float64
}

// NewVectorIndex creates an index for vectors of length dim.
func NewVectorIndex(dim int) *VectorIndex {
	return &VectorIndex{dim: dim, units: make(map[string][]float64)}
}

func (v *VectorIndex) checkDim(vec []float32) error {
	if len(vec) != v.dim {
		return fmt.Errorf("%w: index holds %d dimensions, got %d", ErrDimensionMismatch, v.dim, len(vec))
	}
	return nil
}

// unit returns vec scaled to length 1, or nil for the zero vector.
func unit(vec []float32) []float64 {
	var sq float64
	for _, x := range vec {
		sq += float64(x) * float64(x)
	}
	if sq == 0 {
		return nil
	}
	inv := 1 / math.Sqrt(sq)
	out := make([]float64, len(vec))
	for i, x := range vec {
		out[i] = float64(x) * inv
	}
	return out
}

// Put stores the vector of a packet, replacing an earlier one. The caller
// keeps ownership of vec.
func (v *VectorIndex) Put(packetID string, vec []float32) error {
	if err := v.checkDim(vec); err != nil {
		return err
	}
	u := unit(vec)
	v.mu.Lock()
	v.units[packetID] = u
	v.mu.Unlock()
	return nil
}

// Delete drops a packet's vector.
func (v *VectorIndex) Delete(packetID string) {
	v.mu.Lock()
	delete(v.units, packetID)
	v.mu.Unlock()
}

// Search ranks packets by cosine similarity to query and returns the best
// topK. keep filters candidates before ranking; nil keeps everything. Zero
// vectors score 0.
func (v *VectorIndex) Search(query []float32, topK int, keep func(string) bool) ([]string, []float64, error) {
	if err := v.checkDim(query); err != nil {
		return nil, nil, err
	}
	q := unit(query)

	v.mu.RLock()
	hits := make([]scored, 0, len(v.units))
	for id, u := range v.units {
		if keep != nil && !keep(id) {
			continue
		}
		hits = append(hits, scored{id: id, score: dot(q, u)})
	}
	v.mu.RUnlock()

	ids, scores := rank(hits, topK)
	return ids, scores, nil
}

// Len is the number of stored vectors.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.units)
}

// Dimension is the vector length the index accepts.
func (v *VectorIndex) Dimension() int { return v.dim }

func dot(a, b []float64) float64 {
	if a == nil || b == nil {
		return 0
	}
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
