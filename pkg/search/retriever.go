package search

import (
	"context"
	"sort"
	"sync"
)

// Config configures a Retriever.
type Config struct {
	Dimension    int
	VectorWeight float64
	BM25Weight   float64
}

// Retriever indexes packets and answers vector, keyword and hybrid queries.
// Hybrid results are merged with reciprocal rank fusion.
type Retriever struct {
	mu   sync.RWMutex
	docs map[string]Doc

	vector       *VectorIndex
	bm25         *BM25Index
	vectorWeight float64
	bm25Weight   float64
	rrfK         float64
}

// NewRetriever creates an empty retriever.
func NewRetriever(cfg Config) *Retriever {
	vw, bw := cfg.VectorWeight, cfg.BM25Weight
	if vw <= 0 && bw <= 0 {
		vw, bw = 1, 1
	}
	return &Retriever{
		docs:         make(map[string]Doc),
		vector:       NewVectorIndex(cfg.Dimension),
		bm25:         NewBM25Index(1.2, 0.75),
		vectorWeight: vw,
		bm25Weight:   bw,
		rrfK:         60.0,
	}
}

// IndexContent records doc and its text for keyword search.
func (r *Retriever) IndexContent(doc Doc, content string) {
	r.mu.Lock()
	r.docs[doc.PacketID] = doc
	r.mu.Unlock()
	r.bm25.Put(doc.PacketID, content)
}

// IndexVector records the embedding of a packet.
func (r *Retriever) IndexVector(doc Doc, vector []float32) error {
	if err := r.vector.Put(doc.PacketID, vector); err != nil {
		return err
	}
	r.mu.Lock()
	r.docs[doc.PacketID] = doc
	r.mu.Unlock()
	return nil
}

// Remove drops a packet from every index.
func (r *Retriever) Remove(packetID string) {
	r.mu.Lock()
	delete(r.docs, packetID)
	r.mu.Unlock()
	r.vector.Delete(packetID)
	r.bm25.Delete(packetID)
}

// Len returns the number of indexed packets.
func (r *Retriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Search runs query. The mode is inferred from the query when empty.
func (r *Retriever) Search(ctx context.Context, q Query) ([]Hit, error) {
	mode := q.Mode
	if mode == "" {
		hasText, hasVector := q.Text != "", len(q.Vector) > 0
		switch {
		case hasText && hasVector:
			mode = ModeHybrid
		case hasVector:
			mode = ModeVector
		case hasText:
			mode = ModeBM25
		default:
			return nil, ErrInvalidQuery
		}
	}

	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	keep := r.filter(q)

	switch mode {
	case ModeVector:
		if len(q.Vector) == 0 {
			return nil, ErrInvalidQuery
		}
		ids, scores, err := r.vector.Search(q.Vector, topK, keep)
		if err != nil {
			return nil, err
		}
		return r.hits(ids, scores), nil
	case ModeBM25:
		if q.Text == "" {
			return nil, ErrInvalidQuery
		}
		ids, scores := r.bm25.Search(q.Text, topK, keep)
		return r.hits(ids, scores), nil
	default:
		return r.hybrid(ctx, q, topK, keep)
	}
}

func (r *Retriever) hybrid(ctx context.Context, q Query, topK int, keep func(string) bool) ([]Hit, error) {
	fetchK := max(topK*3, 30)

	var (
		wg                 sync.WaitGroup
		vectorIDs, bm25IDs []string
		bm25Scores         []float64
		vectorErr          error
	)
	if len(q.Vector) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorIDs, _, vectorErr = r.vector.Search(q.Vector, fetchK, keep)
		}()
	}
	if q.Text != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bm25IDs, bm25Scores = r.bm25.Search(q.Text, fetchK, keep)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// A failed vector search degrades to keyword results.
	if vectorErr != nil {
		if len(bm25IDs) == 0 {
			return nil, vectorErr
		}
		if topK < len(bm25IDs) {
			bm25IDs, bm25Scores = bm25IDs[:topK], bm25Scores[:topK]
		}
		return r.hits(bm25IDs, bm25Scores), nil
	}

	fused := r.fuseRRF(vectorIDs, bm25IDs)
	if topK < len(fused) {
		fused = fused[:topK]
	}
	ids := make([]string, len(fused))
	scores := make([]float64, len(fused))
	for i, f := range fused {
		ids[i], scores[i] = f.id, f.score
	}
	return r.hits(ids, scores), nil
}

type fusedResult struct {
	id    string
	score float64
}

// fuseRRF applies Reciprocal Rank Fusion: RRF(d) = Σ weight/(k + rank(d))
func (r *Retriever) fuseRRF(vectorIDs, bm25IDs []string) []fusedResult {
	scores := make(map[string]float64)
	for rank, id := range vectorIDs {
		scores[id] += r.vectorWeight / (r.rrfK + float64(rank+1))
	}
	for rank, id := range bm25IDs {
		scores[id] += r.bm25Weight / (r.rrfK + float64(rank+1))
	}

	results := make([]fusedResult, 0, len(scores))
	for id, score := range scores {
		results = append(results, fusedResult{id: id, score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score == results[j].score {
			return results[i].id < results[j].id
		}
		return results[i].score > results[j].score
	})
	return results
}

func (r *Retriever) filter(q Query) func(string) bool {
	if q.Type == "" && q.Agent == "" && q.Domain == "" && q.AsOf.IsZero() {
		return nil
	}
	return func(id string) bool {
		r.mu.RLock()
		doc, ok := r.docs[id]
		r.mu.RUnlock()
		return ok && q.matches(doc)
	}
}

func (r *Retriever) hits(ids []string, scores []float64) []Hit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hits := make([]Hit, 0, len(ids))
	for i, id := range ids {
		doc, ok := r.docs[id]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Doc: doc, Score: scores[i]})
	}
	return hits
}
