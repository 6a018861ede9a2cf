package search

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// BM25Index ranks packets by keyword relevance with Okapi BM25.
type BM25Index struct {
	k1, b float64

	mu       sync.RWMutex
	postings map[string]map[string]int // term -> packet -> term frequency
	docs     map[string]docStat
	tokens   int // sum of docStat.length
}

type docStat struct {
	length int
	terms  []string // distinct
}

// NewBM25Index creates an index with the given saturation (k1) and length
// normalisation (b) parameters, commonly 1.2 and 0.75.
func NewBM25Index(k1, b float64) *BM25Index {
	return &BM25Index{
		k1:       k1,
		b:        b,
		postings: make(map[string]map[string]int),
		docs:     make(map[string]docStat),
	}
}

// Put indexes a packet's content, replacing whatever was indexed for it.
func (x *BM25Index) Put(packetID, content string) {
	terms := tokenize(content)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.dropLocked(packetID)
	for _, t := range terms {
		docs := x.postings[t]
		if docs == nil {
			docs = make(map[string]int)
			x.postings[t] = docs
		}
		docs[packetID]++
	}
	x.docs[packetID] = docStat{length: len(terms), terms: unique(terms)}
	x.tokens += len(terms)
}

// Delete removes a packet.
func (x *BM25Index) Delete(packetID string) {
	x.mu.Lock()
	x.dropLocked(packetID)
	x.mu.Unlock()
}

func (x *BM25Index) dropLocked(packetID string) {
	d, ok := x.docs[packetID]
	if !ok {
		return
	}
	for _, t := range d.terms {
		docs := x.postings[t]
		delete(docs, packetID)
		if len(docs) == 0 {
			delete(x.postings, t)
		}
	}
	delete(x.docs, packetID)
	x.tokens -= d.length
}

// Search returns up to topK packets ordered by BM25 score. keep filters
// candidates; nil keeps everything. A query made only of stop words
// matches nothing.
func (x *BM25Index) Search(query string, topK int, keep func(string) bool) ([]string, []float64) {
	terms := unique(tokenize(query))
	if len(terms) == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	n := float64(len(x.docs))
	if n == 0 {
		return nil, nil
	}
	avg := float64(x.tokens) / n

	acc := make(map[string]float64)
	for _, t := range terms {
		docs := x.postings[t]
		df := float64(len(docs))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for id, tf := range docs {
			if keep != nil && !keep(id) {
				continue
			}
			f := float64(tf)
			norm := 1 - x.b + x.b*float64(x.docs[id].length)/avg
			acc[id] += idf * f * (x.k1 + 1) / (f + x.k1*norm)
		}
	}

	hits := make([]scored, 0, len(acc))
	for id, s := range acc {
		if s > 0 {
			hits = append(hits, scored{id: id, score: s})
		}
	}
	return rank(hits, topK)
}

// Len is the number of indexed packets.
func (x *BM25Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// tokenize lower-cases text and splits on anything that is not a letter or
// digit. Each Han character is its own token. Stop words are dropped.
func tokenize(text string) []string {
	var (
		out  []string
		word []rune
	)
	emit := func() {
		if len(word) > 0 {
			if w := string(word); !isStopWord(w) {
				out = append(out, w)
			}
			word = word[:0]
		}
	}
	for _, r := range text {
		r = unicode.ToLower(r)
		switch {
		case unicode.Is(unicode.Han, r):
			emit()
			out = append(out, string(r))
		case unicode.IsLetter(r), unicode.IsDigit(r):
			word = append(word, r)
		default:
			emit()
		}
	}
	emit()
	return out
}

func unique(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

var stopWords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`a an the is are was were be been being have has had do does did
		will would could should may might can to of in for on with at by from as into and but or
		nor not so if then than this that these those it its i me my we our you your he him his
		she her they them their`) {
		m[w] = true
	}
	return m
}()

func isStopWord(w string) bool { return stopWords[w] }
