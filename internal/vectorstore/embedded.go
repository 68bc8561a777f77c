// Package vectorstore holds the in-process vector index used for semantic
// capability routing: one vector per capability description, brute-force
// cosine similarity search. At registry scale (tens of capabilities) this
// comfortably beats shipping a vector database.
package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Doc is one indexed capability description.
type Doc struct {
	Name   string
	Text   string
	Vector []float64
}

// Result is one similarity search hit.
type Result struct {
	Name  string
	Score float64
}

// Index is a thread-safe in-memory vector index.
type Index struct {
	mu   sync.RWMutex
	docs map[string]Doc
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{docs: make(map[string]Doc)}
}

// Upsert inserts or replaces documents.
func (ix *Index) Upsert(_ context.Context, docs []Doc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, d := range docs {
		ix.docs[d.Name] = d
	}
}

// Search returns the top-k documents by cosine similarity to vector.
func (ix *Index) Search(_ context.Context, vector []float64, topK int) []Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var results []Result
	for _, d := range ix.docs {
		if len(d.Vector) != len(vector) {
			continue
		}
		results = append(results, Result{Name: d.Name, Score: cosineSimilarity(vector, d.Vector)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Name < results[j].Name
	})
	if topK < len(results) {
		results = results[:topK]
	}
	return results
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Has reports whether a document is indexed under name.
func (ix *Index) Has(name string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.docs[name]
	return ok
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
