package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process cosine-similarity index. Vectors are kept in a
// map keyed by ID so upserting the same transaction twice replaces the entry.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string]Vector
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string]Vector)}
}

func (m *MemoryIndex) Upsert(_ context.Context, vectors []Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vectors {
		m.vectors[v.ID] = v
	}
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, values []float32, topK int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]Match, 0, len(m.vectors))
	for _, v := range m.vectors {
		score := cosine(values, v.Values)
		if math.IsNaN(score) {
			continue
		}
		matches = append(matches, Match{ID: v.ID, Score: score, Metadata: v.Metadata})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Len reports the number of stored vectors.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
