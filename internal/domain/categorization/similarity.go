package categorization

import (
	"context"
	"fmt"
	"time"

	"github.com/insight-hunter/insight-hunter/internal/ai"
	"github.com/insight-hunter/insight-hunter/internal/vectorindex"
)

// DefaultTopK is how many neighbors the similarity vote polls.
const DefaultTopK = 10

// Similarity embeds the description, queries the vector index for the
// nearest previously categorized transactions and picks the most frequent
// category among them. Confidence is the share of neighbors that agreed.
type Similarity struct {
	embedder ai.Embedder
	index    vectorindex.Index
	topK     int
	timeout  time.Duration
}

func NewSimilarity(embedder ai.Embedder, index vectorindex.Index, timeout time.Duration) *Similarity {
	return &Similarity{embedder: embedder, index: index, topK: DefaultTopK, timeout: timeout}
}

func (s *Similarity) Categorize(ctx context.Context, description string, _ string) (Result, error) {
	ectx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embedder.Embed(ectx, description)
	if err != nil {
		return Result{}, fmt.Errorf("embed description: %w", err)
	}
	matches, err := s.index.Query(ectx, vec, s.topK)
	if err != nil {
		return Result{}, fmt.Errorf("query vector index: %w", err)
	}
	if len(matches) == 0 {
		return Result{}, ErrNoSuggestion
	}

	// Majority vote; ties resolve to the category seen first.
	counts := make(map[string]int, len(matches))
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, seen := counts[m.Metadata.Category]; !seen {
			order = append(order, m.Metadata.Category)
		}
		counts[m.Metadata.Category]++
	}
	best := order[0]
	for _, c := range order[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}

	neighbors := make([]Neighbor, 0, len(matches))
	for _, m := range matches {
		neighbors = append(neighbors, Neighbor{ID: m.ID, Category: m.Metadata.Category, Score: m.Score})
	}
	return Result{
		Category:   best,
		Confidence: float64(counts[best]) / float64(len(matches)),
		Neighbors:  neighbors,
	}, nil
}
