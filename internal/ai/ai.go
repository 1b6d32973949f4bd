// Package ai wraps the Gemini API behind small interfaces so the
// categorization strategies can be tested without network access.
package ai

import "context"

// Classifier assigns a category label to a transaction description.
type Classifier interface {
	Classify(ctx context.Context, description string, kind string) (string, error)
}

// Embedder converts text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
