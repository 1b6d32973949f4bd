// Package vectorindex stores transaction embeddings and answers nearest
// neighbour queries used by the similarity categorization strategy.
package vectorindex

import "context"

// Metadata travels with each stored vector so a query result carries enough
// context to vote on a category.
type Metadata struct {
	ClientID string `json:"clientId"`
	Category string `json:"category"`
	Amount   string `json:"amount"`
	Date     int64  `json:"date"`
}

// Vector is an embedding keyed by transaction ID.
type Vector struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Match is a query result ordered by descending similarity.
type Match struct {
	ID       string
	Score    float64
	Metadata Metadata
}

// Index is the storage behind similarity categorization.
type Index interface {
	Upsert(ctx context.Context, vectors []Vector) error
	Query(ctx context.Context, values []float32, topK int) ([]Match, error)
}
