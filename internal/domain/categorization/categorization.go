// Package categorization assigns a spending category to a transaction
// description. Two strategies exist: Assisted asks a generative model and
// falls back to keyword rules, Similarity votes over the nearest previously
// categorized transactions.
package categorization

import (
	"context"
	"errors"
)

// Labels is the closed set of categories the engine may assign. Order is
// stable and also used when prompting the classifier.
var Labels = []string{
	"Payroll",
	"Rent",
	"Utilities",
	"Marketing",
	"Supplies",
	"Insurance",
	"Travel",
	"Meals",
	"Software",
	"Professional Services",
	"Sales",
	"Services",
	"Interest",
	"Other Income",
	"Other Expenses",
}

// Confidence levels by provenance.
const (
	ConfidenceExplicit   = 1.0
	ConfidenceClassifier = 0.85
	ConfidenceKeyword    = 0.6
)

// ErrNoSuggestion means the similarity index had no usable neighbors.
var ErrNoSuggestion = errors.New("no similar transactions found")

// Neighbor is one vote in a similarity result.
type Neighbor struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Result is the outcome of a categorization call.
type Result struct {
	Category   string
	Confidence float64
	// Neighbors is populated by the similarity strategy only.
	Neighbors []Neighbor
}

// Strategy categorizes one transaction description.
type Strategy interface {
	Categorize(ctx context.Context, description string, amount string) (Result, error)
}
