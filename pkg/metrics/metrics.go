// Package metrics exposes prometheus collectors for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors
type Metrics struct {
	UploadsTotal           prometheus.Counter
	ProcessTotal           *prometheus.CounterVec
	TransactionsCreated    prometheus.Counter
	AICategorized          prometheus.Counter
	CategorizationFallback prometheus.Counter
	ProcessDuration        prometheus.Histogram
}

// New registers the collectors with the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UploadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_uploads_total",
			Help: "Number of CSV uploads accepted.",
		}),
		ProcessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_process_total",
			Help: "Number of process requests by outcome.",
		}, []string{"outcome"}),
		TransactionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_transactions_created_total",
			Help: "Number of normalized transactions inserted.",
		}),
		AICategorized: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_ai_categorized_total",
			Help: "Number of transactions categorized by the model.",
		}),
		CategorizationFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_categorization_fallback_total",
			Help: "Number of transactions categorized by the keyword fallback.",
		}),
		ProcessDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_process_duration_seconds",
			Help:    "Wall time of the process phase per upload.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}
