// Package search maintains a full-text index over persisted transactions so
// users can find past spending by free-form description queries.
package search

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Document is the indexed form of one transaction.
type Document struct {
	ID          string  `json:"id"`
	ClientID    string  `json:"client_id"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Kind        string  `json:"kind"`
	Amount      float64 `json:"amount"`
	Date        int64   `json:"date"`
}

// Result is a search hit with its relevance score.
type Result struct {
	Document Document
	Score    float64
}

// Index provides full-text search over transactions using Bleve.
type Index struct {
	index   bleve.Index
	indexMu sync.RWMutex
}

// NewIndex creates or opens an index. An empty path means in-memory, which
// tests use.
func NewIndex(path string) (*Index, error) {
	indexMapping := buildIndexMapping()

	var (
		idx bleve.Index
		err error
	)
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755); mkdirErr != nil {
			return nil, fmt.Errorf("create index directory: %w", mkdirErr)
		}
		idx, err = bleve.New(path, indexMapping)
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("create/open index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = simple.Name

	keywordFieldMapping := bleve.NewTextFieldMapping()
	keywordFieldMapping.Analyzer = keyword.Name

	numericFieldMapping := bleve.NewNumericFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("client_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("description", textFieldMapping)
	docMapping.AddFieldMappingsAt("category", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("kind", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("amount", numericFieldMapping)
	docMapping.AddFieldMappingsAt("date", numericFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = simple.Name
	return indexMapping
}

// IndexBatch adds or replaces documents in one batch write.
func (i *Index) IndexBatch(docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	i.indexMu.Lock()
	defer i.indexMu.Unlock()

	batch := i.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, doc); err != nil {
			return fmt.Errorf("index transaction %s: %w", doc.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("execute batch index: %w", err)
	}
	return nil
}

// Search runs a fuzzy match query over descriptions, optionally scoped to
// one client.
func (i *Index) Search(clientID, query string, limit int) ([]Result, error) {
	i.indexMu.RLock()
	defer i.indexMu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("description")
	matchQuery.SetFuzziness(1)

	searchQuery := bleve.NewConjunctionQuery(matchQuery)
	if clientID != "" {
		clientQuery := bleve.NewTermQuery(clientID)
		clientQuery.SetField("client_id")
		searchQuery.AddQuery(clientQuery)
	}

	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Size = limit
	searchRequest.Fields = []string{"*"}

	searchResults, err := i.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return convertResults(searchResults), nil
}

func convertResults(res *bleve.SearchResult) []Result {
	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc := Document{ID: hit.ID}
		if v, ok := hit.Fields["client_id"].(string); ok {
			doc.ClientID = v
		}
		if v, ok := hit.Fields["description"].(string); ok {
			doc.Description = v
		}
		if v, ok := hit.Fields["category"].(string); ok {
			doc.Category = v
		}
		if v, ok := hit.Fields["kind"].(string); ok {
			doc.Kind = v
		}
		if v, ok := hit.Fields["amount"].(float64); ok {
			doc.Amount = v
		}
		if v, ok := hit.Fields["date"].(float64); ok {
			doc.Date = int64(v)
		}
		results = append(results, Result{Document: doc, Score: hit.Score})
	}
	return results
}

// Close releases the underlying index.
func (i *Index) Close() error {
	i.indexMu.Lock()
	defer i.indexMu.Unlock()
	return i.index.Close()
}
