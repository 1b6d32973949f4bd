// Package service orchestrates the two-phase ingestion workflow: upload
// stores the raw file and its metadata, process turns the stored rows into
// categorized transactions.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/insight-hunter/insight-hunter/internal/ai"
	"github.com/insight-hunter/insight-hunter/internal/domain/categorization"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/mapper"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/normalizer"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/parser"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/repository"
	"github.com/insight-hunter/insight-hunter/internal/domain/search"
	"github.com/insight-hunter/insight-hunter/internal/vectorindex"
	"github.com/insight-hunter/insight-hunter/pkg/metrics"
	"github.com/insight-hunter/insight-hunter/pkg/storage"
)

// Repo is the persistence surface the orchestrator needs.
type Repo interface {
	ClientExists(ctx context.Context, clientID, userID uuid.UUID) error
	CreateUpload(ctx context.Context, u *repository.Upload) error
	GetUpload(ctx context.Context, id, userID uuid.UUID) (*repository.Upload, error)
	ListUploads(ctx context.Context, userID uuid.UUID, limit int) ([]repository.Upload, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, transactionsCreated int) error
	InsertTransactions(ctx context.Context, txs []repository.Transaction) (int64, error)
	ListTransactions(ctx context.Context, f repository.TransactionFilter) ([]repository.Transaction, error)
	ListUnindexed(ctx context.Context, limit int) ([]repository.Transaction, error)
	MarkIndexed(ctx context.Context, ids []uuid.UUID) error
}

// Config carries the orchestrator limits.
type Config struct {
	MaxUploadBytes  int64
	InsertBatchSize int
	PreviewRows     int
	HistoryLimit    int
	BackfillBatch   int
}

// Service wires the pipeline stages together.
type Service struct {
	repo     Repo
	blobs    storage.BlobStore
	strategy categorization.Strategy
	keywords *categorization.KeywordMatcher
	embedder ai.Embedder
	vectors  vectorindex.Index
	searcher *search.Index
	metrics  *metrics.Metrics
	cfg      Config
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

func New(
	repo Repo,
	blobs storage.BlobStore,
	strategy categorization.Strategy,
	embedder ai.Embedder,
	vectors vectorindex.Index,
	searcher *search.Index,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Service {
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = 100
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 5
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.BackfillBatch <= 0 {
		cfg.BackfillBatch = 500
	}
	return &Service{
		repo:     repo,
		blobs:    blobs,
		strategy: strategy,
		keywords: categorization.NewKeywordMatcher(),
		embedder: embedder,
		vectors:  vectors,
		searcher: searcher,
		metrics:  m,
		cfg:      cfg,
		tracer:   otel.Tracer("ingest"),
		logger:   logger,
		now:      time.Now,
	}
}

// UploadResult is returned to the client after the upload phase.
type UploadResult struct {
	UploadID uuid.UUID    `json:"uploadId"`
	RowCount int          `json:"rowCount"`
	Preview  []parser.Row `json:"preview"`
}

// Upload validates and stores one CSV file without processing it.
func (s *Service) Upload(ctx context.Context, userID, clientID uuid.UUID, filename string, size int64, file io.Reader) (*UploadResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.Upload",
		trace.WithAttributes(attribute.String("client_id", clientID.String())))
	defer span.End()

	if err := s.repo.ClientExists(ctx, clientID, userID); err != nil {
		return nil, err
	}
	if size > s.cfg.MaxUploadBytes {
		return nil, &FileTooLargeError{Size: size, Max: s.cfg.MaxUploadBytes}
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".csv") {
		return nil, ErrUnsupportedFile
	}

	// Size from the multipart header is advisory, so cap the read too.
	raw, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(raw)) > s.cfg.MaxUploadBytes {
		return nil, &FileTooLargeError{Size: int64(len(raw)), Max: s.cfg.MaxUploadBytes}
	}

	doc, err := parser.Parse(string(raw))
	if err != nil {
		return nil, err
	}
	if err := mapper.Validate(doc.Headers); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("uploads/%s/%s/%d-%s", userID, clientID, s.now().UnixMilli(), filename)
	if err := s.blobs.Put(ctx, key, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	upload := &repository.Upload{
		ID:         uuid.New(),
		UserID:     userID,
		ClientID:   clientID,
		Filename:   filename,
		RowCount:   len(doc.Rows),
		SizeBytes:  int64(len(raw)),
		StorageKey: key,
		UploadedAt: s.now(),
	}
	if err := s.repo.CreateUpload(ctx, upload); err != nil {
		return nil, err
	}

	preview := doc.Rows
	if len(preview) > s.cfg.PreviewRows {
		preview = preview[:s.cfg.PreviewRows]
	}
	s.metrics.UploadsTotal.Inc()
	s.logger.Info("upload accepted",
		slog.String("upload_id", upload.ID.String()),
		slog.String("filename", filename),
		slog.Int("rows", len(doc.Rows)))

	return &UploadResult{UploadID: upload.ID, RowCount: len(doc.Rows), Preview: preview}, nil
}

// ProcessResult is returned to the client after the process phase.
type ProcessResult struct {
	TransactionsCreated int `json:"transactionsCreated"`
	AICategorized       int `json:"aiCategorized"`
}

// Process re-parses a stored upload and materializes categorized
// transactions. It is safe to retry: transaction IDs are derived from the
// upload ID and row index, and the processed flag flips exactly once.
func (s *Service) Process(ctx context.Context, userID, clientID, uploadID uuid.UUID, explicit *mapper.Mapping) (*ProcessResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.Process",
		trace.WithAttributes(attribute.String("upload_id", uploadID.String())))
	defer span.End()

	start := s.now()
	res, err := s.process(ctx, userID, clientID, uploadID, explicit)
	s.metrics.ProcessDuration.Observe(s.now().Sub(start).Seconds())
	switch {
	case err == nil:
		s.metrics.ProcessTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, repository.ErrAlreadyProcessed):
		s.metrics.ProcessTotal.WithLabelValues("already_processed").Inc()
	default:
		s.metrics.ProcessTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *Service) process(ctx context.Context, userID, clientID, uploadID uuid.UUID, explicit *mapper.Mapping) (*ProcessResult, error) {
	upload, err := s.repo.GetUpload(ctx, uploadID, userID)
	if err != nil {
		return nil, err
	}
	if upload.ClientID != clientID {
		return nil, repository.ErrNotFound
	}
	if upload.Processed {
		return nil, repository.ErrAlreadyProcessed
	}

	blob, err := s.blobs.Get(ctx, upload.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("read stored upload: %w", err)
	}
	defer blob.Close()
	raw, err := io.ReadAll(blob)
	if err != nil {
		return nil, fmt.Errorf("read stored upload: %w", err)
	}

	doc, err := parser.Parse(string(raw))
	if err != nil {
		return nil, err
	}
	mapping := mapper.Detect(doc.Headers, explicit)

	// Rows are handled strictly in order; vectors are written in one batch
	// after the loop, so no row sees neighbors from its own upload.
	txs := make([]repository.Transaction, 0, len(doc.Rows))
	aiCategorized := 0
	for i, row := range doc.Rows {
		fields := normalizer.Normalize(row, mapping, s.now)

		category := fields.Category
		confidence := categorization.ConfidenceExplicit
		machine := false
		if category == "" {
			result := s.categorize(ctx, fields.Description, fields.Amount.String())
			category = result.Category
			confidence = result.Confidence
			machine = true
			aiCategorized++
		}

		txs = append(txs, repository.Transaction{
			ID:            transactionID(uploadID, i),
			ClientID:      upload.ClientID,
			Date:          fields.Date.Unix(),
			Description:   fields.Description,
			Amount:        fields.Amount.Decimal,
			Type:          string(fields.Kind),
			Category:      category,
			Confidence:    confidence,
			AICategorized: machine,
		})
	}

	inserted, err := s.insertBatched(ctx, txs)
	if err != nil {
		return nil, err
	}

	indexed := s.indexTransactions(ctx, txs)
	if err := s.repo.MarkIndexed(ctx, indexed); err != nil {
		s.logger.Warn("mark indexed failed", slog.Any("error", err))
	}

	if err := s.repo.MarkProcessed(ctx, uploadID, len(txs)); err != nil {
		return nil, err
	}

	s.metrics.TransactionsCreated.Add(float64(inserted))
	s.metrics.AICategorized.Add(float64(aiCategorized))
	s.logger.Info("upload processed",
		slog.String("upload_id", uploadID.String()),
		slog.Int("transactions", len(txs)),
		slog.Int("ai_categorized", aiCategorized))

	return &ProcessResult{TransactionsCreated: len(txs), AICategorized: aiCategorized}, nil
}

// categorize runs the configured strategy and falls back to the keyword
// rules when it cannot produce a suggestion, so a row always gets a label.
func (s *Service) categorize(ctx context.Context, description, amount string) categorization.Result {
	result, err := s.strategy.Categorize(ctx, description, amount)
	if err != nil {
		if !errors.Is(err, categorization.ErrNoSuggestion) {
			s.logger.Warn("categorization strategy failed", slog.Any("error", err))
		}
		s.metrics.CategorizationFallback.Inc()
		return categorization.Result{
			Category:   s.keywords.Categorize(description),
			Confidence: categorization.ConfidenceKeyword,
		}
	}
	return result
}

// insertBatched writes transactions in fixed-size batches, retrying each
// batch on transient storage errors. Duplicate IDs collapse on conflict, so
// a retried batch never double-inserts.
func (s *Service) insertBatched(ctx context.Context, txs []repository.Transaction) (int64, error) {
	var inserted int64
	for start := 0; start < len(txs); start += s.cfg.InsertBatchSize {
		end := start + s.cfg.InsertBatchSize
		if end > len(txs) {
			end = len(txs)
		}
		chunk := txs[start:end]

		backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			n, err := s.repo.InsertTransactions(ctx, chunk)
			if err != nil {
				return retry.RetryableError(err)
			}
			inserted += n
			return nil
		})
		if err != nil {
			return inserted, fmt.Errorf("insert batch at row %d: %w", start, err)
		}
	}
	return inserted, nil
}

// indexTransactions pushes embeddings to the vector index and documents to
// the search index in one batch each. Failures are logged, not fatal: the
// backfill job picks up whatever stays unindexed.
func (s *Service) indexTransactions(ctx context.Context, txs []repository.Transaction) []uuid.UUID {
	if len(txs) == 0 {
		return nil
	}

	descriptions := make([]string, len(txs))
	for i, t := range txs {
		descriptions[i] = t.Description
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, descriptions)
	if err != nil {
		s.logger.Warn("embedding batch failed, deferring to backfill", slog.Any("error", err))
		if s.searcher != nil {
			if err := s.searcher.IndexBatch(searchDocs(txs)); err != nil {
				s.logger.Warn("search indexing failed", slog.Any("error", err))
			}
		}
		return nil
	}

	vectors := make([]vectorindex.Vector, len(txs))
	for i, t := range txs {
		vectors[i] = vectorindex.Vector{
			ID:     t.ID.String(),
			Values: embeddings[i],
			Metadata: vectorindex.Metadata{
				ClientID: t.ClientID.String(),
				Category: t.Category,
				Amount:   t.Amount.String(),
				Date:     t.Date,
			},
		}
	}
	if err := s.vectors.Upsert(ctx, vectors); err != nil {
		s.logger.Warn("vector upsert failed, deferring to backfill", slog.Any("error", err))
		return nil
	}
	if s.searcher != nil {
		if err := s.searcher.IndexBatch(searchDocs(txs)); err != nil {
			s.logger.Warn("search indexing failed", slog.Any("error", err))
		}
	}

	ids := make([]uuid.UUID, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
	}
	return ids
}

// History lists the user's uploads, most recent first. HistoryLimit is the
// default page size; callers may ask for more.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]repository.Upload, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	return s.repo.ListUploads(ctx, userID, limit)
}

// TransactionQuery narrows the transaction listing; Search holds an optional
// free-text query against descriptions.
type TransactionQuery struct {
	ClientID uuid.UUID
	Type     string
	Category string
	From     int64
	To       int64
	Search   string
	Limit    int
}

// Transactions lists a client's transactions with optional filters and
// full-text search.
func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, q TransactionQuery) ([]repository.Transaction, error) {
	if err := s.repo.ClientExists(ctx, q.ClientID, userID); err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 50
	}
	txs, err := s.repo.ListTransactions(ctx, repository.TransactionFilter{
		ClientID: q.ClientID,
		Type:     q.Type,
		Category: q.Category,
		From:     q.From,
		To:       q.To,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, err
	}
	if q.Search == "" || s.searcher == nil {
		return txs, nil
	}

	hits, err := s.searcher.Search(q.ClientID.String(), q.Search, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("search transactions: %w", err)
	}
	byID := make(map[string]repository.Transaction, len(txs))
	for _, t := range txs {
		byID[t.ID.String()] = t
	}
	filtered := make([]repository.Transaction, 0, len(hits))
	for _, h := range hits {
		if t, ok := byID[h.Document.ID]; ok {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// BackfillEmbeddings indexes transactions created while the embedding
// service was unavailable. The cron scheduler calls it periodically.
func (s *Service) BackfillEmbeddings(ctx context.Context) (int, error) {
	txs, err := s.repo.ListUnindexed(ctx, s.cfg.BackfillBatch)
	if err != nil {
		return 0, err
	}
	if len(txs) == 0 {
		return 0, nil
	}
	ids := s.indexTransactions(ctx, txs)
	if len(ids) == 0 {
		return 0, fmt.Errorf("backfill: no transactions indexed out of %d pending", len(txs))
	}
	if err := s.repo.MarkIndexed(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// transactionID derives a stable UUID from the upload and row position so a
// retried process call regenerates identical IDs.
func transactionID(uploadID uuid.UUID, rowIndex int) uuid.UUID {
	return uuid.NewSHA1(uploadID, []byte(strconv.Itoa(rowIndex)))
}

func searchDocs(txs []repository.Transaction) []search.Document {
	docs := make([]search.Document, len(txs))
	for i, t := range txs {
		amount, _ := t.Amount.Float64()
		docs[i] = search.Document{
			ID:          t.ID.String(),
			ClientID:    t.ClientID.String(),
			Description: t.Description,
			Category:    t.Category,
			Kind:        t.Type,
			Amount:      amount,
			Date:        t.Date,
		}
	}
	return docs
}
