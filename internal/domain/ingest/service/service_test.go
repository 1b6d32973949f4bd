package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-hunter/insight-hunter/internal/domain/categorization"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/mapper"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/parser"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/repository"
	"github.com/insight-hunter/insight-hunter/internal/domain/search"
	"github.com/insight-hunter/insight-hunter/internal/vectorindex"
	"github.com/insight-hunter/insight-hunter/pkg/metrics"
)

// fakeRepo keeps everything in maps and mimics the CAS semantics of the
// Postgres implementation.
type fakeRepo struct {
	mu           sync.Mutex
	clients      map[uuid.UUID]uuid.UUID // client -> owner
	uploads      map[uuid.UUID]*repository.Upload
	transactions map[uuid.UUID]repository.Transaction
	insertErrs   int // fail this many InsertTransactions calls
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		clients:      make(map[uuid.UUID]uuid.UUID),
		uploads:      make(map[uuid.UUID]*repository.Upload),
		transactions: make(map[uuid.UUID]repository.Transaction),
	}
}

func (f *fakeRepo) ClientExists(_ context.Context, clientID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.clients[clientID]; !ok || owner != userID {
		return repository.ErrNotFound
	}
	return nil
}

func (f *fakeRepo) CreateUpload(_ context.Context, u *repository.Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.uploads[u.ID] = &cp
	return nil
}

func (f *fakeRepo) GetUpload(_ context.Context, id, userID uuid.UUID) (*repository.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok || u.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeRepo) ListUploads(_ context.Context, userID uuid.UUID, limit int) ([]repository.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.Upload
	for _, u := range f.uploads {
		if u.UserID == userID && len(out) < limit {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkProcessed(_ context.Context, id uuid.UUID, created int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok || u.Processed {
		return repository.ErrAlreadyProcessed
	}
	u.Processed = true
	u.TransactionsCreated = created
	return nil
}

func (f *fakeRepo) InsertTransactions(_ context.Context, txs []repository.Transaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErrs > 0 {
		f.insertErrs--
		return 0, errors.New("transient storage error")
	}
	var n int64
	for _, t := range txs {
		if _, exists := f.transactions[t.ID]; exists {
			continue
		}
		f.transactions[t.ID] = t
		n++
	}
	return n, nil
}

func (f *fakeRepo) ListTransactions(_ context.Context, filter repository.TransactionFilter) ([]repository.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.Transaction
	for _, t := range f.transactions {
		if t.ClientID != filter.ClientID || len(out) >= filter.Limit {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeRepo) ListUnindexed(_ context.Context, limit int) ([]repository.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.Transaction
	for _, t := range f.transactions {
		if !t.Indexed && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkIndexed(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		t := f.transactions[id]
		t.Indexed = true
		f.transactions[id] = t
	}
	return nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{blobs: make(map[string][]byte)} }

func (f *fakeBlobs) Put(_ context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[key]
	if !ok {
		return nil, errors.New("missing blob")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Delete(context.Context, string) error { return nil }

type fixedStrategy struct {
	result categorization.Result
	err    error
	calls  int
}

func (s *fixedStrategy) Categorize(context.Context, string, string) (categorization.Result, error) {
	s.calls++
	return s.result, s.err
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

type env struct {
	repo     *fakeRepo
	blobs    *fakeBlobs
	strategy *fixedStrategy
	vectors  *vectorindex.MemoryIndex
	svc      *Service
	userID   uuid.UUID
	clientID uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:     newFakeRepo(),
		blobs:    newFakeBlobs(),
		strategy: &fixedStrategy{result: categorization.Result{Category: "Software", Confidence: 0.85}},
		vectors:  vectorindex.NewMemoryIndex(),
		userID:   uuid.New(),
		clientID: uuid.New(),
	}
	e.repo.clients[e.clientID] = e.userID
	e.svc = New(
		e.repo, e.blobs, e.strategy, &fakeEmbedder{}, e.vectors, nil,
		metrics.New(prometheus.NewRegistry()),
		Config{MaxUploadBytes: 1024, InsertBatchSize: 2, PreviewRows: 5, HistoryLimit: 20},
		slog.New(slog.DiscardHandler),
	)
	return e
}

const sampleCSV = "Date,Description,Amount,Category\n" +
	"01/05/2024,Jetbrains license,-149.00,\n" +
	"01/06/2024,Client payment,2500.00,Sales\n" +
	"01/07/2024,\"Acme, Inc. retainer\",-900.00,\n"

func (e *env) upload(t *testing.T, content string) uuid.UUID {
	t.Helper()
	res, err := e.svc.Upload(context.Background(), e.userID, e.clientID, "export.csv", int64(len(content)), strings.NewReader(content))
	require.NoError(t, err)
	return res.UploadID
}

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path returns id, count and preview", func(t *testing.T) {
		e := newEnv(t)
		res, err := e.svc.Upload(ctx, e.userID, e.clientID, "export.csv", int64(len(sampleCSV)), strings.NewReader(sampleCSV))
		require.NoError(t, err)
		assert.Equal(t, 3, res.RowCount)
		assert.Len(t, res.Preview, 3)
		assert.Equal(t, "Jetbrains license", res.Preview[0]["description"])

		stored, err := e.repo.GetUpload(ctx, res.UploadID, e.userID)
		require.NoError(t, err)
		assert.False(t, stored.Processed)
		assert.Equal(t, 3, stored.RowCount)

		_, err = e.blobs.Get(ctx, stored.StorageKey)
		assert.NoError(t, err)
	})

	t.Run("preview capped at configured rows", func(t *testing.T) {
		e := newEnv(t)
		var sb strings.Builder
		sb.WriteString("date,amount\n")
		for i := 0; i < 9; i++ {
			sb.WriteString("01/05/2024,5\n")
		}
		res, err := e.svc.Upload(ctx, e.userID, e.clientID, "big.csv", int64(sb.Len()), strings.NewReader(sb.String()))
		require.NoError(t, err)
		assert.Equal(t, 9, res.RowCount)
		assert.Len(t, res.Preview, 5)
	})

	t.Run("unknown client", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Upload(ctx, e.userID, uuid.New(), "export.csv", 10, strings.NewReader(sampleCSV))
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("oversized file rejected before parsing", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Upload(ctx, e.userID, e.clientID, "export.csv", 4096, strings.NewReader("garbage that never gets parsed"))
		var tooLarge *FileTooLargeError
		assert.ErrorAs(t, err, &tooLarge)
	})

	t.Run("non-csv extension rejected", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Upload(ctx, e.userID, e.clientID, "export.xlsx", 10, strings.NewReader(sampleCSV))
		assert.ErrorIs(t, err, ErrUnsupportedFile)
	})

	t.Run("missing required columns rejected", func(t *testing.T) {
		e := newEnv(t)
		content := "description,notes\nfoo,bar\n"
		_, err := e.svc.Upload(ctx, e.userID, e.clientID, "export.csv", int64(len(content)), strings.NewReader(content))
		var verr *mapper.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Problems, 2)
	})

	t.Run("header-only file rejected", func(t *testing.T) {
		e := newEnv(t)
		content := "date,amount\n"
		_, err := e.svc.Upload(ctx, e.userID, e.clientID, "export.csv", int64(len(content)), strings.NewReader(content))
		var perr *parser.ParseError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("materializes categorized transactions", func(t *testing.T) {
		e := newEnv(t)
		uploadID := e.upload(t, sampleCSV)

		res, err := e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.TransactionsCreated)
		// Row two carries an explicit category, the other two are machine-assigned.
		assert.Equal(t, 2, res.AICategorized)

		txs, err := e.repo.ListTransactions(ctx, repository.TransactionFilter{ClientID: e.clientID, Limit: 10})
		require.NoError(t, err)
		require.Len(t, txs, 3)
		for _, tx := range txs {
			assert.True(t, tx.Amount.Sign() > 0)
			if tx.Category == "Sales" {
				assert.Equal(t, 1.0, tx.Confidence)
				assert.False(t, tx.AICategorized)
			} else {
				assert.Equal(t, "Software", tx.Category)
				assert.Equal(t, 0.85, tx.Confidence)
				assert.True(t, tx.AICategorized)
			}
		}
		assert.Equal(t, 3, e.vectors.Len())

		upload, err := e.repo.GetUpload(ctx, uploadID, e.userID)
		require.NoError(t, err)
		assert.True(t, upload.Processed)
		assert.Equal(t, 3, upload.TransactionsCreated)
	})

	t.Run("second process call is rejected", func(t *testing.T) {
		e := newEnv(t)
		uploadID := e.upload(t, sampleCSV)
		_, err := e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
		require.NoError(t, err)

		_, err = e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
		assert.ErrorIs(t, err, repository.ErrAlreadyProcessed)

		txs, err := e.repo.ListTransactions(ctx, repository.TransactionFilter{ClientID: e.clientID, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, txs, 3)
	})

	t.Run("unknown upload", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Process(ctx, e.userID, e.clientID, uuid.New(), nil)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("client mismatch reads as not found", func(t *testing.T) {
		e := newEnv(t)
		uploadID := e.upload(t, sampleCSV)
		_, err := e.svc.Process(ctx, e.userID, uuid.New(), uploadID, nil)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		upload, err := e.repo.GetUpload(ctx, uploadID, e.userID)
		require.NoError(t, err)
		assert.False(t, upload.Processed)
	})

	t.Run("retried process regenerates identical transaction ids", func(t *testing.T) {
		e := newEnv(t)
		uploadID := e.upload(t, sampleCSV)
		// First insert attempt fails after categorization; upload stays
		// unprocessed and retryable.
		e.repo.insertErrs = 4 // exhausts the per-batch retry budget
		_, err := e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
		require.Error(t, err)

		upload, err := e.repo.GetUpload(ctx, uploadID, e.userID)
		require.NoError(t, err)
		assert.False(t, upload.Processed)

		res, err := e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.TransactionsCreated)
		txs, err := e.repo.ListTransactions(ctx, repository.TransactionFilter{ClientID: e.clientID, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, txs, 3)
	})

	t.Run("transient insert errors are retried per batch", func(t *testing.T) {
		e := newEnv(t)
		uploadID := e.upload(t, sampleCSV)
		e.repo.insertErrs = 1
		res, err := e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.TransactionsCreated)
	})

	t.Run("strategy failure falls back to keyword rules", func(t *testing.T) {
		e := newEnv(t)
		e.strategy.err = categorization.ErrNoSuggestion
		content := "date,description,amount\n01/05/2024,Monthly Payroll Run,-5000\n"
		uploadID := e.upload(t, content)

		_, err := e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
		require.NoError(t, err)
		txs, err := e.repo.ListTransactions(ctx, repository.TransactionFilter{ClientID: e.clientID, Limit: 10})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "Payroll", txs[0].Category)
		assert.Equal(t, categorization.ConfidenceKeyword, txs[0].Confidence)
	})

	t.Run("explicit column mapping replaces detection wholesale", func(t *testing.T) {
		e := newEnv(t)
		content := "date,amount,memo,notes\n01/05/2024,-10,ignored,Real description\n"
		uploadID := e.upload(t, content)

		_, err := e.svc.Process(ctx, e.userID, e.clientID, uploadID, &mapper.Mapping{Description: "notes"})
		require.NoError(t, err)
		txs, err := e.repo.ListTransactions(ctx, repository.TransactionFilter{ClientID: e.clientID, Limit: 10})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "Real description", txs[0].Description)
		// Date and amount columns exist but the explicit mapping leaves them
		// out, so detection never fills them in and the row gets defaults.
		assert.True(t, txs[0].Amount.IsZero())
		assert.Equal(t, "expense", txs[0].Type)
	})
}

func TestTransactionIDDeterminism(t *testing.T) {
	uploadID := uuid.New()
	assert.Equal(t, transactionID(uploadID, 0), transactionID(uploadID, 0))
	assert.NotEqual(t, transactionID(uploadID, 0), transactionID(uploadID, 1))
	assert.NotEqual(t, transactionID(uploadID, 0), transactionID(uuid.New(), 0))
}

func TestBackfillEmbeddings(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// Simulate transactions created while embeddings were down.
	for i := 0; i < 3; i++ {
		id := uuid.New()
		e.repo.transactions[id] = repository.Transaction{
			ID: id, ClientID: e.clientID, Description: gofakeit.Company() + " invoice", Category: "Rent",
		}
	}

	n, err := e.svc.BackfillEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, e.vectors.Len())

	// Nothing left to do on the next run.
	n, err = e.svc.BackfillEmbeddings(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	searcher, err := search.NewIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = searcher.Close() })
	e.svc.searcher = searcher

	uploadID := e.upload(t, sampleCSV)
	_, err = e.svc.Process(ctx, e.userID, e.clientID, uploadID, nil)
	require.NoError(t, err)

	t.Run("unknown client rejected", func(t *testing.T) {
		_, err := e.svc.Transactions(ctx, e.userID, TransactionQuery{ClientID: uuid.New()})
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("lists all without filters", func(t *testing.T) {
		txs, err := e.svc.Transactions(ctx, e.userID, TransactionQuery{ClientID: e.clientID})
		require.NoError(t, err)
		assert.Len(t, txs, 3)
	})

	t.Run("type filter", func(t *testing.T) {
		txs, err := e.svc.Transactions(ctx, e.userID, TransactionQuery{ClientID: e.clientID, Type: "income"})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "Client payment", txs[0].Description)
	})

	t.Run("free-text search narrows results", func(t *testing.T) {
		txs, err := e.svc.Transactions(ctx, e.userID, TransactionQuery{ClientID: e.clientID, Search: "jetbrains"})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "Jetbrains license", txs[0].Description)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for i := 0; i < 25; i++ {
		e.upload(t, sampleCSV)
	}

	uploads, err := e.svc.History(ctx, e.userID, 0)
	require.NoError(t, err)
	assert.Len(t, uploads, 20)

	uploads, err = e.svc.History(ctx, e.userID, 5)
	require.NoError(t, err)
	assert.Len(t, uploads, 5)

	// An explicit limit above the default is honored, not clamped.
	uploads, err = e.svc.History(ctx, e.userID, 25)
	require.NoError(t, err)
	assert.Len(t, uploads, 25)
}
