// Package repository persists upload records and transactions in Postgres.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound covers missing clients, uploads and transactions.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyProcessed means the upload's processed flag was already set.
	ErrAlreadyProcessed = errors.New("upload already processed")
)

// Upload mirrors one row of csv_uploads.
type Upload struct {
	ID                  uuid.UUID  `json:"uploadId"`
	UserID              uuid.UUID  `json:"-"`
	ClientID            uuid.UUID  `json:"clientId"`
	Filename            string     `json:"filename"`
	RowCount            int        `json:"rowCount"`
	SizeBytes           int64      `json:"sizeBytes"`
	StorageKey          string     `json:"-"`
	UploadedAt          time.Time  `json:"uploadedAt"`
	Processed           bool       `json:"processed"`
	ProcessedAt         *time.Time `json:"processedAt,omitempty"`
	TransactionsCreated int        `json:"transactionsCreated"`
}

// Transaction mirrors one row of transactions.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	ClientID      uuid.UUID       `json:"clientId"`
	Date          int64           `json:"date"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	Category      string          `json:"category"`
	Confidence    float64         `json:"confidence"`
	AICategorized bool            `json:"aiCategorized"`
	Indexed       bool            `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// DB is the minimal pgx surface the repository uses. Both *pgxpool.Pool and
// pgxmock satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Repository is the Postgres implementation.
type Repository struct {
	db DB
}

func New(db DB) *Repository {
	return &Repository{db: db}
}

// ClientExists verifies that the client belongs to the user.
func (r *Repository) ClientExists(ctx context.Context, clientID, userID uuid.UUID) error {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT id FROM clients WHERE id = $1 AND user_id = $2`,
		clientID, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query client: %w", err)
	}
	return nil
}

// CreateUpload inserts a new upload record.
func (r *Repository) CreateUpload(ctx context.Context, u *Upload) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO csv_uploads (id, user_id, client_id, filename, row_count, size_bytes, storage_key, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.UserID, u.ClientID, u.Filename, u.RowCount, u.SizeBytes, u.StorageKey, u.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// GetUpload loads an upload owned by the user.
func (r *Repository) GetUpload(ctx context.Context, id, userID uuid.UUID) (*Upload, error) {
	var u Upload
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, client_id, filename, row_count, size_bytes, storage_key, uploaded_at, processed, processed_at, transactions_created
		 FROM csv_uploads WHERE id = $1 AND user_id = $2`,
		id, userID).Scan(
		&u.ID, &u.UserID, &u.ClientID, &u.Filename, &u.RowCount, &u.SizeBytes,
		&u.StorageKey, &u.UploadedAt, &u.Processed, &u.ProcessedAt, &u.TransactionsCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query upload: %w", err)
	}
	return &u, nil
}

// ListUploads returns the user's uploads, most recent first.
func (r *Repository) ListUploads(ctx context.Context, userID uuid.UUID, limit int) ([]Upload, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, client_id, filename, row_count, size_bytes, storage_key, uploaded_at, processed, processed_at, transactions_created
		 FROM csv_uploads WHERE user_id = $1 ORDER BY uploaded_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var u Upload
		if err := rows.Scan(
			&u.ID, &u.UserID, &u.ClientID, &u.Filename, &u.RowCount, &u.SizeBytes,
			&u.StorageKey, &u.UploadedAt, &u.Processed, &u.ProcessedAt, &u.TransactionsCreated); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// MarkProcessed flips the processed flag exactly once. A second call for the
// same upload returns ErrAlreadyProcessed.
func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, transactionsCreated int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE csv_uploads SET processed = TRUE, processed_at = now(), transactions_created = $2
		 WHERE id = $1 AND processed = FALSE`,
		id, transactionsCreated)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// InsertTransactions writes one batch of transactions. Duplicate IDs are
// skipped, which makes a retried process call safe: re-generated rows carry
// the same deterministic IDs and collapse into the existing ones.
func (r *Repository) InsertTransactions(ctx context.Context, txs []Transaction) (int64, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(
			`INSERT INTO transactions (id, client_id, date, description, amount, type, category, confidence, ai_categorized)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.ClientID, t.Date, t.Description, t.Amount, t.Type, t.Category, t.Confidence, t.AICategorized)
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range txs {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert transaction: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// TransactionFilter narrows a transaction listing. Zero values mean
// "no constraint"; From and To are epoch seconds.
type TransactionFilter struct {
	ClientID uuid.UUID
	Type     string
	Category string
	From     int64
	To       int64
	Limit    int
}

// ListTransactions returns a client's transactions, newest first.
func (r *Repository) ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, client_id, date, description, amount, type, category, confidence, ai_categorized, indexed, created_at
		 FROM transactions WHERE client_id = $1`)
	args := []any{f.ClientID}

	if f.Type != "" {
		args = append(args, f.Type)
		fmt.Fprintf(&sb, " AND type = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		fmt.Fprintf(&sb, " AND category = $%d", len(args))
	}
	if f.From > 0 {
		args = append(args, f.From)
		fmt.Fprintf(&sb, " AND date >= $%d", len(args))
	}
	if f.To > 0 {
		args = append(args, f.To)
		fmt.Fprintf(&sb, " AND date <= $%d", len(args))
	}
	args = append(args, f.Limit)
	fmt.Fprintf(&sb, " ORDER BY date DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListUnindexed returns transactions whose embeddings have not been written
// to the vector index yet.
func (r *Repository) ListUnindexed(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, client_id, date, description, amount, type, category, confidence, ai_categorized, indexed, created_at
		 FROM transactions WHERE NOT indexed ORDER BY created_at LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("query unindexed transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// MarkIndexed records that the given transactions now live in the vector
// index.
func (r *Repository) MarkIndexed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`UPDATE transactions SET indexed = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	var txs []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(
			&t.ID, &t.ClientID, &t.Date, &t.Description, &t.Amount, &t.Type,
			&t.Category, &t.Confidence, &t.AICategorized, &t.Indexed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
