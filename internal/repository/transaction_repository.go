package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/pesaflow/payment-engine/internal/models"
)

// TransactionRepository is the PostgreSQL implementation of the ledger
// persistence contract. Status history is stored as a JSONB array alongside
// the row; rows are never deleted.
type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			reference VARCHAR(64) NOT NULL,
			business_id VARCHAR(64) NOT NULL,
			correlation_id VARCHAR(128),
			type VARCHAR(16) NOT NULL,
			country VARCHAR(32) NOT NULL,
			currency VARCHAR(8) NOT NULL,
			phone_number VARCHAR(20) NOT NULL,
			amount NUMERIC(14,2) NOT NULL,
			description TEXT,
			status VARCHAR(16) NOT NULL,
			history JSONB NOT NULL DEFAULT '[]',
			retry_count INT NOT NULL DEFAULT 0,
			can_retry BOOLEAN NOT NULL DEFAULT TRUE,
			request_payload JSONB,
			gateway_response JSONB,
			callback_payload JSONB,
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			CONSTRAINT transactions_business_reference_key UNIQUE (business_id, reference)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_correlation_id
			ON transactions(correlation_id) WHERE correlation_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_history
			ON transactions USING GIN (history jsonb_path_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status_updated ON transactions(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_business_created ON transactions(business_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

const transactionColumns = `id, reference, business_id, correlation_id, type, country, currency,
	phone_number, amount, description, status, history, retry_count, can_retry,
	request_payload, gateway_response, callback_payload, version, created_at, updated_at, processed_at`

func (r *TransactionRepository) Insert(ctx context.Context, tx *models.Transaction) error {
	history, err := json.Marshal(tx.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, reference, business_id, correlation_id, type, country, currency,
			phone_number, amount, description, status, history, retry_count, can_retry,
			request_payload, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, tx.ID, tx.Reference, tx.BusinessID, tx.CorrelationID, tx.Type, tx.Country, tx.Currency,
		tx.PhoneNumber, tx.Amount.StringFixed(2), tx.Description, tx.Status, history,
		tx.RetryCount, tx.CanRetry, nullableJSON(tx.RequestPayload), tx.Version, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (r *TransactionRepository) GetByReference(ctx context.Context, businessID, reference string) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE business_id = $1 AND reference = $2`,
		businessID, reference)
	return scanTransaction(row)
}

// GetByCorrelationID matches the correlation column first, then falls back to
// ids recorded in history metadata: a retried dispatch keeps its original
// column key but is acknowledged under a fresh gateway id.
func (r *TransactionRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error) {
	pattern, err := json.Marshal([]map[string]any{
		{"metadata": map[string]string{"correlation_id": correlationID}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal correlation pattern: %w", err)
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE correlation_id = $1 OR history @> $2::jsonb
		LIMIT 1
	`, correlationID, string(pattern))
	return scanTransaction(row)
}

func (r *TransactionRepository) List(ctx context.Context, filter models.TransactionFilter, page models.Page) ([]*models.Transaction, int64, error) {
	where := "WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.BusinessID != "" {
		where += " AND business_id = " + arg(filter.BusinessID)
	}
	if filter.Status != "" {
		where += " AND status = " + arg(filter.Status)
	}
	if filter.Country != "" {
		where += " AND country = " + arg(filter.Country)
	}
	if filter.Type != "" {
		where += " AND type = " + arg(filter.Type)
	}
	if !filter.From.IsZero() {
		where += " AND created_at >= " + arg(filter.From)
	}
	if !filter.To.IsZero() {
		where += " AND created_at <= " + arg(filter.To)
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := "SELECT " + transactionColumns + " FROM transactions " + where +
		" ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(page.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// ApplyTransition persists an in-memory transition guarded on the version the
// caller read. Zero rows affected means another writer got there first.
func (r *TransactionRepository) ApplyTransition(ctx context.Context, tx *models.Transaction) (int64, error) {
	history, err := json.Marshal(tx.History)
	if err != nil {
		return 0, fmt.Errorf("marshal history: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, history = $2, can_retry = $3, processed_at = $4,
			version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7
	`, tx.Status, history, tx.CanRetry, tx.ProcessedAt, tx.UpdatedAt, tx.ID, tx.Version)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows > 0 {
		tx.Version++
	}
	return rows, nil
}

func (r *TransactionRepository) SetCorrelationID(ctx context.Context, id, correlationID string, gatewayResponse []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transactions
		SET correlation_id = $1, gateway_response = $2, updated_at = NOW()
		WHERE id = $3 AND correlation_id IS NULL
	`, correlationID, nullableJSON(gatewayResponse), id)
	return err
}

func (r *TransactionRepository) SetCallbackPayload(ctx context.Context, id string, payload []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET callback_payload = $1, updated_at = NOW() WHERE id = $2
	`, nullableJSON(payload), id)
	return err
}

func (r *TransactionRepository) IncrementRetryCount(ctx context.Context, id string, max int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND retry_count < $2
		RETURNING retry_count
	`, id, max).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("transaction %s: retry budget exhausted", id)
	}
	return count, err
}

func (r *TransactionRepository) FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3
	`, models.StatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *TransactionRepository) FindInitiatedWithoutCorrelation(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND correlation_id IS NULL AND created_at < $2
		ORDER BY created_at ASC LIMIT $3
	`, models.StatusInitiated, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *TransactionRepository) FindRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND can_retry = TRUE AND retry_count < $2
		ORDER BY updated_at ASC LIMIT $3
	`, models.StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *TransactionRepository) Statistics(ctx context.Context, businessID string, from, to time.Time) ([]models.StatisticsEntry, error) {
	where := "WHERE created_at >= $1 AND created_at <= $2"
	args := []any{from, to}
	if businessID != "" {
		where += " AND business_id = $3"
		args = append(args, businessID)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, country, COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions `+where+`
		GROUP BY status, country
		ORDER BY country, status
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.StatisticsEntry
	for rows.Next() {
		var e models.StatisticsEntry
		var total string
		if err := rows.Scan(&e.Status, &e.Country, &e.Count, &total); err != nil {
			return nil, err
		}
		e.Total, err = decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("parse total amount: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx            models.Transaction
		id            string
		correlationID sql.NullString
		description   sql.NullString
		amount        string
		history       []byte
		reqPayload    []byte
		gwResponse    []byte
		cbPayload     []byte
		processedAt   sql.NullTime
	)

	err := row.Scan(&id, &tx.Reference, &tx.BusinessID, &correlationID, &tx.Type, &tx.Country,
		&tx.Currency, &tx.PhoneNumber, &amount, &description, &tx.Status, &history,
		&tx.RetryCount, &tx.CanRetry, &reqPayload, &gwResponse, &cbPayload,
		&tx.Version, &tx.CreatedAt, &tx.UpdatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if err := json.Unmarshal(history, &tx.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if correlationID.Valid {
		tx.CorrelationID = &correlationID.String
	}
	if description.Valid {
		tx.Description = description.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		tx.ProcessedAt = &t
	}
	tx.RequestPayload = reqPayload
	tx.GatewayResponse = gwResponse
	tx.CallbackPayload = cbPayload

	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
