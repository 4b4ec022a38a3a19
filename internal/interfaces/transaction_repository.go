package interfaces

import (
	"context"
	"time"

	"github.com/pesaflow/payment-engine/internal/models"
)

// TransactionRepository defines the contract for ledger data access. The
// storage engine behind it is external to the orchestration core.
type TransactionRepository interface {
	Insert(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByReference(ctx context.Context, businessID, reference string) (*models.Transaction, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error)
	List(ctx context.Context, filter models.TransactionFilter, page models.Page) ([]*models.Transaction, int64, error)

	// ApplyTransition persists an in-memory transition guarded by the
	// transaction's previous version; zero rows affected means a concurrent
	// writer won and the caller must re-read.
	ApplyTransition(ctx context.Context, tx *models.Transaction) (int64, error)

	SetCorrelationID(ctx context.Context, id, correlationID string, gatewayResponse []byte) error
	SetCallbackPayload(ctx context.Context, id string, payload []byte) error

	// IncrementRetryCount bumps retry bookkeeping atomically and reports the
	// new count; it never exceeds max.
	IncrementRetryCount(ctx context.Context, id string, max int) (int, error)

	FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	FindInitiatedWithoutCorrelation(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	FindRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Transaction, error)

	Statistics(ctx context.Context, businessID string, from, to time.Time) ([]models.StatisticsEntry, error)
}

// IntegrationResolver looks up the active gateway integration for a business
// in a country. Integration CRUD is owned by an external collaborator.
type IntegrationResolver interface {
	Resolve(ctx context.Context, businessID, country string) (*models.Integration, error)
}
