package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusInitiated TransactionStatus = "initiated"
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCanceled  TransactionStatus = "canceled"
	StatusExpired   TransactionStatus = "expired"
)

type TransactionType string

const (
	TypePayment  TransactionType = "payment"
	TypeRefund   TransactionType = "refund"
	TypeReversal TransactionType = "reversal"
	TypeB2C      TransactionType = "b2c"
)

// validTransitions is the full lifecycle table. initiated -> failed covers a
// gateway dispatch that fails before any acknowledgment; failed -> pending
// exists only for the retry sweep; completed, expired and canceled accept
// nothing.
var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated: {StatusPending, StatusFailed, StatusExpired, StatusCanceled},
	StatusPending:   {StatusCompleted, StatusFailed, StatusCanceled},
	StatusFailed:    {StatusPending},
	StatusCompleted: {},
	StatusExpired:   {},
	StatusCanceled:  {},
}

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to appears in the lifecycle table.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry in a transaction's append-only history.
type StatusChange struct {
	Status    TransactionStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Transaction is the ledger entry for one payment request. Records are never
// deleted; the row plus its history is a permanent audit trail.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	Reference     string            `json:"reference"`
	CorrelationID *string           `json:"correlation_id,omitempty"`
	BusinessID    string            `json:"business_id"`
	Type          TransactionType   `json:"type"`
	Country       string            `json:"country"`
	Currency      string            `json:"currency"`
	PhoneNumber   string            `json:"phone_number"`
	Amount        decimal.Decimal   `json:"amount"`
	Description   string            `json:"description,omitempty"`
	Status        TransactionStatus `json:"status"`
	History       []StatusChange    `json:"history"`
	RetryCount    int               `json:"retry_count"`
	CanRetry      bool              `json:"can_retry"`

	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	CallbackPayload json.RawMessage `json:"callback_payload,omitempty"`

	// Version is the optimistic concurrency token; every persisted status
	// update is guarded on it.
	Version int `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Transition applies a status change in memory: validates it against the
// lifecycle table, appends exactly one history entry, and stamps ProcessedAt
// when a terminal state is first reached. Persistence is the caller's job.
func (t *Transaction) Transition(to TransactionStatus, reason string, metadata map[string]string) error {
	if !CanTransition(t.Status, to) {
		return &InvalidTransitionError{From: t.Status, To: to}
	}
	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	if to.IsTerminal() || to == StatusFailed {
		if t.ProcessedAt == nil {
			t.ProcessedAt = &now
		}
	}
	t.History = append(t.History, StatusChange{
		Status:    to,
		Timestamp: now,
		Reason:    reason,
		Metadata:  metadata,
	})
	return nil
}

// Annotate appends a history entry at the current status without moving the
// lifecycle. Used when an event worth auditing changes no state, such as a
// retried dispatch being acknowledged under a fresh gateway id.
func (t *Transaction) Annotate(reason string, metadata map[string]string) {
	now := time.Now().UTC()
	t.UpdatedAt = now
	t.History = append(t.History, StatusChange{
		Status:    t.Status,
		Timestamp: now,
		Reason:    reason,
		Metadata:  metadata,
	})
}

// PaymentRequest is the caller-facing initiation request.
type PaymentRequest struct {
	Reference   string          `json:"reference,omitempty"`
	Type        TransactionType `json:"type,omitempty"`
	Country     string          `json:"country"`
	Currency    string          `json:"currency,omitempty"`
	PhoneNumber string          `json:"phone_number"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// TransactionFilter narrows ListTransactions queries. Zero values mean "any".
type TransactionFilter struct {
	BusinessID string
	Status     TransactionStatus
	Country    string
	Type       TransactionType
	From       time.Time
	To         time.Time
}

type Page struct {
	Limit  int
	Offset int
}

// StatisticsEntry is one aggregation bucket of GetStatistics.
type StatisticsEntry struct {
	Status  TransactionStatus `json:"status"`
	Country string            `json:"country"`
	Count   int64             `json:"count"`
	Total   decimal.Decimal   `json:"total_amount"`
}

// CurrencyForCountry derives the default currency when a request omits one.
func CurrencyForCountry(country string) (string, bool) {
	currencies := map[string]string{
		"kenya":  "KES",
		"uganda": "UGX",
		"ghana":  "GHS",
	}
	c, ok := currencies[country]
	return c, ok
}
