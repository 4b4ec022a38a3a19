package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pesaflow/payment-engine/internal/gateway"
	"github.com/pesaflow/payment-engine/internal/interfaces"
	"github.com/pesaflow/payment-engine/internal/models"
	"github.com/pesaflow/payment-engine/internal/notifier"
	"github.com/pesaflow/payment-engine/internal/telemetry"
)

const (
	// DefaultMaxRetries bounds the retry sweep per transaction.
	DefaultMaxRetries = 3

	gatewayCallTimeout = 30 * time.Second
	lockTTL            = 30 * time.Second

	// notifyTimeout must outlast the dispatcher's full retry schedule or the
	// outer context truncates the final attempt.
	notifyTimeout = notifier.DeliveryBudget + 5*time.Second
)

// ErrConcurrentUpdate is returned when a guarded status update keeps losing
// the race against another writer.
var ErrConcurrentUpdate = errors.New("transaction modified concurrently")

// WebhookSender delivers outcome events to subscriber systems.
type WebhookSender interface {
	Send(ctx context.Context, url, secret string, event *notifier.Event) error
}

// Orchestrator validates payment requests, drives gateway clients, and owns
// every ledger state transition.
type Orchestrator struct {
	repo         interfaces.TransactionRepository
	integrations interfaces.IntegrationResolver
	webhooks     WebhookSender
	redisClient  *redis.Client
	kafkaWriter  *kafka.Writer
	maxRetries   int

	gatewayOpts gateway.Options
	newClient   func(integ *models.Integration, opts gateway.Options) (gateway.Client, error)

	// clients caches one gateway client per (business, country) so the cached
	// authentication credential survives across calls.
	clientMu sync.Mutex
	clients  map[string]gateway.Client
}

func NewOrchestrator(
	repo interfaces.TransactionRepository,
	integrations interfaces.IntegrationResolver,
	webhooks WebhookSender,
	redisClient *redis.Client,
	kafkaWriter *kafka.Writer,
) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		integrations: integrations,
		webhooks:     webhooks,
		redisClient:  redisClient,
		kafkaWriter:  kafkaWriter,
		maxRetries:   DefaultMaxRetries,
		newClient:    gateway.New,
		clients:      map[string]gateway.Client{},
	}
}

// SetMaxRetries overrides the default retry budget.
func (o *Orchestrator) SetMaxRetries(n int) {
	if n > 0 {
		o.maxRetries = n
	}
}

func (o *Orchestrator) clientFor(integ *models.Integration) (gateway.Client, error) {
	key := integ.BusinessID + "|" + integ.Country
	o.clientMu.Lock()
	defer o.clientMu.Unlock()
	if c, ok := o.clients[key]; ok {
		return c, nil
	}
	c, err := o.newClient(integ, o.gatewayOpts)
	if err != nil {
		return nil, err
	}
	o.clients[key] = c
	return c, nil
}

// InitiatePayment creates a ledger entry and dispatches the payment to the
// country gateway. A ledger record exists after return even when the gateway
// call fails; in that case both the transaction and the error are returned.
func (o *Orchestrator) InitiatePayment(ctx context.Context, businessID string, req *models.PaymentRequest) (*models.Transaction, error) {
	if err := validateRequest(businessID, req); err != nil {
		return nil, err
	}

	integ, err := o.integrations.Resolve(ctx, businessID, req.Country)
	if err != nil || integ == nil || !integ.Active {
		return nil, fmt.Errorf("%w: business %s, country %s", models.ErrIntegrationNotConfigured, businessID, req.Country)
	}

	client, err := o.clientFor(integ)
	if err != nil {
		return nil, err
	}

	phone, err := client.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		c, ok := models.CurrencyForCountry(req.Country)
		if !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedCountry, req.Country)
		}
		currency = c
	}

	txType := req.Type
	if txType == "" {
		txType = models.TypePayment
	}
	reference := req.Reference
	if reference == "" {
		reference = uuid.NewString()
	}

	snapshot, _ := json.Marshal(req)
	now := time.Now().UTC()
	tx := &models.Transaction{
		ID:             uuid.New(),
		Reference:      reference,
		BusinessID:     businessID,
		Type:           txType,
		Country:        req.Country,
		Currency:       currency,
		PhoneNumber:    phone,
		Amount:         req.Amount,
		Description:    req.Description,
		Status:         models.StatusInitiated,
		History:        []models.StatusChange{{Status: models.StatusInitiated, Timestamp: now}},
		CanRetry:       true,
		RequestPayload: snapshot,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := o.repo.Insert(ctx, tx); err != nil {
		return nil, err
	}

	if gwErr := o.dispatch(ctx, tx, client); gwErr != nil {
		// The record always survives a gateway failure.
		return tx, gwErr
	}
	return tx, nil
}

// dispatch performs the gateway call for an initiated or retried transaction
// and applies the resulting transition.
func (o *Orchestrator) dispatch(ctx context.Context, tx *models.Transaction, client gateway.Client) error {
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()

	result, gwErr := client.InitiatePayment(callCtx, &gateway.InitiateRequest{
		Reference:   tx.Reference,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		PhoneNumber: tx.PhoneNumber,
		Description: tx.Description,
	})

	if gwErr != nil {
		category := models.GatewayErrUnknown
		var ge *models.GatewayError
		if errors.As(gwErr, &ge) {
			category = ge.Category
			telemetry.GatewayErrorsTotal.WithLabelValues(tx.Country, string(category)).Inc()
		}
		tx.CanRetry = retryableCategory(category)
		reason := string(category)
		if tx.RetryCount > 0 {
			reason = "retry_failed"
		}
		if err := o.applyTransition(ctx, tx, models.StatusFailed, reason,
			map[string]string{"category": string(category)}); err != nil {
			telemetry.Logger.Error("Failed to record gateway failure",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		}
		return gwErr
	}

	// Correlation id is immutable once assigned: the repository only sets it
	// while the column is still NULL. A retried transaction that already has
	// one keeps it; the fresh id is recorded in history below.
	if err := o.repo.SetCorrelationID(ctx, tx.ID.String(), result.CorrelationID, result.RawResponse); err != nil {
		telemetry.Logger.Error("Failed to store correlation id",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}
	if tx.CorrelationID == nil {
		tx.CorrelationID = &result.CorrelationID
	}
	tx.GatewayResponse = result.RawResponse

	if tx.Status == models.StatusPending {
		// Retry path transitioned to pending before dispatch. The column keeps
		// the original key, so the fresh gateway id survives in history, where
		// the callback lookup can also find it.
		tx.Annotate("retry_gateway_ack", map[string]string{"correlation_id": result.CorrelationID})
		if _, err := o.repo.ApplyTransition(ctx, tx); err != nil {
			telemetry.Logger.Error("Failed to record retried dispatch acknowledgment",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		}
		return nil
	}
	return o.applyTransition(ctx, tx, models.StatusPending, "gateway_ack",
		map[string]string{"correlation_id": result.CorrelationID})
}

// retryableCategory decides whether a failed initiation is worth re-dispatch.
// Rejected requests and bad credentials will not heal on their own.
func retryableCategory(category models.GatewayErrorCategory) bool {
	return category == models.GatewayErrTimeout || category == models.GatewayErrUnknown
}

// CheckStatus returns the cached state for terminal transactions; otherwise
// it polls the gateway and applies the mapped transition.
func (o *Orchestrator) CheckStatus(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := o.repo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if tx.Status.IsTerminal() {
		return tx, nil
	}
	if tx.CorrelationID == nil {
		// Never acknowledged; nothing to poll. The expiry sweep owns it.
		return tx, nil
	}

	integ, err := o.integrations.Resolve(ctx, tx.BusinessID, tx.Country)
	if err != nil || integ == nil {
		return nil, fmt.Errorf("%w: business %s, country %s", models.ErrIntegrationNotConfigured, tx.BusinessID, tx.Country)
	}
	client, err := o.clientFor(integ)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()
	status, err := client.CheckStatus(callCtx, *tx.CorrelationID)
	if err != nil {
		return tx, err
	}

	if status == tx.Status || !models.CanTransition(tx.Status, status) {
		return tx, nil
	}

	if err := o.applyTransition(ctx, tx, status, "status_poll", nil); err != nil {
		return tx, err
	}
	if tx.Status.IsTerminal() || tx.Status == models.StatusFailed {
		o.notifyOutcome(tx)
	}
	return tx, nil
}

// Cancel is permitted only before the transaction reaches a result.
func (o *Orchestrator) Cancel(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := o.repo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := o.applyTransition(ctx, tx, models.StatusCanceled, "client_cancel", nil); err != nil {
		return nil, err
	}
	return tx, nil
}

// Expire marks an unacknowledged transaction as expired. Used by the expiry
// sweep for initiations the gateway never answered.
func (o *Orchestrator) Expire(ctx context.Context, transactionID string) error {
	tx, err := o.repo.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	return o.applyTransition(ctx, tx, models.StatusExpired, "initiation_timeout", nil)
}

// Retry re-dispatches a failed transaction with its original request. The
// retry counter is incremented first and atomically, so the sweep can never
// exceed the budget even when the dispatch below fails.
func (o *Orchestrator) Retry(ctx context.Context, transactionID string) error {
	tx, err := o.repo.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusFailed || !tx.CanRetry {
		return fmt.Errorf("transaction %s is not retryable", transactionID)
	}

	attempt, err := o.repo.IncrementRetryCount(ctx, transactionID, o.maxRetries)
	if err != nil {
		return err
	}
	tx.RetryCount = attempt

	integ, err := o.integrations.Resolve(ctx, tx.BusinessID, tx.Country)
	if err != nil || integ == nil {
		return fmt.Errorf("%w: business %s, country %s", models.ErrIntegrationNotConfigured, tx.BusinessID, tx.Country)
	}
	client, err := o.clientFor(integ)
	if err != nil {
		return err
	}

	if err := o.applyTransition(ctx, tx, models.StatusPending, "retry_dispatch",
		map[string]string{"attempt": fmt.Sprintf("%d", attempt)}); err != nil {
		return err
	}

	if gwErr := o.dispatch(ctx, tx, client); gwErr != nil {
		return fmt.Errorf("retry_failed: %w", gwErr)
	}
	return nil
}

// ListTransactions pages through ledger records matching the filter.
func (o *Orchestrator) ListTransactions(ctx context.Context, filter models.TransactionFilter, page models.Page) ([]*models.Transaction, int64, error) {
	return o.repo.List(ctx, filter, page)
}

// GetStatistics aggregates counts and amounts by status and country over the
// period, defaulting to the trailing month.
func (o *Orchestrator) GetStatistics(ctx context.Context, businessID string, from, to time.Time) ([]models.StatisticsEntry, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}
	return o.repo.Statistics(ctx, businessID, from, to)
}

// applyTransition validates and persists a status change under the
// per-transaction redis lock, guarded by the optimistic version token. A lost
// race triggers one re-read and re-validation before giving up.
func (o *Orchestrator) applyTransition(ctx context.Context, tx *models.Transaction, to models.TransactionStatus, reason string, metadata map[string]string) error {
	unlock, err := o.lock(ctx, tx.ID.String())
	if err != nil {
		return err
	}
	defer unlock()

	from := tx.Status
	for attempt := 0; attempt < 2; attempt++ {
		if err := tx.Transition(to, reason, metadata); err != nil {
			return err
		}

		rows, err := o.repo.ApplyTransition(ctx, tx)
		if err != nil {
			return err
		}
		if rows > 0 {
			telemetry.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
			o.publishStateChange(ctx, tx, from)
			telemetry.Logger.Info("Transaction state transition",
				zap.String("transaction_id", tx.ID.String()),
				zap.String("from_status", string(from)),
				zap.String("to_status", string(to)),
				zap.String("reason", reason),
			)
			return nil
		}

		// Version conflict: another path updated the record first. Re-read
		// and revalidate the same transition against the fresh state.
		fresh, err := o.repo.GetByID(ctx, tx.ID.String())
		if err != nil {
			return err
		}
		*tx = *fresh
		from = tx.Status
	}

	return fmt.Errorf("%w: %s", ErrConcurrentUpdate, tx.ID)
}

// lock serializes transitions per transaction id. Without redis configured
// the version token alone carries the guarantee.
func (o *Orchestrator) lock(ctx context.Context, transactionID string) (func(), error) {
	if o.redisClient == nil {
		return func() {}, nil
	}
	key := "tx_lock:" + transactionID
	locked, err := o.redisClient.SetNX(ctx, key, "1", lockTTL).Result()
	if err != nil {
		// Redis being down degrades to version-token-only serialization.
		telemetry.Logger.Warn("Transition lock unavailable", zap.Error(err))
		return func() {}, nil
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrConcurrentUpdate, transactionID)
	}
	return func() { o.redisClient.Del(context.Background(), key) }, nil
}

// publishStateChange emits the transition to the event stream. Best effort;
// stream trouble never fails a transition.
func (o *Orchestrator) publishStateChange(ctx context.Context, tx *models.Transaction, from models.TransactionStatus) {
	if o.kafkaWriter == nil {
		return
	}
	event := map[string]any{
		"transaction_id":  tx.ID.String(),
		"reference":       tx.Reference,
		"status":          tx.Status,
		"previous_status": from,
		"country":         tx.Country,
		"timestamp":       time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)
	if err := o.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.ID.String()),
		Value: payload,
	}); err != nil {
		telemetry.Logger.Warn("Failed to publish state change event",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}
}

// notifyOutcome delivers the subscriber webhook off the request path.
func (o *Orchestrator) notifyOutcome(tx *models.Transaction) {
	if o.webhooks == nil {
		return
	}
	integ, err := o.integrations.Resolve(context.Background(), tx.BusinessID, tx.Country)
	if err != nil || integ == nil || integ.WebhookURL == "" {
		return
	}
	snapshot := *tx
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := o.webhooks.Send(ctx, integ.WebhookURL, integ.WebhookSecret, notifier.StatusEvent(&snapshot)); err != nil {
			telemetry.Logger.Error("Webhook delivery failed",
				zap.String("transaction_id", snapshot.ID.String()),
				zap.String("url", integ.WebhookURL),
				zap.Error(err),
			)
		}
	}()
}

func validateRequest(businessID string, req *models.PaymentRequest) error {
	if businessID == "" {
		return &models.ValidationError{Field: "business_id", Message: "required"}
	}
	if req == nil {
		return &models.ValidationError{Field: "request", Message: "required"}
	}
	if req.Country == "" {
		return &models.ValidationError{Field: "country", Message: "required"}
	}
	if req.PhoneNumber == "" {
		return &models.ValidationError{Field: "phone_number", Message: "required"}
	}
	if !req.Amount.IsPositive() {
		return &models.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if req.Amount.Exponent() < -2 {
		return &models.ValidationError{Field: "amount", Message: "at most two decimal places"}
	}
	switch req.Type {
	case "", models.TypePayment, models.TypeRefund, models.TypeReversal, models.TypeB2C:
	default:
		return &models.ValidationError{Field: "type", Message: "unknown transaction type"}
	}
	return nil
}
