package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pesaflow/payment-engine/internal/gateway"
	"github.com/pesaflow/payment-engine/internal/interfaces"
	"github.com/pesaflow/payment-engine/internal/models"
	"github.com/pesaflow/payment-engine/internal/telemetry"
)

// CallbackProcessor maps asynchronous gateway push notifications to ledger
// transitions. It is deliberately forgiving: an unprocessable payload is
// logged and acknowledged, never bounced back to the provider, because a
// provider told to retry an unprocessable payload will retry it forever.
type CallbackProcessor struct {
	repo         interfaces.TransactionRepository
	orchestrator *Orchestrator
}

func NewCallbackProcessor(repo interfaces.TransactionRepository, orchestrator *Orchestrator) *CallbackProcessor {
	return &CallbackProcessor{repo: repo, orchestrator: orchestrator}
}

// Process handles one raw callback for a country. The returned error is for
// the caller's logs only; HTTP handlers acknowledge the gateway regardless.
func (p *CallbackProcessor) Process(ctx context.Context, country string, raw []byte) error {
	// Parsing needs no credentials, so a bare client for the country serves.
	client, err := gateway.New(&models.Integration{Country: country}, p.orchestrator.gatewayOpts)
	if err != nil {
		telemetry.Logger.Warn("Callback for unsupported country",
			zap.String("country", country))
		return err
	}

	result, err := client.ParseCallback(raw)
	if err != nil {
		telemetry.Logger.Warn("Unparseable gateway callback",
			zap.String("country", country), zap.Error(err))
		return err
	}

	// The gateway never sees internal ids; the correlation id is the key.
	tx, err := p.repo.GetByCorrelationID(ctx, result.CorrelationID)
	if err != nil {
		if errors.Is(err, models.ErrTransactionNotFound) {
			telemetry.Logger.Warn("Callback for unknown correlation id",
				zap.String("country", country),
				zap.String("correlation_id", result.CorrelationID))
		} else {
			telemetry.Logger.Error("Callback lookup failed",
				zap.String("correlation_id", result.CorrelationID), zap.Error(err))
		}
		return err
	}

	if err := p.repo.SetCallbackPayload(ctx, tx.ID.String(), raw); err != nil {
		telemetry.Logger.Error("Failed to persist callback payload",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}
	tx.CallbackPayload = raw

	if tx.Status.IsTerminal() {
		// Duplicate or late callback; the record already holds its outcome.
		telemetry.Logger.Info("Callback for terminal transaction ignored",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("status", string(tx.Status)))
		return nil
	}

	if tx.Status == models.StatusInitiated {
		// The callback can outrun the initiation response; the push itself
		// proves the gateway acknowledged the request.
		if err := p.orchestrator.applyTransition(ctx, tx, models.StatusPending, "callback_ack", nil); err != nil {
			telemetry.Logger.Error("Callback ack transition rejected",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			return err
		}
	}

	if result.Status == tx.Status {
		// Intermediate notification; the payload is persisted, nothing moves.
		return nil
	}

	metadata := map[string]string{}
	for k, v := range result.Metadata {
		metadata[k] = v
	}
	if result.ReceiptID != "" {
		metadata["receipt_id"] = result.ReceiptID
	}

	if err := p.orchestrator.applyTransition(ctx, tx, result.Status, callbackReason(result), metadata); err != nil {
		telemetry.Logger.Error("Callback transition rejected",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("to_status", string(result.Status)),
			zap.Error(err))
		return err
	}

	// Hand off to the dispatcher without blocking the gateway ack.
	p.orchestrator.notifyOutcome(tx)
	return nil
}

func callbackReason(result *gateway.CallbackResult) string {
	if result.Status == models.StatusCompleted {
		return "callback_success"
	}
	if result.Reason != "" {
		return fmt.Sprintf("callback_failure: %s", result.Reason)
	}
	return "callback_failure"
}
