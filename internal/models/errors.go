package models

import (
	"errors"
	"fmt"
)

var (
	ErrIntegrationNotConfigured = errors.New("no active gateway integration configured for country")
	ErrUnsupportedCountry       = errors.New("unsupported country")
	ErrDuplicateReference       = errors.New("transaction reference already exists")
	ErrTransactionNotFound      = errors.New("transaction not found")
)

// ValidationError reports a synchronously rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// InvalidTransitionError is returned when a status change is not in the
// lifecycle table. The record is left unchanged.
type InvalidTransitionError struct {
	From TransactionStatus
	To   TransactionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

type GatewayErrorCategory string

const (
	GatewayErrAuth       GatewayErrorCategory = "auth_failure"
	GatewayErrTimeout    GatewayErrorCategory = "network_timeout"
	GatewayErrValidation GatewayErrorCategory = "validation_rejected"
	GatewayErrUnknown    GatewayErrorCategory = "unknown"
)

// GatewayError normalizes every provider-side failure. Clients never retry;
// retry policy lives with the orchestrator and the scheduler.
type GatewayError struct {
	Category   GatewayErrorCategory
	HTTPStatus int
	Message    string
	RawPayload []byte
}

func (e *GatewayError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("gateway error (%s, http %d): %s", e.Category, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("gateway error (%s): %s", e.Category, e.Message)
}

// DeliveryError is raised when webhook delivery exhausts its attempts.
type DeliveryError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

func (e *DeliveryError) Unwrap() error { return e.Last }
