package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesaflow/payment-engine/internal/models"
)

// DefaultTimeout bounds every outbound gateway call.
const DefaultTimeout = 30 * time.Second

// Credential is a fetched gateway access token with its reported expiry.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

type InitiateRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	PhoneNumber string
	Description string
}

// InitiateResult carries the gateway's acknowledgment of a new payment.
type InitiateResult struct {
	CorrelationID string
	RawResponse   []byte
}

// CallbackResult is the normalized form of a gateway push notification.
type CallbackResult struct {
	CorrelationID string
	Status        models.TransactionStatus
	ReceiptID     string
	Reason        string
	Metadata      map[string]string
}

// Client is the capability contract every country-specific gateway
// implementation satisfies. Clients never retry; retry policy belongs to the
// orchestrator and the scheduler.
type Client interface {
	Country() string
	Authenticate(ctx context.Context) (*Credential, error)
	InitiatePayment(ctx context.Context, req *InitiateRequest) (*InitiateResult, error)
	CheckStatus(ctx context.Context, correlationID string) (models.TransactionStatus, error)
	ParseCallback(raw []byte) (*CallbackResult, error)
	NormalizePhone(raw string) (string, error)
}

// doJSON issues an HTTP request with a JSON body (nil for none), decodes the
// response body, and normalizes every failure into a *models.GatewayError.
func doJSON(ctx context.Context, hc *http.Client, method, url string, headers map[string]string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &models.GatewayError{Category: models.GatewayErrUnknown, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, &models.GatewayError{Category: models.GatewayErrUnknown, Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		category := models.GatewayErrUnknown
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			category = models.GatewayErrTimeout
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			category = models.GatewayErrTimeout
		}
		return 0, nil, &models.GatewayError{Category: category, Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &models.GatewayError{Category: models.GatewayErrUnknown, HTTPStatus: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, payload, &models.GatewayError{
			Category:   categoryForStatus(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode),
			RawPayload: payload,
		}
	}

	return resp.StatusCode, payload, nil
}

func categoryForStatus(status int) models.GatewayErrorCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.GatewayErrAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return models.GatewayErrValidation
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.GatewayErrTimeout
	default:
		return models.GatewayErrUnknown
	}
}

func malformedPayload(detail string, raw []byte) *models.GatewayError {
	return &models.GatewayError{
		Category:   models.GatewayErrUnknown,
		Message:    "malformed gateway payload: " + detail,
		RawPayload: raw,
	}
}
