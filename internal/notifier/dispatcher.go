package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pesaflow/payment-engine/internal/models"
	"github.com/pesaflow/payment-engine/internal/telemetry"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultTimeout     = 10 * time.Second

	// SignatureHeader carries the hex HMAC-SHA256 of the request body,
	// keyed with the business's webhook secret.
	SignatureHeader = "X-Webhook-Signature"
	AttemptHeader   = "X-Webhook-Attempt"

	// DeliveryBudget is the worst case for one full Send cycle: every
	// attempt's HTTP timeout plus the backoff delays between attempts
	// (1s + 2s). Callers bounding a delivery should allow at least this.
	DeliveryBudget = defaultMaxAttempts*defaultTimeout + 3*defaultBaseDelay
)

// Event is the outbound webhook body.
type Event struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

type EventData struct {
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PhoneNumber   string          `json:"phoneNumber"`
	Reference     string          `json:"reference"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Country       string          `json:"country"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// StatusEvent builds the webhook body for a transaction's current state.
func StatusEvent(tx *models.Transaction) *Event {
	data := EventData{
		TransactionID: tx.ID.String(),
		Status:        string(tx.Status),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		PhoneNumber:   tx.PhoneNumber,
		Reference:     tx.Reference,
		Country:       tx.Country,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
	if tx.CorrelationID != nil {
		data.CorrelationID = *tx.CorrelationID
	}
	return &Event{
		Event:     "transaction." + string(tx.Status),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Dispatcher delivers webhook events with bounded, backed-off retries.
// Delivery outcome never feeds back into transaction state.
type Dispatcher struct {
	hc          *http.Client
	maxAttempts int
	baseDelay   time.Duration

	// sleep is injectable so tests can observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func New() *Dispatcher {
	return &Dispatcher{
		hc:          &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send delivers event to url, signing the body with secret when one is
// configured. Attempts are spaced by an exponential backoff starting at the
// base delay (1s, 2s, ...). Exhausting all attempts yields a DeliveryError.
func (d *Dispatcher) Send(ctx context.Context, rawURL, secret string, event *Event) error {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return &models.ValidationError{Field: "webhook_url", Message: "invalid URL: " + rawURL}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	var signature string
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		signature = hex.EncodeToString(mac.Sum(nil))
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := d.baseDelay << (attempt - 2)
			if err := d.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = d.attempt(ctx, rawURL, signature, attempt, body)
		if lastErr == nil {
			telemetry.WebhookAttemptsTotal.WithLabelValues("delivered").Inc()
			return nil
		}
		telemetry.WebhookAttemptsTotal.WithLabelValues("failed").Inc()
		telemetry.Logger.Warn("Webhook delivery attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}

	return &models.DeliveryError{URL: rawURL, Attempts: d.maxAttempts, Last: lastErr}
}

func (d *Dispatcher) attempt(ctx context.Context, rawURL, signature string, attempt int, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AttemptHeader, strconv.Itoa(attempt))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}
