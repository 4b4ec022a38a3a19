package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pesaflow/payment-engine/internal/models"
)

const (
	ghanaLiveURL    = "https://api.gh-momopay.com"
	ghanaSandboxURL = "https://sandbox.gh-momopay.com"
)

var ghanaStatusMap = map[string]models.TransactionStatus{
	"success":    models.StatusCompleted,
	"failed":     models.StatusFailed,
	"declined":   models.StatusFailed,
	"processing": models.StatusPending,
	"pending":    models.StatusPending,
}

// GhanaClient drives an aggregator-style charge API authenticated with a
// static API key, so Authenticate never issues a network call.
type GhanaClient struct {
	apiKey      string
	merchantID  string
	callbackURL string
	baseURL     string
	hc          *http.Client
}

func NewGhanaClient(integ *models.Integration, opts Options) Client {
	c := &GhanaClient{
		apiKey:      integ.ConsumerSecret,
		merchantID:  integ.MerchantID,
		callbackURL: integ.CallbackURL,
		baseURL:     ghanaLiveURL,
		hc:          opts.httpClient(),
	}
	if integ.Sandbox {
		c.baseURL = ghanaSandboxURL
	}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	return c
}

func (c *GhanaClient) Country() string { return "ghana" }

func (c *GhanaClient) Authenticate(ctx context.Context) (*Credential, error) {
	if c.apiKey == "" {
		return nil, &models.GatewayError{Category: models.GatewayErrAuth, Message: "missing API key"}
	}
	return &Credential{AccessToken: c.apiKey, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

func (c *GhanaClient) InitiatePayment(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	body := map[string]any{
		"merchant_id":  c.merchantID,
		"reference":    req.Reference,
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"msisdn":       req.PhoneNumber,
		"narration":    req.Description,
		"callback_url": c.callbackURL,
	}

	_, payload, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/v1/charges",
		map[string]string{"Authorization": "Key " + c.apiKey}, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			TransactionID string `json:"transaction_id"`
			Status        string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Data.TransactionID == "" {
		return nil, malformedPayload("charge response", payload)
	}

	return &InitiateResult{CorrelationID: resp.Data.TransactionID, RawResponse: payload}, nil
}

func (c *GhanaClient) CheckStatus(ctx context.Context, correlationID string) (models.TransactionStatus, error) {
	_, payload, err := doJSON(ctx, c.hc, http.MethodGet, c.baseURL+"/v1/charges/"+correlationID,
		map[string]string{"Authorization": "Key " + c.apiKey}, nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", malformedPayload("charge status response", payload)
	}
	status, ok := ghanaStatusMap[resp.Data.Status]
	if !ok {
		return models.StatusPending, nil
	}
	return status, nil
}

func (c *GhanaClient) ParseCallback(raw []byte) (*CallbackResult, error) {
	var cb struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Receipt       string `json:"receipt"`
		Reason        string `json:"reason"`
		Network       string `json:"network"`
	}
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, malformedPayload("callback", raw)
	}
	if cb.TransactionID == "" {
		return nil, malformedPayload("callback missing transaction_id", raw)
	}
	status, ok := ghanaStatusMap[cb.Status]
	if !ok {
		return nil, malformedPayload("callback status "+cb.Status, raw)
	}
	return &CallbackResult{
		CorrelationID: cb.TransactionID,
		Status:        status,
		ReceiptID:     cb.Receipt,
		Reason:        cb.Reason,
		Metadata:      map[string]string{"network": cb.Network},
	}, nil
}

func (c *GhanaClient) NormalizePhone(raw string) (string, error) {
	return normalizeMSISDN(raw, "233", 9)
}
