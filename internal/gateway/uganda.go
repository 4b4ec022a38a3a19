package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pesaflow/payment-engine/internal/models"
)

const (
	ugandaLiveURL    = "https://momo.mtn.com"
	ugandaSandboxURL = "https://sandbox.momodeveloper.mtn.com"
)

var ugandaStatusMap = map[string]models.TransactionStatus{
	"SUCCESSFUL": models.StatusCompleted,
	"FAILED":     models.StatusFailed,
	"REJECTED":   models.StatusFailed,
	"TIMEOUT":    models.StatusFailed,
	"PENDING":    models.StatusPending,
}

// UgandaClient drives a request-to-pay collection gateway. Unlike the Kenyan
// provider, the correlation id is generated client-side and sent as a
// reference header with the request.
type UgandaClient struct {
	apiUser     string
	apiKey      string
	subKey      string
	callbackURL string
	baseURL     string
	target      string
	hc          *http.Client
	auth        *authCache
	now         func() time.Time
	newID       func() string
}

func NewUgandaClient(integ *models.Integration, opts Options) Client {
	c := &UgandaClient{
		apiUser:     integ.ConsumerKey,
		apiKey:      integ.ConsumerSecret,
		subKey:      integ.Passkey,
		callbackURL: integ.CallbackURL,
		baseURL:     ugandaLiveURL,
		target:      "mtnuganda",
		hc:          opts.httpClient(),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
	if integ.Sandbox {
		c.baseURL = ugandaSandboxURL
		c.target = "sandbox"
	}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	c.auth = newAuthCache(c.fetchToken)
	return c
}

func (c *UgandaClient) Country() string { return "uganda" }

func (c *UgandaClient) Authenticate(ctx context.Context) (*Credential, error) {
	return c.auth.get(ctx)
}

func (c *UgandaClient) fetchToken(ctx context.Context) (*Credential, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(c.apiUser + ":" + c.apiKey))
	_, payload, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/collection/token/",
		map[string]string{
			"Authorization":             "Basic " + basic,
			"Ocp-Apim-Subscription-Key": c.subKey,
		}, nil)
	if err != nil {
		return nil, asAuthFailure(err)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.AccessToken == "" {
		return nil, malformedPayload("token response", payload)
	}
	ttl := time.Hour
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}
	return &Credential{AccessToken: body.AccessToken, ExpiresAt: c.now().Add(ttl)}, nil
}

func (c *UgandaClient) InitiatePayment(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	referenceID := c.newID()
	body := map[string]any{
		"amount":     req.Amount.StringFixed(2),
		"currency":   req.Currency,
		"externalId": req.Reference,
		"payer": map[string]string{
			"partyIdType": "MSISDN",
			"partyId":     req.PhoneNumber,
		},
		"payerMessage": req.Description,
		"payeeNote":    req.Reference,
	}

	_, payload, err := doJSON(ctx, c.hc, http.MethodPost, c.baseURL+"/collection/v1_0/requesttopay",
		map[string]string{
			"Authorization":             "Bearer " + cred.AccessToken,
			"X-Reference-Id":            referenceID,
			"X-Target-Environment":      c.target,
			"X-Callback-Url":            c.callbackURL,
			"Ocp-Apim-Subscription-Key": c.subKey,
		}, body)
	if err != nil {
		return nil, err
	}

	// The provider returns 202 with an empty body; the reference id we
	// generated is the correlation id.
	return &InitiateResult{CorrelationID: referenceID, RawResponse: payload}, nil
}

func (c *UgandaClient) CheckStatus(ctx context.Context, correlationID string) (models.TransactionStatus, error) {
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return "", err
	}

	_, payload, err := doJSON(ctx, c.hc, http.MethodGet,
		c.baseURL+"/collection/v1_0/requesttopay/"+correlationID,
		map[string]string{
			"Authorization":             "Bearer " + cred.AccessToken,
			"X-Target-Environment":      c.target,
			"Ocp-Apim-Subscription-Key": c.subKey,
		}, nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", malformedPayload("status response", payload)
	}
	status, ok := ugandaStatusMap[resp.Status]
	if !ok {
		return models.StatusPending, nil
	}
	return status, nil
}

func (c *UgandaClient) ParseCallback(raw []byte) (*CallbackResult, error) {
	var cb struct {
		ReferenceID            string `json:"referenceId"`
		ExternalID             string `json:"externalId"`
		Status                 string `json:"status"`
		Reason                 string `json:"reason"`
		FinancialTransactionID string `json:"financialTransactionId"`
	}
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, malformedPayload("callback", raw)
	}
	if cb.ReferenceID == "" {
		return nil, malformedPayload("callback missing referenceId", raw)
	}

	status, ok := ugandaStatusMap[cb.Status]
	if !ok {
		return nil, malformedPayload("callback status "+cb.Status, raw)
	}
	return &CallbackResult{
		CorrelationID: cb.ReferenceID,
		Status:        status,
		ReceiptID:     cb.FinancialTransactionID,
		Reason:        cb.Reason,
		Metadata:      map[string]string{"external_id": cb.ExternalID},
	}, nil
}

func (c *UgandaClient) NormalizePhone(raw string) (string, error) {
	return normalizeMSISDN(raw, "256", 9)
}
