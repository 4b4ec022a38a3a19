package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pesaflow/payment-engine/internal/models"
)

const (
	kenyaLiveURL    = "https://api.safaricom.co.ke"
	kenyaSandboxURL = "https://sandbox.safaricom.co.ke"
)

// kenyaResultStatus maps provider result codes to internal statuses.
var kenyaResultStatus = map[string]models.TransactionStatus{
	"0":    models.StatusCompleted,
	"1":    models.StatusFailed, // insufficient funds
	"1032": models.StatusFailed, // canceled by subscriber
	"1037": models.StatusFailed, // subscriber unreachable
	"2001": models.StatusFailed, // wrong PIN / authentication
}

// stillProcessingCode is returned by the status query while the STK prompt is
// still open on the subscriber's handset.
const stillProcessingCode = "500.001.1001"

// KenyaClient drives an STK-push style gateway: OAuth client-credentials
// token, push request to the subscriber's handset, asynchronous result
// callback keyed by the checkout request id.
type KenyaClient struct {
	shortcode      string
	consumerKey    string
	consumerSecret string
	passkey        string
	callbackURL    string
	baseURL        string
	hc             *http.Client
	auth           *authCache
	now            func() time.Time
}

func NewKenyaClient(integ *models.Integration, opts Options) Client {
	c := &KenyaClient{
		shortcode:      integ.MerchantID,
		consumerKey:    integ.ConsumerKey,
		consumerSecret: integ.ConsumerSecret,
		passkey:        integ.Passkey,
		callbackURL:    integ.CallbackURL,
		baseURL:        kenyaLiveURL,
		hc:             opts.httpClient(),
		now:            time.Now,
	}
	if integ.Sandbox {
		c.baseURL = kenyaSandboxURL
	}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	c.auth = newAuthCache(c.fetchToken)
	return c
}

func (c *KenyaClient) Country() string { return "kenya" }

func (c *KenyaClient) Authenticate(ctx context.Context) (*Credential, error) {
	return c.auth.get(ctx)
}

func (c *KenyaClient) fetchToken(ctx context.Context) (*Credential, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))
	_, payload, err := doJSON(ctx, c.hc, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + basic}, nil)
	if err != nil {
		return nil, asAuthFailure(err)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.AccessToken == "" {
		return nil, malformedPayload("token response", payload)
	}
	ttl := time.Hour
	if d, err := time.ParseDuration(body.ExpiresIn + "s"); err == nil && d > 0 {
		ttl = d
	}
	return &Credential{AccessToken: body.AccessToken, ExpiresAt: c.now().Add(ttl)}, nil
}

func (c *KenyaClient) InitiatePayment(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.shortcode + c.passkey + timestamp))

	body := map[string]any{
		"BusinessShortCode": c.shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount.IntPart(),
		"PartyA":            req.PhoneNumber,
		"PartyB":            c.shortcode,
		"PhoneNumber":       req.PhoneNumber,
		"CallBackURL":       c.callbackURL,
		"AccountReference":  req.Reference,
		"TransactionDesc":   req.Description,
	}

	_, payload, err := doJSON(ctx, c.hc, http.MethodPost,
		c.baseURL+"/mpesa/stkpush/v1/processrequest",
		map[string]string{"Authorization": "Bearer " + cred.AccessToken}, body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, malformedPayload("stk push response", payload)
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, &models.GatewayError{
			Category:   models.GatewayErrValidation,
			Message:    fmt.Sprintf("push rejected: %s (%s)", resp.ResponseDesc, resp.ResponseCode),
			RawPayload: payload,
		}
	}

	return &InitiateResult{CorrelationID: resp.CheckoutRequestID, RawResponse: payload}, nil
}

func (c *KenyaClient) CheckStatus(ctx context.Context, correlationID string) (models.TransactionStatus, error) {
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return "", err
	}

	timestamp := c.now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.shortcode + c.passkey + timestamp))

	body := map[string]any{
		"BusinessShortCode": c.shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": correlationID,
	}

	_, payload, err := doJSON(ctx, c.hc, http.MethodPost,
		c.baseURL+"/mpesa/stkpushquery/v1/query",
		map[string]string{"Authorization": "Bearer " + cred.AccessToken}, body)
	if err != nil {
		// The query endpoint reports "still processing" as an error body.
		var gwErr *models.GatewayError
		if errors.As(err, &gwErr) && len(gwErr.RawPayload) > 0 {
			var e struct {
				ErrorCode string `json:"errorCode"`
			}
			if json.Unmarshal(gwErr.RawPayload, &e) == nil && e.ErrorCode == stillProcessingCode {
				return models.StatusPending, nil
			}
		}
		return "", err
	}

	var resp struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", malformedPayload("status query response", payload)
	}

	status, ok := kenyaResultStatus[resp.ResultCode]
	if !ok {
		return models.StatusPending, nil
	}
	return status, nil
}

func (c *KenyaClient) ParseCallback(raw []byte) (*CallbackResult, error) {
	var cb struct {
		Body struct {
			StkCallback struct {
				CheckoutRequestID string `json:"CheckoutRequestID"`
				ResultCode        int    `json:"ResultCode"`
				ResultDesc        string `json:"ResultDesc"`
				CallbackMetadata  struct {
					Item []struct {
						Name  string `json:"Name"`
						Value any    `json:"Value"`
					} `json:"Item"`
				} `json:"CallbackMetadata"`
			} `json:"stkCallback"`
		} `json:"Body"`
	}
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, malformedPayload("callback", raw)
	}
	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, malformedPayload("callback missing CheckoutRequestID", raw)
	}

	result := &CallbackResult{
		CorrelationID: stk.CheckoutRequestID,
		Status:        models.StatusCompleted,
		Reason:        stk.ResultDesc,
		Metadata:      map[string]string{},
	}
	if stk.ResultCode != 0 {
		result.Status = models.StatusFailed
	}
	for _, item := range stk.CallbackMetadata.Item {
		value := fmt.Sprintf("%v", item.Value)
		result.Metadata[item.Name] = value
		if item.Name == "MpesaReceiptNumber" {
			result.ReceiptID = value
		}
	}
	return result, nil
}

func (c *KenyaClient) NormalizePhone(raw string) (string, error) {
	return normalizeMSISDN(raw, "254", 9)
}

// asAuthFailure recategorizes a token-fetch failure so callers see
// auth_failure rather than a generic transport category, except for timeouts.
func asAuthFailure(err error) error {
	var gwErr *models.GatewayError
	if errors.As(err, &gwErr) && gwErr.Category != models.GatewayErrTimeout {
		gwErr.Category = models.GatewayErrAuth
		return gwErr
	}
	return err
}
