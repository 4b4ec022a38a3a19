package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesaflow/payment-engine/internal/models"
)

func TestNormalizePhoneKenya(t *testing.T) {
	c := &KenyaClient{}

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0712345678", "254712345678", false},
		{"+254712345678", "254712345678", false},
		{"254712345678", "254712345678", false},
		{"712345678", "254712345678", false},
		{"0712 345 678", "254712345678", false},
		{"07123", "", true},
		{"441234567890", "", true},
		{"07123456ab", "", true},
	}

	for _, tc := range cases {
		got, err := c.NormalizePhone(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizePhone(%q): expected error, got %q", tc.in, got)
			}
			var ve *models.ValidationError
			if err != nil && !errors.As(err, &ve) {
				t.Errorf("NormalizePhone(%q): error type %T", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePhone(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizePhoneUgandaGhana(t *testing.T) {
	ug := &UgandaClient{}
	if got, err := ug.NormalizePhone("0772123456"); err != nil || got != "256772123456" {
		t.Errorf("uganda normalize = %q, %v", got, err)
	}
	gh := &GhanaClient{}
	if got, err := gh.NormalizePhone("+233241234567"); err != nil || got != "233241234567" {
		t.Errorf("ghana normalize = %q, %v", got, err)
	}
}

func TestAuthCacheReusesUntilExpiry(t *testing.T) {
	var fetches int32
	cache := newAuthCache(func(ctx context.Context) (*Credential, error) {
		atomic.AddInt32(&fetches, 1)
		return &Credential{
			AccessToken: "token",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	})

	for i := 0; i < 5; i++ {
		if _, err := cache.get(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestAuthCacheSingleFlightRefresh(t *testing.T) {
	var fetches int32
	cache := newAuthCache(func(ctx context.Context) (*Credential, error) {
		atomic.AddInt32(&fetches, 1)
		time.Sleep(10 * time.Millisecond)
		return &Credential{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.get(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("concurrent cold start issued %d fetches, want 1", got)
	}
}

func TestAuthCacheRefreshesInsideMargin(t *testing.T) {
	var fetches int32
	cache := newAuthCache(func(ctx context.Context) (*Credential, error) {
		atomic.AddInt32(&fetches, 1)
		// Expiry within the 60s safety margin forces a refresh on next use.
		return &Credential{AccessToken: "t", ExpiresAt: time.Now().Add(30 * time.Second)}, nil
	})

	cache.get(context.Background())
	cache.get(context.Background())
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}

func TestFactoryUnknownCountry(t *testing.T) {
	_, err := New(&models.Integration{Country: "wakanda"}, Options{})
	if !errors.Is(err, models.ErrUnsupportedCountry) {
		t.Errorf("error = %v, want ErrUnsupportedCountry", err)
	}
}

func TestFactoryRegisteredCountries(t *testing.T) {
	for _, country := range []string{"kenya", "uganda", "ghana"} {
		client, err := New(&models.Integration{Country: country}, Options{})
		if err != nil {
			t.Fatalf("New(%s): %v", country, err)
		}
		if client.Country() != country {
			t.Errorf("client country = %s, want %s", client.Country(), country)
		}
	}
}

func TestKenyaInitiatePayment(t *testing.T) {
	var pushBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("push auth header = %q", got)
			}
			json.NewDecoder(r.Body).Decode(&pushBody)
			json.NewEncoder(w).Encode(map[string]string{
				"CheckoutRequestID":   "ws_CO_12345",
				"ResponseCode":        "0",
				"ResponseDescription": "Success",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewKenyaClient(&models.Integration{
		MerchantID:     "174379",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/callbacks/kenya",
	}, Options{BaseURL: srv.URL})

	result, err := client.InitiatePayment(context.Background(), &InitiateRequest{
		Reference:   "REF-1",
		Amount:      decimal.NewFromInt(1000),
		Currency:    "KES",
		PhoneNumber: "254712345678",
	})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}
	if result.CorrelationID != "ws_CO_12345" {
		t.Errorf("correlation id = %q", result.CorrelationID)
	}
	if pushBody["PhoneNumber"] != "254712345678" {
		t.Errorf("push PhoneNumber = %v", pushBody["PhoneNumber"])
	}
	if pushBody["CallBackURL"] != "https://example.com/callbacks/kenya" {
		t.Errorf("push CallBackURL = %v", pushBody["CallBackURL"])
	}
}

func TestKenyaAuthFailureCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errorMessage":"invalid credentials"}`))
	}))
	defer srv.Close()

	client := NewKenyaClient(&models.Integration{}, Options{BaseURL: srv.URL})
	_, err := client.InitiatePayment(context.Background(), &InitiateRequest{
		Amount: decimal.NewFromInt(10), PhoneNumber: "254712345678",
	})

	var gwErr *models.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("error type = %T", err)
	}
	if gwErr.Category != models.GatewayErrAuth {
		t.Errorf("category = %s, want %s", gwErr.Category, models.GatewayErrAuth)
	}
}

func TestKenyaTimeoutCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewKenyaClient(&models.Integration{}, Options{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Timeout: 20 * time.Millisecond},
	})
	_, err := client.Authenticate(context.Background())

	var gwErr *models.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("error type = %T", err)
	}
	if gwErr.Category != models.GatewayErrTimeout {
		t.Errorf("category = %s, want %s", gwErr.Category, models.GatewayErrTimeout)
	}
}

func TestKenyaParseCallbackSuccess(t *testing.T) {
	raw := []byte(`{
		"Body": {"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {"Item": [
				{"Name": "Amount", "Value": 1000.00},
				{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
				{"Name": "PhoneNumber", "Value": 254712345678}
			]}
		}}
	}`)

	c := &KenyaClient{}
	result, err := c.ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if result.Status != models.StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if result.CorrelationID != "ws_CO_191220191020363925" {
		t.Errorf("correlation id = %q", result.CorrelationID)
	}
	if result.ReceiptID != "NLJ7RT61SV" {
		t.Errorf("receipt = %q", result.ReceiptID)
	}
}

func TestKenyaParseCallbackFailure(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)

	c := &KenyaClient{}
	result, err := c.ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if result.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.Reason != "Request cancelled by user" {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestKenyaParseCallbackMalformed(t *testing.T) {
	c := &KenyaClient{}
	if _, err := c.ParseCallback([]byte(`not json`)); err == nil {
		t.Error("expected error for non-JSON payload")
	}
	if _, err := c.ParseCallback([]byte(`{"Body":{}}`)); err == nil {
		t.Error("expected error for payload without CheckoutRequestID")
	}
}

func TestKenyaCheckStatusStillProcessing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
		}
	}))
	defer srv.Close()

	client := NewKenyaClient(&models.Integration{}, Options{BaseURL: srv.URL})
	status, err := client.CheckStatus(context.Background(), "ws_1")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if status != models.StatusPending {
		t.Errorf("status = %s, want pending", status)
	}
}

func TestUgandaInitiateGeneratesCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collection/token/":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
		case "/collection/v1_0/requesttopay":
			if r.Header.Get("X-Reference-Id") == "" {
				t.Error("missing X-Reference-Id header")
			}
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewUgandaClient(&models.Integration{}, Options{BaseURL: srv.URL}).(*UgandaClient)
	client.newID = func() string { return "ref-fixed-1" }

	result, err := client.InitiatePayment(context.Background(), &InitiateRequest{
		Reference:   "REF-9",
		Amount:      decimal.NewFromFloat(2500.50),
		Currency:    "UGX",
		PhoneNumber: "256772123456",
	})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}
	if result.CorrelationID != "ref-fixed-1" {
		t.Errorf("correlation id = %q", result.CorrelationID)
	}
}

func TestUgandaParseCallback(t *testing.T) {
	raw := []byte(`{"referenceId":"ref-1","externalId":"REF-9","status":"SUCCESSFUL","financialTransactionId":"363440463"}`)
	c := &UgandaClient{}
	result, err := c.ParseCallback(raw)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != models.StatusCompleted || result.ReceiptID != "363440463" {
		t.Errorf("result = %+v", result)
	}
}
