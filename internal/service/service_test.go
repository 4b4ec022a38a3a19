package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pesaflow/payment-engine/internal/gateway"
	"github.com/pesaflow/payment-engine/internal/models"
	"github.com/pesaflow/payment-engine/internal/notifier"
)

// memRepo is an in-memory TransactionRepository honoring the same guards as
// the SQL implementation: unique references, version-checked updates, and an
// atomic bounded retry counter.
type memRepo struct {
	mu   sync.Mutex
	byID map[string]*models.Transaction
}

func newMemRepo() *memRepo {
	return &memRepo{byID: map[string]*models.Transaction{}}
}

func cloneTx(tx *models.Transaction) *models.Transaction {
	c := *tx
	c.History = append([]models.StatusChange(nil), tx.History...)
	return &c
}

func (r *memRepo) Insert(ctx context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.BusinessID == tx.BusinessID && existing.Reference == tx.Reference {
			return models.ErrDuplicateReference
		}
	}
	r.byID[tx.ID.String()] = cloneTx(tx)
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.byID[id]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	return cloneTx(tx), nil
}

func (r *memRepo) GetByReference(ctx context.Context, businessID, reference string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.byID {
		if tx.BusinessID == businessID && tx.Reference == reference {
			return cloneTx(tx), nil
		}
	}
	return nil, models.ErrTransactionNotFound
}

func (r *memRepo) GetByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.byID {
		if tx.CorrelationID != nil && *tx.CorrelationID == correlationID {
			return cloneTx(tx), nil
		}
		for _, entry := range tx.History {
			if entry.Metadata["correlation_id"] == correlationID {
				return cloneTx(tx), nil
			}
		}
	}
	return nil, models.ErrTransactionNotFound
}

func (r *memRepo) List(ctx context.Context, filter models.TransactionFilter, page models.Page) ([]*models.Transaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range r.byID {
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.Country != "" && tx.Country != filter.Country {
			continue
		}
		if filter.BusinessID != "" && tx.BusinessID != filter.BusinessID {
			continue
		}
		out = append(out, cloneTx(tx))
	}
	return out, int64(len(out)), nil
}

func (r *memRepo) ApplyTransition(ctx context.Context, tx *models.Transaction) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[tx.ID.String()]
	if !ok {
		return 0, models.ErrTransactionNotFound
	}
	if stored.Version != tx.Version {
		return 0, nil
	}
	next := cloneTx(tx)
	next.Version++
	next.CorrelationID = stored.CorrelationID
	next.RetryCount = stored.RetryCount
	r.byID[tx.ID.String()] = next
	tx.Version++
	return 1, nil
}

func (r *memRepo) SetCorrelationID(ctx context.Context, id, correlationID string, gatewayResponse []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.byID[id]
	if !ok {
		return models.ErrTransactionNotFound
	}
	if tx.CorrelationID == nil {
		tx.CorrelationID = &correlationID
		tx.GatewayResponse = gatewayResponse
	}
	return nil
}

func (r *memRepo) SetCallbackPayload(ctx context.Context, id string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.byID[id]
	if !ok {
		return models.ErrTransactionNotFound
	}
	tx.CallbackPayload = payload
	return nil
}

func (r *memRepo) IncrementRetryCount(ctx context.Context, id string, max int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.byID[id]
	if !ok {
		return 0, models.ErrTransactionNotFound
	}
	if tx.RetryCount >= max {
		return 0, errors.New("retry budget exhausted")
	}
	tx.RetryCount++
	return tx.RetryCount, nil
}

func (r *memRepo) FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range r.byID {
		if tx.Status == models.StatusPending && tx.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, cloneTx(tx))
		}
	}
	return out, nil
}

func (r *memRepo) FindInitiatedWithoutCorrelation(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range r.byID {
		if tx.Status == models.StatusInitiated && tx.CorrelationID == nil && tx.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, cloneTx(tx))
		}
	}
	return out, nil
}

func (r *memRepo) FindRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range r.byID {
		if tx.Status == models.StatusFailed && tx.CanRetry && tx.RetryCount < maxRetries && len(out) < limit {
			out = append(out, cloneTx(tx))
		}
	}
	return out, nil
}

func (r *memRepo) Statistics(ctx context.Context, businessID string, from, to time.Time) ([]models.StatisticsEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buckets := map[string]*models.StatisticsEntry{}
	for _, tx := range r.byID {
		key := string(tx.Status) + "|" + tx.Country
		e, ok := buckets[key]
		if !ok {
			e = &models.StatisticsEntry{Status: tx.Status, Country: tx.Country}
			buckets[key] = e
		}
		e.Count++
		e.Total = e.Total.Add(tx.Amount)
	}
	var out []models.StatisticsEntry
	for _, e := range buckets {
		out = append(out, *e)
	}
	return out, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// staticResolver serves one integration for every lookup.
type staticResolver struct {
	integ *models.Integration
}

func (s *staticResolver) Resolve(ctx context.Context, businessID, country string) (*models.Integration, error) {
	if s.integ == nil {
		return nil, nil
	}
	return s.integ, nil
}

// fakeClient is a scriptable gateway.Client.
type fakeClient struct {
	country       string
	initiateErr   error
	correlationID string
	statusResult  models.TransactionStatus
	statusErr     error

	mu            sync.Mutex
	initiateCalls int
	statusCalls   int
}

func (f *fakeClient) Country() string { return f.country }

func (f *fakeClient) Authenticate(ctx context.Context) (*gateway.Credential, error) {
	return &gateway.Credential{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeClient) InitiatePayment(ctx context.Context, req *gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	f.mu.Lock()
	f.initiateCalls++
	f.mu.Unlock()
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	raw, _ := json.Marshal(map[string]string{"ResponseCode": "0"})
	return &gateway.InitiateResult{CorrelationID: f.correlationID, RawResponse: raw}, nil
}

func (f *fakeClient) CheckStatus(ctx context.Context, correlationID string) (models.TransactionStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return f.statusResult, nil
}

func (f *fakeClient) ParseCallback(raw []byte) (*gateway.CallbackResult, error) {
	var cb gateway.CallbackResult
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, err
	}
	return &cb, nil
}

func (f *fakeClient) NormalizePhone(raw string) (string, error) {
	return (&gateway.KenyaClient{}).NormalizePhone(raw)
}

// recordingSender captures webhook sends on a channel so async deliveries can
// be awaited.
type recordingSender struct {
	sent chan *notifier.Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan *notifier.Event, 8)}
}

func (s *recordingSender) Send(ctx context.Context, url, secret string, event *notifier.Event) error {
	s.sent <- event
	return nil
}

func testIntegration() *models.Integration {
	return &models.Integration{
		BusinessID:    "biz-1",
		Country:       "kenya",
		MerchantID:    "174379",
		CallbackURL:   "https://example.com/callbacks/kenya",
		WebhookURL:    "https://subscriber.example.com/hook",
		WebhookSecret: "s3cret",
		Active:        true,
	}
}

func newTestOrchestrator(repo *memRepo, client gateway.Client, sender WebhookSender) *Orchestrator {
	o := NewOrchestrator(repo, &staticResolver{integ: testIntegration()}, sender, nil, nil)
	o.newClient = func(integ *models.Integration, opts gateway.Options) (gateway.Client, error) {
		return client, nil
	}
	return o
}
