package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pesaflow/payment-engine/internal/models"
)

type fakeLedger struct {
	pending   []*models.Transaction
	initiated []*models.Transaction
	retryable []*models.Transaction
	err       error
}

func (f *fakeLedger) FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	return capBatch(f.pending, limit), f.err
}

func (f *fakeLedger) FindInitiatedWithoutCorrelation(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	return capBatch(f.initiated, limit), f.err
}

func (f *fakeLedger) FindRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Transaction, error) {
	return capBatch(f.retryable, limit), f.err
}

func capBatch(txs []*models.Transaction, limit int) []*models.Transaction {
	if len(txs) > limit {
		return txs[:limit]
	}
	return txs
}

type fakeDriver struct {
	mu         sync.Mutex
	checked    []string
	expired    []string
	retried    []string
	failingIDs map[string]bool
}

func (f *fakeDriver) fail(id string) error {
	if f.failingIDs[id] {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeDriver) CheckStatus(ctx context.Context, id string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(id); err != nil {
		return nil, err
	}
	f.checked = append(f.checked, id)
	return &models.Transaction{}, nil
}

func (f *fakeDriver) Expire(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(id); err != nil {
		return err
	}
	f.expired = append(f.expired, id)
	return nil
}

func (f *fakeDriver) Retry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(id); err != nil {
		return err
	}
	f.retried = append(f.retried, id)
	return nil
}

func txWithID() *models.Transaction {
	return &models.Transaction{ID: uuid.New(), Status: models.StatusPending}
}

func TestReconciliationIsolatesItemFailures(t *testing.T) {
	good1, bad, good2 := txWithID(), txWithID(), txWithID()
	ledger := &fakeLedger{pending: []*models.Transaction{good1, bad, good2}}
	driver := &fakeDriver{failingIDs: map[string]bool{bad.ID.String(): true}}

	s := New(ledger, driver, Config{})
	processed, err := s.RunReconciliation(context.Background())
	if err != nil {
		t.Fatalf("RunReconciliation: %v", err)
	}
	if processed != 2 {
		t.Errorf("processed = %d, want 2", processed)
	}
	if len(driver.checked) != 2 {
		t.Errorf("checked = %v, the failing item aborted the batch", driver.checked)
	}
}

func TestReconciliationRespectsBatchSize(t *testing.T) {
	var batch []*models.Transaction
	for i := 0; i < 150; i++ {
		batch = append(batch, txWithID())
	}
	ledger := &fakeLedger{pending: batch}
	driver := &fakeDriver{}

	s := New(ledger, driver, Config{})
	processed, err := s.RunReconciliation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if processed != 100 {
		t.Errorf("processed = %d, want batch cap 100", processed)
	}
}

func TestExpirySweep(t *testing.T) {
	stale := txWithID()
	ledger := &fakeLedger{initiated: []*models.Transaction{stale}}
	driver := &fakeDriver{}

	s := New(ledger, driver, Config{})
	expired, err := s.RunExpiry(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 || len(driver.expired) != 1 || driver.expired[0] != stale.ID.String() {
		t.Errorf("expired = %d, driver saw %v", expired, driver.expired)
	}
}

func TestRetrySweepIsolatesDispatchErrors(t *testing.T) {
	ok, broken := txWithID(), txWithID()
	ledger := &fakeLedger{retryable: []*models.Transaction{broken, ok}}
	driver := &fakeDriver{failingIDs: map[string]bool{broken.ID.String(): true}}

	s := New(ledger, driver, Config{})
	retried, err := s.RunRetry(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if retried != 1 {
		t.Errorf("retried = %d, want 1", retried)
	}
	if len(driver.retried) != 1 || driver.retried[0] != ok.ID.String() {
		t.Errorf("driver retried %v", driver.retried)
	}
}

func TestSweepLedgerErrorPropagates(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("db down")}
	s := New(ledger, &fakeDriver{}, Config{})

	if _, err := s.RunReconciliation(context.Background()); err == nil {
		t.Error("expected error when the ledger query fails")
	}
}

func TestStartStop(t *testing.T) {
	ledger := &fakeLedger{pending: []*models.Transaction{txWithID()}}
	driver := &fakeDriver{}

	s := New(ledger, driver, Config{
		ReconcileInterval: 5 * time.Millisecond,
		ExpiryInterval:    time.Hour,
		RetryInterval:     time.Hour,
	})
	s.Start()
	s.Start() // idempotent

	deadline := time.After(time.Second)
	for {
		driver.mu.Lock()
		ticks := len(driver.checked)
		driver.mu.Unlock()
		if ticks >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never ticked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Stop()
	s.Stop() // idempotent
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("reconcile interval = %v", cfg.ReconcileInterval)
	}
	if cfg.ExpiryInterval != 60*time.Minute {
		t.Errorf("expiry interval = %v", cfg.ExpiryInterval)
	}
	if cfg.RetryInterval != 15*time.Minute {
		t.Errorf("retry interval = %v", cfg.RetryInterval)
	}
	if cfg.InitiationTimeout != 30*time.Minute {
		t.Errorf("initiation timeout = %v", cfg.InitiationTimeout)
	}
	if cfg.BatchSize != 100 || cfg.MaxRetries != 3 {
		t.Errorf("batch = %d, retries = %d", cfg.BatchSize, cfg.MaxRetries)
	}
}
