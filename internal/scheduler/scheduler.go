package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pesaflow/payment-engine/internal/models"
	"github.com/pesaflow/payment-engine/internal/service"
	"github.com/pesaflow/payment-engine/internal/telemetry"
)

// Config holds the sweep cadence and windows. Zero values fall back to the
// defaults below.
type Config struct {
	ReconcileInterval time.Duration
	ExpiryInterval    time.Duration
	RetryInterval     time.Duration

	// PendingAge is how long a pending transaction must sit untouched before
	// reconciliation polls it.
	PendingAge time.Duration
	// InitiationTimeout is how long an unacknowledged initiation may live
	// before the expiry sweep closes it.
	InitiationTimeout time.Duration

	BatchSize  int
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = 60 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 15 * time.Minute
	}
	if c.PendingAge <= 0 {
		c.PendingAge = 5 * time.Minute
	}
	if c.InitiationTimeout <= 0 {
		c.InitiationTimeout = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = service.DefaultMaxRetries
	}
	return c
}

// Driver is the slice of the orchestrator the sweeps need.
type Driver interface {
	CheckStatus(ctx context.Context, transactionID string) (*models.Transaction, error)
	Expire(ctx context.Context, transactionID string) error
	Retry(ctx context.Context, transactionID string) error
}

// Ledger is the slice of the repository the sweeps need; the full
// interfaces.TransactionRepository satisfies it.
type Ledger interface {
	FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	FindInitiatedWithoutCorrelation(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	FindRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Transaction, error)
}

// Scheduler runs the three periodic sweeps: reconciliation of stuck pending
// transactions, expiry of unacknowledged initiations, and retry of
// recoverable failures. Each sweep isolates per-item failures; one bad record
// never halts the batch. Sweeps share no mutual exclusion; the per-record
// version token arbitrates races with callbacks and API calls.
type Scheduler struct {
	cfg          Config
	repo         Ledger
	orchestrator Driver
	now          func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func New(repo Ledger, orchestrator Driver, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		repo:         repo,
		orchestrator: orchestrator,
		now:          time.Now,
	}
}

// Start launches the three sweep loops. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})

	s.loop(s.cfg.ReconcileInterval, "reconciliation", s.RunReconciliation)
	s.loop(s.cfg.ExpiryInterval, "expiry", s.RunExpiry)
	s.loop(s.cfg.RetryInterval, "retry", s.RunRetry)

	telemetry.Logger.Info("Scheduler started",
		zap.Duration("reconcile_interval", s.cfg.ReconcileInterval),
		zap.Duration("expiry_interval", s.cfg.ExpiryInterval),
		zap.Duration("retry_interval", s.cfg.RetryInterval),
	)
}

// Stop halts the sweep loops and waits for in-flight sweeps to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	telemetry.Logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(interval time.Duration, name string, sweep func(ctx context.Context) (int, error)) {
	stop := s.stop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := sweep(ctx); err != nil {
					telemetry.Logger.Error("Sweep failed",
						zap.String("sweep", name), zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// RunReconciliation polls the gateway for pending transactions that have sat
// untouched past the pending age. Returns how many were processed.
func (s *Scheduler) RunReconciliation(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.PendingAge)
	batch, err := s.repo.FindPendingOlderThan(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, tx := range batch {
		if _, err := s.orchestrator.CheckStatus(ctx, tx.ID.String()); err != nil {
			telemetry.SweepItemErrorsTotal.WithLabelValues("reconciliation").Inc()
			telemetry.Logger.Warn("Reconciliation poll failed",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			continue
		}
		processed++
	}

	telemetry.SweepRunsTotal.WithLabelValues("reconciliation").Inc()
	if len(batch) > 0 {
		telemetry.Logger.Info("Reconciliation sweep finished",
			zap.Int("batch", len(batch)), zap.Int("processed", processed))
	}
	return processed, nil
}

// RunExpiry closes initiations the gateway never acknowledged within the
// initiation timeout.
func (s *Scheduler) RunExpiry(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.InitiationTimeout)
	batch, err := s.repo.FindInitiatedWithoutCorrelation(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, tx := range batch {
		if err := s.orchestrator.Expire(ctx, tx.ID.String()); err != nil {
			telemetry.SweepItemErrorsTotal.WithLabelValues("expiry").Inc()
			telemetry.Logger.Warn("Expiry transition failed",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			continue
		}
		expired++
	}

	telemetry.SweepRunsTotal.WithLabelValues("expiry").Inc()
	if expired > 0 {
		telemetry.Logger.Info("Expiry sweep finished", zap.Int("expired", expired))
	}
	return expired, nil
}

// RunRetry re-dispatches failed transactions that still have retry budget.
func (s *Scheduler) RunRetry(ctx context.Context) (int, error) {
	batch, err := s.repo.FindRetryable(ctx, s.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, tx := range batch {
		if err := s.orchestrator.Retry(ctx, tx.ID.String()); err != nil {
			telemetry.SweepItemErrorsTotal.WithLabelValues("retry").Inc()
			telemetry.Logger.Warn("Retry dispatch failed",
				zap.String("transaction_id", tx.ID.String()),
				zap.Int("retry_count", tx.RetryCount),
				zap.Error(err))
			continue
		}
		retried++
	}

	telemetry.SweepRunsTotal.WithLabelValues("retry").Inc()
	if retried > 0 {
		telemetry.Logger.Info("Retry sweep finished", zap.Int("retried", retried))
	}
	return retried, nil
}
