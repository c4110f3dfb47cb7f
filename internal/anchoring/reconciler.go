package anchoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReconcileInterval    = 30 * time.Second
	defaultReconcileBatchSize   = 50
	defaultReconcileConcurrency = 4
	defaultConfirmationWait     = 5 * time.Second
	defaultMaxAttempts          = 10
)

var errMissingService = errors.New("anchoring service is required")

// ReconcilerConfig wires the background confirmation sweep.
type ReconcilerConfig struct {
	Service          *Service
	Interval         time.Duration
	BatchSize        int
	Concurrency      int
	ConfirmationWait time.Duration
	MaxAttempts      int
	Logger           *zap.Logger
}

// Reconciler drives pending live records to confirmed or failed.
type Reconciler struct {
	service          *Service
	interval         time.Duration
	batchSize        int
	concurrency      int
	confirmationWait time.Duration
	maxAttempts      int
	logger           *zap.Logger
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	SweepID      string
	Scanned      int
	Confirmed    int
	Failed       int
	StillPending int
}

// NewReconciler validates the configuration and applies defaults.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Service == nil {
		return nil, newServiceError(opReconcile, "missing_service", errMissingService)
	}
	reconciler := &Reconciler{
		service:          cfg.Service,
		interval:         cfg.Interval,
		batchSize:        cfg.BatchSize,
		concurrency:      cfg.Concurrency,
		confirmationWait: cfg.ConfirmationWait,
		maxAttempts:      cfg.MaxAttempts,
		logger:           cfg.Logger,
	}
	if reconciler.interval <= 0 {
		reconciler.interval = defaultReconcileInterval
	}
	if reconciler.batchSize <= 0 {
		reconciler.batchSize = defaultReconcileBatchSize
	}
	if reconciler.concurrency <= 0 {
		reconciler.concurrency = defaultReconcileConcurrency
	}
	if reconciler.confirmationWait <= 0 {
		reconciler.confirmationWait = defaultConfirmationWait
	}
	if reconciler.maxAttempts <= 0 {
		reconciler.maxAttempts = defaultMaxAttempts
	}
	if reconciler.logger == nil {
		reconciler.logger = zap.NewNop()
	}
	return reconciler, nil
}

// Run sweeps on every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep observes one batch of pending live records, oldest first.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{SweepID: uuid.NewString()}
	if r.service.ledger == nil {
		return report, nil
	}

	pending, err := r.service.store.ListPending(ctx, r.batchSize)
	if err != nil {
		return report, newServiceError(opReconcile, "list_pending_failed", err)
	}
	report.Scanned = len(pending)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for _, record := range pending {
		group.Go(func() error {
			_, outcome, err := r.service.observe(groupCtx, record, r.confirmationWait, r.maxAttempts)
			if err != nil {
				var serviceErr *ServiceError
				if errors.As(err, &serviceErr) {
					return err
				}
				r.logger.Debug("record still pending",
					zap.String("sweep_id", report.SweepID),
					zap.String("record_id", record.ID),
					zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeConfirmed:
				report.Confirmed++
			case OutcomeFailed:
				report.Failed++
			default:
				report.StillPending++
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}

	if report.Scanned > 0 {
		r.logger.Info("reconcile sweep finished",
			zap.String("sweep_id", report.SweepID),
			zap.Int("scanned", report.Scanned),
			zap.Int("confirmed", report.Confirmed),
			zap.Int("failed", report.Failed),
			zap.Int("still_pending", report.StillPending))
	}
	return report, nil
}
