package anchoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
	"go.uber.org/zap"
)

// Outcome of one confirmation attempt.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

var errFingerprintMismatch = errors.New("on-chain fingerprint does not match stored fingerprint")

// observe checks a pending live record against the ledger once and persists
// any transition. With maxAttempts > 0 transient failures count towards the
// record's attempt budget and exhaust it into failed; otherwise the record is
// left untouched and the transient error is returned. Cancellation of ctx is
// never counted as an attempt.
func (s *Service) observe(ctx context.Context, record records.Record, wait time.Duration, maxAttempts int) (records.Record, string, error) {
	if !s.refreshable(record) {
		return record, outcomeOf(record), nil
	}
	transactionRef := *record.TransactionRef

	blockRef, err := s.ledger.WaitForConfirmation(ctx, transactionRef, wait)
	if err == nil {
		var onChain ledger.OnChainRecord
		onChain, err = s.ledger.ReadRecord(ctx, transactionRef)
		if err == nil && !fingerprint.Equal(onChain.Fingerprint, record.Fingerprint) {
			err = fmt.Errorf("%w: %s", ledger.ErrConfirmationFailed, errFingerprintMismatch)
		}
		if err == nil {
			if onChain.BlockRef != 0 {
				blockRef = onChain.BlockRef
			}
			return s.transition(ctx, record, records.ConfirmationUpdate{
				Status:   records.StatusConfirmed,
				BlockRef: &blockRef,
			})
		}
	}

	if errors.Is(err, ledger.ErrConfirmationFailed) || errors.Is(err, ledger.ErrInvalidReference) {
		lastError := err.Error()
		return s.transition(ctx, record, records.ConfirmationUpdate{
			Status:    records.StatusFailed,
			LastError: &lastError,
		})
	}

	// An observer that was stopped learned nothing about the transaction.
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reconcileOutcomes.WithLabelValues(OutcomePending).Inc()
		return record, OutcomePending, err
	}

	if maxAttempts <= 0 {
		reconcileOutcomes.WithLabelValues(OutcomePending).Inc()
		return record, OutcomePending, err
	}

	attempts := record.ReconcileAttempts + 1
	lastError := err.Error()
	status := records.StatusPending
	if attempts >= maxAttempts {
		status = records.StatusFailed
	}
	updated, outcome, updateErr := s.transition(ctx, record, records.ConfirmationUpdate{
		Status:            status,
		ReconcileAttempts: &attempts,
		LastError:         &lastError,
	})
	if updateErr != nil {
		return updated, outcome, updateErr
	}
	if outcome == OutcomePending {
		return updated, outcome, err
	}
	return updated, outcome, nil
}

func (s *Service) transition(ctx context.Context, record records.Record, update records.ConfirmationUpdate) (records.Record, string, error) {
	// Persisting a ledger observation must not be lost to caller cancellation.
	updated, err := s.store.UpdateConfirmation(context.WithoutCancel(ctx), record.ID, update)
	if errors.Is(err, records.ErrInvalidTransition) {
		// A concurrent observer already settled the record.
		current, getErr := s.store.Get(context.WithoutCancel(ctx), record.ID)
		if getErr != nil {
			return record, outcomeOf(record), newServiceError(opReconcile, "store_get_failed", getErr)
		}
		return current, outcomeOf(current), nil
	}
	if err != nil {
		s.logError(opReconcile, "store_update_failed", err, zap.String("record_id", record.ID))
		return record, outcomeOf(record), newServiceError(opReconcile, "store_update_failed", err)
	}

	outcome := outcomeOf(updated)
	reconcileOutcomes.WithLabelValues(outcome).Inc()
	switch updated.Status {
	case records.StatusConfirmed:
		s.publish(EventRecordConfirmed, updated)
		s.logger.Info("record confirmed",
			zap.String("record_id", updated.ID),
			zap.Uint64p("block_ref", updated.BlockRef))
	case records.StatusFailed:
		s.publish(EventRecordFailed, updated)
		s.logger.Warn("record failed confirmation",
			zap.String("record_id", updated.ID),
			zap.Int("reconcile_attempts", updated.ReconcileAttempts),
			zap.String("last_error", updated.LastError))
	}
	return updated, outcome, nil
}

func outcomeOf(record records.Record) string {
	switch record.Status {
	case records.StatusConfirmed:
		return OutcomeConfirmed
	case records.StatusFailed:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
