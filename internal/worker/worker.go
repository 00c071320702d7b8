// Package worker settles durable records that no live session will finish:
// attempts whose process died between submission and the terminal write,
// and sessions abandoned past their timeout.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"CanvasPay/internal/chain"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/store"
	"CanvasPay/internal/telemetry"
)

// RecordStore is the slice of the durable store the worker needs.
// *store.Store and *store.Memory satisfy it.
type RecordStore interface {
	ListStale(ctx context.Context, statuses []models.RecordStatus, before time.Time, limit int) ([]*models.TransactionRecord, error)
	UpdateTransactionStatus(ctx context.Context, id int64, u store.StatusUpdate) error
	MarkResourceStatus(ctx context.Context, resourceID string, status models.ResourceStatus) error
}

type Worker struct {
	Records RecordStore
	Ledger  chain.Ledger
	// Interval between ticks.
	Interval time.Duration
	// StaleAfter is how long a processing record may sit untouched before
	// its signature is checked against the ledger.
	StaleAfter time.Duration
	// PaymentTimeout is the session timeout; records idle longer than
	// PaymentTimeout+StaleAfter are abandoned.
	PaymentTimeout time.Duration
	BatchSize      int
	Now            func() time.Time
}

// Outcome of reconciling one record.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timeout"
	OutcomeSkipped   Outcome = "skipped"
)

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.SyncOnce(ctx); err != nil {
			logging.FromContext(ctx).Error().Err(err).Msg("reconcile tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce runs one reconciliation pass and returns how many records it
// moved to a terminal status. Per-record failures are logged and skipped.
func (w *Worker) SyncOnce(ctx context.Context) (int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.SyncOnce")
	defer span.End()
	log := logging.FromContext(ctx)

	now := w.now()
	stuck, err := w.Records.ListStale(ctx, []models.RecordStatus{models.RecordProcessing}, now.Add(-w.StaleAfter), w.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list stuck records")
	}
	idle, err := w.Records.ListStale(ctx,
		[]models.RecordStatus{models.RecordInitialized, models.RecordPending},
		now.Add(-w.expireAfter()), w.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list idle records")
	}
	span.SetAttributes(attribute.Int("records.stuck", len(stuck)), attribute.Int("records.idle", len(idle)))
	if len(stuck)+len(idle) == 0 {
		log.Debug().Msg("reconcile pending=0")
		return 0, nil
	}

	settled := 0
	for _, rec := range append(stuck, idle...) {
		outcome, err := w.Reconcile(ctx, rec)
		if err != nil {
			log.Warn().Err(err).Str("paymentId", rec.PaymentID).Int64("recordId", rec.ID).Msg("reconcile record failed")
			continue
		}
		if outcome != OutcomeSkipped {
			settled++
		}
	}
	log.Info().Int("stuck", len(stuck)).Int("idle", len(idle)).Int("settled", settled).Msg("reconcile pass done")
	return settled, nil
}

// Reconcile settles one record. A signature the ledger knows decides the
// outcome; otherwise the record times out once it has been idle long enough.
func (w *Worker) Reconcile(ctx context.Context, rec *models.TransactionRecord) (Outcome, error) {
	if rec.TransferSignature != nil && *rec.TransferSignature != "" {
		sig, err := solana.SignatureFromBase58(*rec.TransferSignature)
		if err != nil {
			return OutcomeSkipped, errors.Wrapf(err, "record %d signature", rec.ID)
		}
		st, err := w.Ledger.GetStatus(ctx, sig)
		switch {
		case err == nil && st.Err == nil:
			confirmed := true
			return w.settle(ctx, rec, OutcomeConfirmed, store.StatusUpdate{
				Status:    models.StatusConfirmed,
				Signature: rec.TransferSignature,
				Confirmed: &confirmed,
			})
		case err == nil:
			return w.settle(ctx, rec, OutcomeFailed, store.StatusUpdate{
				Status: models.StatusFailed,
				Failure: payerr.New(payerr.BlockchainError, payerr.CodeExecutionFailed, false,
					fmt.Sprintf("transaction failed on ledger: %v", st.Err)),
			})
		case errors.Is(err, chain.ErrSignatureNotFound):
		default:
			return OutcomeSkipped, errors.Wrap(err, "ledger status")
		}
	}

	if rec.UpdatedAt.After(w.now().Add(-w.expireAfter())) {
		return OutcomeSkipped, nil
	}
	return w.settle(ctx, rec, OutcomeTimedOut, store.StatusUpdate{
		Status:  models.StatusTimeout,
		Failure: payerr.SessionTimedOut(rec.PaymentID),
	})
}

func (w *Worker) settle(ctx context.Context, rec *models.TransactionRecord, outcome Outcome, u store.StatusUpdate) (Outcome, error) {
	if err := store.Settle(ctx, w.Records, rec.ID, rec.Status, u); err != nil {
		if errors.Is(err, store.ErrTerminalRecord) {
			// A live session finished it first.
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, errors.Wrapf(err, "settle record %d", rec.ID)
	}
	if status, ok := models.ResourceStatusFor(u.Status); ok {
		if err := w.Records.MarkResourceStatus(ctx, rec.ResourceID, status); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("resourceId", rec.ResourceID).Msg("resource status update failed")
		}
	}
	logging.FromContext(ctx).Info().
		Str("paymentId", rec.PaymentID).
		Int64("recordId", rec.ID).
		Str("from", string(rec.Status)).
		Str("outcome", string(outcome)).
		Msg("record settled by reconciler")
	return outcome, nil
}

func (w *Worker) expireAfter() time.Duration {
	return w.PaymentTimeout + w.StaleAfter
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
