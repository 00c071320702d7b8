package payments

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"CanvasPay/internal/logging"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/persistence"
	"CanvasPay/internal/session"
	"CanvasPay/internal/store"
	"CanvasPay/internal/telemetry"
)

type CancelResult struct {
	PaymentID string               `json:"paymentId"`
	Status    models.PaymentStatus `json:"status"`
}

// Cancel stops a live payment. It cannot abort an RPC already in flight;
// an attempt that finishes afterwards finds CANCELED and leaves it alone.
func (o *Orchestrator) Cancel(ctx context.Context, paymentID string) (*CancelResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "payments.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	s, err := o.resolve(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if s.Status == models.StatusConfirmed {
		return &CancelResult{PaymentID: paymentID, Status: s.Status}, cannotCancel(paymentID)
	}
	if s.Status.IsTerminal() {
		return &CancelResult{PaymentID: paymentID, Status: s.Status}, nil
	}

	done, err := o.sessions.CompareAndTransition(paymentID, models.ActiveStatuses(), models.StatusCanceled, nil)
	if err != nil {
		if errors.Is(err, session.ErrNotTracked) || done == nil {
			return nil, payerr.SessionNotFound(paymentID)
		}
		if done.Status == models.StatusConfirmed {
			return &CancelResult{PaymentID: paymentID, Status: done.Status}, cannotCancel(paymentID)
		}
		return &CancelResult{PaymentID: paymentID, Status: done.Status}, nil
	}
	o.logTransition(ctx, done, s.Status)

	if err := o.writeRecord(ctx, done, store.StatusUpdate{Status: models.StatusCanceled}); err != nil {
		if errors.Is(err, store.ErrTerminalRecord) {
			repaired, aerr := o.adoptRecord(ctx, done)
			if aerr != nil {
				return nil, aerr
			}
			if repaired.Status == models.StatusConfirmed {
				return &CancelResult{PaymentID: paymentID, Status: repaired.Status}, cannotCancel(paymentID)
			}
			return &CancelResult{PaymentID: paymentID, Status: repaired.Status}, nil
		}
		logging.FromContext(ctx).Error().Err(err).Str("paymentId", paymentID).Msg("durable cancel write failed")
	}
	o.finish(ctx, done)
	return &CancelResult{PaymentID: paymentID, Status: done.Status}, nil
}

func cannotCancel(paymentID string) *payerr.Error {
	return payerr.New(payerr.UnknownError, payerr.CodeCannotCancelConfirmed, false,
		"payment "+paymentID+" is already confirmed and cannot be canceled")
}

// onTimeout runs on the timer goroutine.
func (o *Orchestrator) onTimeout(paymentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	o.expire(ctx, paymentID)
}

// expire moves a live session to TIMEOUT. A session that already reached a
// terminal status is left untouched. Returns nil if nothing was tracked.
func (o *Orchestrator) expire(ctx context.Context, paymentID string) *models.PaymentSession {
	ctx, span := telemetry.Tracer().Start(ctx, "payments.Timeout")
	defer span.End()

	from, _ := o.sessions.Get(paymentID)
	done, err := o.sessions.CompareAndTransition(paymentID, models.ActiveStatuses(), models.StatusTimeout,
		func(s *models.PaymentSession) { s.LastError = payerr.SessionTimedOut(paymentID) })
	if err != nil {
		return done
	}
	if from != nil {
		o.logTransition(ctx, done, from.Status)
	}
	err = o.writeRecord(ctx, done, store.StatusUpdate{Status: models.StatusTimeout, Failure: done.LastError})
	if errors.Is(err, store.ErrTerminalRecord) {
		if repaired, aerr := o.adoptRecord(ctx, done); aerr == nil {
			return repaired
		}
	}
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("paymentId", paymentID).Msg("durable timeout write failed")
	}
	o.finish(ctx, done)
	return done
}

// StatusView is what a status read returns. Source names the copy the
// status came from after read-repair.
type StatusView struct {
	PaymentID         string               `json:"paymentId"`
	Status            models.PaymentStatus `json:"status"`
	ResourceID        string               `json:"resourceId"`
	Amount            decimal.Decimal      `json:"amount"`
	Instrument        string               `json:"instrument"`
	TransferSignature string               `json:"transferSignature,omitempty"`
	DurableRecordID   *int64               `json:"durableRecordId,omitempty"`
	Attempts          int                  `json:"attempts"`
	ExpiresAt         *time.Time           `json:"expiresAt,omitempty"`
	Error             *payerr.Error        `json:"error,omitempty"`
	Source            string               `json:"source"`
}

const (
	SourceCache   = "cache"
	SourceDurable = "durable"
	SourceMirror  = "mirror"
)

func statusView(s *models.PaymentSession, source string) *StatusView {
	v := &StatusView{
		PaymentID:         s.PaymentID,
		Status:            s.Status,
		ResourceID:        s.ResourceID,
		Amount:            s.Amount,
		Instrument:        s.Instrument.Symbol,
		TransferSignature: s.Signature(),
		DurableRecordID:   s.DurableRecordID,
		Attempts:          s.Attempts,
		Error:             s.LastError,
		Source:            source,
	}
	if !s.ExpiresAt.IsZero() && !s.Status.IsTerminal() {
		t := s.ExpiresAt
		v.ExpiresAt = &t
	}
	return v
}

// GetStatus reads a payment with read-repair: a terminal durable record
// overrides the cache and the mirror, and the cache overrides the mirror.
func (o *Orchestrator) GetStatus(ctx context.Context, paymentID string) (*StatusView, error) {
	cached, inCache := o.sessions.Get(paymentID)
	if !inCache {
		s, err := o.resolve(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		source := SourceMirror
		if s.Status.IsTerminal() {
			source = SourceDurable
		}
		return statusView(s, source), nil
	}

	rec, err := o.durableRecord(ctx, cached)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.FromContext(ctx).Warn().Err(err).Str("paymentId", paymentID).Msg("durable read failed, serving cache")
		}
		return statusView(cached, SourceCache), nil
	}
	durableStatus, ok := store.FromRecordStatus(rec.Status)
	if !ok || !durableStatus.IsTerminal() || durableStatus == cached.Status {
		return statusView(cached, SourceCache), nil
	}

	repaired, err := o.sessionFromRecord(rec)
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", false)
	}
	repaired.Attempts = cached.Attempts
	o.logTransition(ctx, repaired, cached.Status)
	o.sessions.Evict(paymentID)
	o.mirrorDelete(ctx, paymentID)
	o.markResource(ctx, repaired)
	return statusView(repaired, SourceDurable), nil
}

// Restore takes back a session snapshot a client kept across a reload. The
// snapshot is validated, reconciled with the durable record and, if still
// live, tracked again with the remainder of its timeout.
func (o *Orchestrator) Restore(ctx context.Context, snap persistence.Snapshot) (*StatusView, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "payments.Restore")
	defer span.End()

	if err := persistence.ValidateSnapshot(snap); err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, payerr.CodeInvalidRequest, false)
	}
	local, err := persistence.Decode(snap)
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, payerr.CodeInvalidRequest, false)
	}
	span.SetAttributes(attribute.String("payment.id", local.PaymentID))

	if cached, ok := o.sessions.Get(local.PaymentID); ok {
		return statusView(cached, SourceCache), nil
	}

	rec, err := o.records.GetTransactionByPayment(ctx, local.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Never acknowledged by the durable store, so never live.
			return nil, payerr.SessionNotFound(local.PaymentID)
		}
		return nil, payerr.Wrap(err, payerr.NetworkError, payerr.CodeRPCUnavailable, true)
	}
	if local.DurableRecordID != nil && *local.DurableRecordID != rec.ID {
		logging.FromContext(ctx).Info().
			Str("paymentId", local.PaymentID).
			Int64("snapshotRecordId", *local.DurableRecordID).
			Int64("recordId", rec.ID).
			Msg("snapshot refers to a superseded record")
	}

	s, push, err := o.reconcile(ctx, local, rec)
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", false)
	}
	if push {
		o.pushConfirmed(ctx, s, rec.Status)
	}
	if s.Status.IsTerminal() {
		o.mirrorDelete(ctx, s.PaymentID)
		return statusView(s, SourceDurable), nil
	}
	s, err = o.retrack(ctx, s)
	if err != nil {
		return nil, err
	}
	return statusView(s, SourceMirror), nil
}

// ResetAfterDuplicate is the operator escape hatch for a payment that
// failed on an unresolved duplicate submission. It supersedes the failed
// record with a fresh one and puts the session back to INITIALIZED.
func (o *Orchestrator) ResetAfterDuplicate(ctx context.Context, paymentID string) (*InitResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "payments.ResetAfterDuplicate")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	s, err := o.resolve(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !models.CanReset(s) {
		return nil, payerr.New(payerr.UnknownError, payerr.CodeInvalidTransition, false,
			"payment "+paymentID+" is "+string(s.Status)+" and cannot be reset")
	}

	oldID := *s.DurableRecordID
	from := s.Status
	s.Status = models.StatusInitialized
	s.LastError = nil
	s.TransferSignature = nil
	s.ExpiresAt = time.Time{}
	s.UpdatedAt = o.now().UTC()

	newID, err := o.records.CreateTransactionRecord(ctx, recordFor(s, models.RecordInitialized))
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, payerr.CodeRecordWriteFailed, true)
	}
	if err := o.records.MarkSuperseded(ctx, oldID, newID); err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, payerr.CodeRecordWriteFailed, true)
	}
	s.DurableRecordID = &newID

	o.signatures.Clear(paymentID)
	o.sessions.Track(s)
	if err := o.sessions.Arm(paymentID, o.cfg.Timeout, o.onTimeout); err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", true)
	}
	cur, _ := o.sessions.Get(paymentID)
	o.logTransition(ctx, cur, from)
	o.mirrorSave(ctx, cur)
	o.markResource(ctx, cur)

	logging.FromContext(ctx).Info().
		Str("paymentId", paymentID).
		Int64("supersededRecordId", oldID).
		Int64("recordId", newID).
		Int("attempts", cur.Attempts).
		Msg("payment reset after duplicate submission")
	return &InitResult{PaymentID: paymentID, Status: cur.Status, DurableRecordID: cur.DurableRecordID}, nil
}
