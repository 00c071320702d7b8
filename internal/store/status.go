package store

import (
	"context"

	"github.com/pkg/errors"

	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
)

// ToRecordStatus translates the session status into the durable enum.
func ToRecordStatus(s models.PaymentStatus) (models.RecordStatus, bool) {
	switch s {
	case models.StatusInitialized:
		return models.RecordInitialized, true
	case models.StatusPending:
		return models.RecordPending, true
	case models.StatusProcessing:
		return models.RecordProcessing, true
	case models.StatusConfirmed:
		return models.RecordConfirmed, true
	case models.StatusFailed:
		return models.RecordFailed, true
	case models.StatusTimeout:
		return models.RecordTimeout, true
	case models.StatusCanceled:
		return models.RecordCanceled, true
	}
	return "", false
}

// FromRecordStatus is the inverse of ToRecordStatus.
func FromRecordStatus(s models.RecordStatus) (models.PaymentStatus, bool) {
	switch s {
	case models.RecordInitialized:
		return models.StatusInitialized, true
	case models.RecordPending:
		return models.StatusPending, true
	case models.RecordProcessing:
		return models.StatusProcessing, true
	case models.RecordConfirmed:
		return models.StatusConfirmed, true
	case models.RecordFailed:
		return models.StatusFailed, true
	case models.RecordTimeout:
		return models.StatusTimeout, true
	case models.RecordCanceled:
		return models.StatusCanceled, true
	}
	return "", false
}

// StatusUpdate is one durable transition. Nil fields are left unchanged.
type StatusUpdate struct {
	Status     models.PaymentStatus
	Signature  *string
	Confirmed  *bool
	RetryCount *int
	Failure    *payerr.Error
}

// apply enforces the write rules shared by every backend: a record moves
// only along models.CanTransition or repeats its own status, a terminal
// record accepts nothing else, and a confirmed signature is never replaced.
func apply(rec *models.TransactionRecord, u StatusUpdate) error {
	next, ok := ToRecordStatus(u.Status)
	if !ok {
		return ErrInvalidStatus
	}
	if rec.Status != next {
		if rec.Status.IsTerminal() {
			return ErrTerminalRecord
		}
		cur, ok := FromRecordStatus(rec.Status)
		if !ok {
			return errors.Wrapf(ErrInvalidStatus, "record %d is %q", rec.ID, rec.Status)
		}
		if !models.CanTransition(cur, u.Status) {
			return errors.Wrapf(ErrInvalidTransition, "record %d: %s -> %s", rec.ID, rec.Status, next)
		}
	}
	rec.Status = next
	if u.Signature != nil && *u.Signature != "" {
		if rec.TransferSignature == nil || !rec.LedgerConfirmed {
			sig := *u.Signature
			rec.TransferSignature = &sig
		}
	}
	if u.Confirmed != nil && *u.Confirmed {
		rec.LedgerConfirmed = true
	}
	if u.RetryCount != nil && *u.RetryCount > rec.RetryCount {
		rec.RetryCount = *u.RetryCount
	}
	if u.Failure != nil {
		rec.FailureCategory = string(u.Failure.Category)
		rec.FailureCode = u.Failure.Code
	}
	return nil
}

type StatusWriter interface {
	UpdateTransactionStatus(ctx context.Context, id int64, u StatusUpdate) error
}

// Settle writes a ledger outcome for a record last seen in status from. A
// record that never reached processing, because the write was lost or the
// payment was restored, passes through processing first.
func Settle(ctx context.Context, w StatusWriter, id int64, from models.RecordStatus, u StatusUpdate) error {
	if from != models.RecordProcessing && !from.IsTerminal() && (u.Status == models.StatusConfirmed || u.Status == models.StatusFailed) {
		if err := w.UpdateTransactionStatus(ctx, id, StatusUpdate{Status: models.StatusProcessing}); err != nil {
			return err
		}
	}
	return w.UpdateTransactionStatus(ctx, id, u)
}
