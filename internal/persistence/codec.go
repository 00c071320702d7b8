// Package persistence mirrors live sessions into a flat key-value snapshot
// so a restarted client can pick them up again. It is the least
// authoritative copy: the session cache and the durable store both win over
// it.
package persistence

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
)

// Snapshot is one session flattened to string fields.
type Snapshot map[string]string

const (
	FieldPaymentID          = "paymentId"
	FieldStatus             = "status"
	FieldResourceID         = "resourceId"
	FieldAmount             = "amount"
	FieldTransferSignature  = "transferSignature"
	FieldInstrumentSymbol   = "instrumentSymbol"
	FieldInstrumentMint     = "instrumentMint"
	FieldInstrumentDecimals = "instrumentDecimals"
	FieldWalletAddress      = "walletAddress"
	FieldRecipientAddress   = "recipientAddress"
	FieldDurableRecordID    = "durableRecordId"
	FieldAttempts           = "attempts"
	FieldCreatedAt          = "createdAt"
	FieldUpdatedAt          = "updatedAt"
	FieldExpiresAt          = "expiresAt"
	FieldErrorCategory      = "lastErrorCategory"
	FieldErrorCode          = "lastErrorCode"
	FieldErrorRetryable     = "lastErrorRetryable"
	FieldErrorMessage       = "lastErrorMessage"
)

var ErrMalformed = errors.New("malformed session snapshot")

func Encode(s *models.PaymentSession) Snapshot {
	snap := Snapshot{
		FieldPaymentID:          s.PaymentID,
		FieldStatus:             string(s.Status),
		FieldResourceID:         s.ResourceID,
		FieldAmount:             s.Amount.String(),
		FieldInstrumentSymbol:   s.Instrument.Symbol,
		FieldInstrumentDecimals: strconv.Itoa(int(s.Instrument.Decimals)),
		FieldWalletAddress:      s.WalletAddress,
		FieldRecipientAddress:   s.RecipientAddress,
		FieldAttempts:           strconv.Itoa(s.Attempts),
		FieldCreatedAt:          formatTime(s.CreatedAt),
		FieldUpdatedAt:          formatTime(s.UpdatedAt),
	}
	if s.Instrument.Mint != "" {
		snap[FieldInstrumentMint] = s.Instrument.Mint
	}
	if s.TransferSignature != nil {
		snap[FieldTransferSignature] = *s.TransferSignature
	}
	if s.DurableRecordID != nil {
		snap[FieldDurableRecordID] = strconv.FormatInt(*s.DurableRecordID, 10)
	}
	if !s.ExpiresAt.IsZero() {
		snap[FieldExpiresAt] = formatTime(s.ExpiresAt)
	}
	if s.LastError != nil {
		snap[FieldErrorCategory] = string(s.LastError.Category)
		snap[FieldErrorCode] = s.LastError.Code
		snap[FieldErrorRetryable] = strconv.FormatBool(s.LastError.Retryable)
		snap[FieldErrorMessage] = s.LastError.Message
	}
	return snap
}

func Decode(snap Snapshot) (*models.PaymentSession, error) {
	id := snap[FieldPaymentID]
	if id == "" {
		return nil, errors.Wrap(ErrMalformed, "missing paymentId")
	}
	status := models.PaymentStatus(snap[FieldStatus])
	if !status.Valid() {
		return nil, errors.Wrapf(ErrMalformed, "unknown status %q", snap[FieldStatus])
	}
	amount, err := decimal.NewFromString(snap[FieldAmount])
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "amount %q", snap[FieldAmount])
	}

	s := &models.PaymentSession{
		PaymentID:        id,
		Status:           status,
		ResourceID:       snap[FieldResourceID],
		Amount:           amount,
		WalletAddress:    snap[FieldWalletAddress],
		RecipientAddress: snap[FieldRecipientAddress],
		Instrument: models.Instrument{
			Symbol: snap[FieldInstrumentSymbol],
			Mint:   snap[FieldInstrumentMint],
		},
	}
	if v := snap[FieldInstrumentDecimals]; v != "" {
		d, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "instrumentDecimals %q", v)
		}
		s.Instrument.Decimals = int32(d)
	}
	if v := snap[FieldAttempts]; v != "" {
		if s.Attempts, err = strconv.Atoi(v); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "attempts %q", v)
		}
	}
	if v, ok := snap[FieldTransferSignature]; ok && v != "" {
		s.TransferSignature = &v
	}
	if v := snap[FieldDurableRecordID]; v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "durableRecordId %q", v)
		}
		s.DurableRecordID = &id
	}
	for field, dst := range map[string]*time.Time{
		FieldCreatedAt: &s.CreatedAt,
		FieldUpdatedAt: &s.UpdatedAt,
		FieldExpiresAt: &s.ExpiresAt,
	} {
		if *dst, err = parseTime(snap[field]); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "%s %q", field, snap[field])
		}
	}
	if c := snap[FieldErrorCategory]; c != "" {
		retryable, _ := strconv.ParseBool(snap[FieldErrorRetryable])
		s.LastError = payerr.New(payerr.Category(c), snap[FieldErrorCode], retryable, snap[FieldErrorMessage])
	}
	return s, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
