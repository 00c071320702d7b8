package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
)

const testSignature = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"

func sampleSession() *models.PaymentSession {
	sig := testSignature
	id := int64(42)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.PaymentSession{
		PaymentID:         "pay_0192f0c5-7d1e-7c3a-9b2f-1a2b3c4d5e6f",
		Status:            models.StatusPending,
		ResourceID:        "img_42",
		Amount:            decimal.RequireFromString("1.5"),
		Instrument:        models.Instrument{Symbol: "USDC", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
		WalletAddress:     "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		RecipientAddress:  "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T",
		DurableRecordID:   &id,
		TransferSignature: &sig,
		Attempts:          2,
		CreatedAt:         created,
		UpdatedAt:         created.Add(time.Minute),
		ExpiresAt:         created.Add(3 * time.Minute),
		LastError:         payerr.New(payerr.UserRejection, payerr.CodeUserRejected, false, "User rejected the request."),
	}
}

func TestEncodeKeepsRequiredFieldsVerbatim(t *testing.T) {
	s := sampleSession()
	snap := Encode(s)

	assert.Equal(t, s.PaymentID, snap[FieldPaymentID])
	assert.Equal(t, "PENDING", snap[FieldStatus])
	assert.Equal(t, testSignature, snap[FieldTransferSignature])
	assert.Equal(t, "1.5", snap[FieldAmount])
	assert.Equal(t, "img_42", snap[FieldResourceID])

	back, err := Decode(snap)
	require.NoError(t, err)
	assert.Equal(t, snap, Encode(back))
	assert.True(t, s.Amount.Equal(back.Amount))
	assert.Equal(t, s.LastError.Code, back.LastError.Code)
	assert.True(t, s.ExpiresAt.Equal(back.ExpiresAt))
}

func TestEncodeOmitsUnsetOptionals(t *testing.T) {
	s := sampleSession()
	s.TransferSignature = nil
	s.DurableRecordID = nil
	s.LastError = nil
	s.Instrument = models.Instrument{Symbol: "SOL", Decimals: 9}

	snap := Encode(s)
	for _, k := range []string{FieldTransferSignature, FieldDurableRecordID, FieldErrorCategory, FieldInstrumentMint} {
		_, ok := snap[k]
		assert.False(t, ok, k)
	}
	back, err := Decode(snap)
	require.NoError(t, err)
	assert.Nil(t, back.TransferSignature)
	assert.Nil(t, back.LastError)
	assert.True(t, back.Instrument.IsNative())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		edit func(Snapshot)
	}{
		{"missing id", func(s Snapshot) { delete(s, FieldPaymentID) }},
		{"bad status", func(s Snapshot) { s[FieldStatus] = "DONE" }},
		{"bad amount", func(s Snapshot) { s[FieldAmount] = "one" }},
		{"bad attempts", func(s Snapshot) { s[FieldAttempts] = "x" }},
		{"bad time", func(s Snapshot) { s[FieldCreatedAt] = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Encode(sampleSession())
			tt.edit(snap)
			_, err := Decode(snap)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestValidateSnapshot(t *testing.T) {
	require.NoError(t, ValidateSnapshot(Encode(sampleSession())))

	tests := []struct {
		name string
		edit func(Snapshot)
	}{
		{"extra field", func(s Snapshot) { s["admin"] = "true" }},
		{"missing amount", func(s Snapshot) { delete(s, FieldAmount) }},
		{"negative amount", func(s Snapshot) { s[FieldAmount] = "-1" }},
		{"bad id", func(s Snapshot) { s[FieldPaymentID] = "order_1" }},
		{"bad signature", func(s Snapshot) { s[FieldTransferSignature] = "0OIl" }},
		{"unknown status", func(s Snapshot) { s[FieldStatus] = "PAID" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Encode(sampleSession())
			tt.edit(snap)
			assert.ErrorIs(t, ValidateSnapshot(snap), ErrMalformed)
		})
	}
}

func exerciseStore(t *testing.T, st Store) {
	ctx := context.Background()
	s := sampleSession()

	_, err := st.Load(ctx, s.PaymentID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, SaveSession(ctx, st, s))
	got, err := LoadSession(ctx, st, s.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, Encode(s), Encode(got))

	s.TransferSignature = nil
	s.Status = models.StatusProcessing
	require.NoError(t, SaveSession(ctx, st, s))
	snap, err := st.Load(ctx, s.PaymentID)
	require.NoError(t, err)
	_, hasSig := snap[FieldTransferSignature]
	assert.False(t, hasSig)
	assert.Equal(t, "PROCESSING", snap[FieldStatus])

	ids, err := st.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.PaymentID}, ids)

	require.NoError(t, st.Delete(ctx, s.PaymentID))
	_, err = st.Load(ctx, s.PaymentID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.Save(ctx, Snapshot{}), ErrMalformed)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	st, err := NewRedis(context.Background(), addr, time.Minute)
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}
