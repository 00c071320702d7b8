package worker

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/chain/chaintest"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	w      *Worker
	ledger *chaintest.Ledger
	st     *store.Memory
	clock  time.Time
}

func newHarness() *harness {
	h := &harness{ledger: chaintest.NewLedger(), st: store.NewMemory(), clock: base}
	h.st.SetClock(func() time.Time { return h.clock })
	h.w = &Worker{
		Records:        h.st,
		Ledger:         h.ledger,
		Interval:       time.Second,
		StaleAfter:     2 * time.Minute,
		PaymentTimeout: 3 * time.Minute,
		BatchSize:      50,
		Now:            func() time.Time { return h.clock },
	}
	return h
}

func (h *harness) seed(t *testing.T, resourceID string, status models.PaymentStatus, sig *solana.Signature) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.st.CreateTransactionRecord(ctx, &models.TransactionRecord{
		PaymentID:  "pay_" + resourceID,
		ResourceID: resourceID,
		Instrument: "SOL",
		Amount:     "1.5",
	})
	require.NoError(t, err)
	if status != models.StatusInitialized && status != models.StatusProcessing {
		require.NoError(t, h.st.UpdateTransactionStatus(ctx, id, store.StatusUpdate{Status: models.StatusProcessing}))
	}
	u := store.StatusUpdate{Status: status}
	if sig != nil {
		s := sig.String()
		u.Signature = &s
	}
	require.NoError(t, h.st.UpdateTransactionStatus(ctx, id, u))
	return id
}

func (h *harness) record(t *testing.T, id int64) *models.TransactionRecord {
	t.Helper()
	rec, err := h.st.GetTransactionByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func signature(b byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = b + byte(i)
	}
	return sig
}

func TestSyncOnceSettlesStuckProcessing(t *testing.T) {
	h := newHarness()
	landed, failed, lost := signature(1), signature(2), signature(3)
	h.ledger.Land(landed, nil)
	h.ledger.Land(failed, map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}})

	okID := h.seed(t, "1", models.StatusProcessing, &landed)
	failID := h.seed(t, "2", models.StatusProcessing, &failed)
	lostID := h.seed(t, "3", models.StatusProcessing, &lost)

	h.clock = base.Add(3 * time.Minute)
	settled, err := h.w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	rec := h.record(t, okID)
	assert.Equal(t, models.RecordConfirmed, rec.Status)
	assert.True(t, rec.LedgerConfirmed)
	assert.Equal(t, landed.String(), *rec.TransferSignature)

	rec = h.record(t, failID)
	assert.Equal(t, models.RecordFailed, rec.Status)
	assert.Equal(t, payerr.CodeExecutionFailed, rec.FailureCode)

	assert.Equal(t, models.RecordProcessing, h.record(t, lostID).Status, "unknown signature waits for the timeout")

	for resource, want := range map[string]models.ResourceStatus{
		"1": models.ResourcePaid,
		"2": models.ResourcePaymentFailed,
	} {
		got, err := h.st.GetResourceStatus(context.Background(), resource)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSyncOnceTimesOutAbandoned(t *testing.T) {
	h := newHarness()
	lost := signature(4)
	initID := h.seed(t, "1", models.StatusInitialized, nil)
	pendingID := h.seed(t, "2", models.StatusPending, nil)
	lostID := h.seed(t, "3", models.StatusProcessing, &lost)

	h.clock = base.Add(6 * time.Minute)
	settled, err := h.w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, settled)

	for _, id := range []int64{initID, pendingID, lostID} {
		rec := h.record(t, id)
		assert.Equal(t, models.RecordTimeout, rec.Status)
		assert.Equal(t, payerr.CodeSessionTimeout, rec.FailureCode)
	}
	got, err := h.st.GetResourceStatus(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, models.ResourcePaymentTimeout, got)
}

func TestSyncOnceLeavesFreshRecords(t *testing.T) {
	h := newHarness()
	sig := signature(5)
	h.ledger.Land(sig, nil)
	initID := h.seed(t, "1", models.StatusInitialized, nil)
	procID := h.seed(t, "2", models.StatusProcessing, &sig)

	h.clock = base.Add(time.Minute)
	settled, err := h.w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, models.RecordInitialized, h.record(t, initID).Status)
	assert.Equal(t, models.RecordProcessing, h.record(t, procID).Status)
	assert.Zero(t, h.ledger.StatusCount())
}

func TestReconcileKeepsRecordOnLedgerError(t *testing.T) {
	h := newHarness()
	sig := signature(6)
	id := h.seed(t, "1", models.StatusProcessing, &sig)
	h.ledger.StatusErr = func(int, solana.Signature) error { return errors.New("429 Too Many Requests") }

	h.clock = base.Add(10 * time.Minute)
	settled, err := h.w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, models.RecordProcessing, h.record(t, id).Status)
}

func TestReconcileSkipsTerminalRace(t *testing.T) {
	h := newHarness()
	sig := signature(7)
	h.ledger.Land(sig, nil)
	id := h.seed(t, "1", models.StatusProcessing, &sig)
	rec := h.record(t, id)

	// A live session cancels between the listing and the settle.
	require.NoError(t, h.st.UpdateTransactionStatus(context.Background(), id, store.StatusUpdate{Status: models.StatusCanceled}))

	outcome, err := h.w.Reconcile(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, models.RecordCanceled, h.record(t, id).Status)
}

func TestReconcileSettlesPendingRecordWithLandedSignature(t *testing.T) {
	h := newHarness()
	sig := signature(8)
	h.ledger.Land(sig, nil)
	// An earlier attempt landed; the retry was refused and left the record pending.
	id := h.seed(t, "1", models.StatusPending, &sig)
	rec := h.record(t, id)
	require.Equal(t, models.RecordPending, rec.Status)

	outcome, err := h.w.Reconcile(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
	rec = h.record(t, id)
	assert.Equal(t, models.RecordConfirmed, rec.Status)
	assert.True(t, rec.LedgerConfirmed)
}
