// Package payments drives a payment session from initialization to a
// terminal status. It owns the session cache and is the only writer of
// session state; the durable record store, the local persistence mirror and
// the resource-status sink are kept in step from here.
//
// Authority when the three copies disagree: durable store, then session
// cache, then local persistence.
package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"CanvasPay/internal/chain"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/persistence"
	"CanvasPay/internal/pricing"
	"CanvasPay/internal/recovery"
	"CanvasPay/internal/retry"
	"CanvasPay/internal/session"
	"CanvasPay/internal/store"
	"CanvasPay/internal/telemetry"
	"CanvasPay/internal/transfer"
	"CanvasPay/internal/wallet"
)

const (
	DefaultTimeout = 180 * time.Second

	idPrefix = "pay_"
	// sideEffectTimeout bounds writes made outside a caller's context.
	sideEffectTimeout = 10 * time.Second
)

// RecordStore is the durable record store. *store.Store and *store.Memory
// satisfy it.
type RecordStore interface {
	CreateTransactionRecord(ctx context.Context, rec *models.TransactionRecord) (int64, error)
	UpdateTransactionStatus(ctx context.Context, id int64, u store.StatusUpdate) error
	RecordLateSignature(ctx context.Context, id int64, signature string) error
	GetTransactionByID(ctx context.Context, id int64) (*models.TransactionRecord, error)
	GetTransactionByResource(ctx context.Context, resourceID string) (*models.TransactionRecord, error)
	GetTransactionByPayment(ctx context.Context, paymentID string) (*models.TransactionRecord, error)
	MarkSuperseded(ctx context.Context, oldID, newID int64) error
}

// ResourceSink keeps the paid-for resource's own lifecycle in step.
type ResourceSink interface {
	MarkResourceStatus(ctx context.Context, resourceID string, status models.ResourceStatus) error
}

type Config struct {
	Recipient        string
	Timeout          time.Duration
	Retry            retry.Policy
	ComputeUnitPrice uint64
}

type Deps struct {
	Wallet    wallet.Wallet
	Ledger    chain.Ledger
	Records   RecordStore
	Resources ResourceSink
	Mirror    persistence.Store
	Pricing   pricing.Service
}

type Orchestrator struct {
	cfg       Config
	wallet    wallet.Wallet
	ledger    chain.Ledger
	records   RecordStore
	resources ResourceSink
	mirror    persistence.Store
	pricing   pricing.Service

	sessions   *session.Cache
	signatures *recovery.Cache
	recoverer  *recovery.Recoverer
	submitter  *transfer.Submitter
	inflight   singleflight.Group

	now func() time.Time
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if deps.Mirror == nil {
		deps.Mirror = persistence.NewMemory()
	}
	o := &Orchestrator{
		cfg:        cfg,
		wallet:     deps.Wallet,
		ledger:     deps.Ledger,
		records:    deps.Records,
		resources:  deps.Resources,
		mirror:     deps.Mirror,
		pricing:    deps.Pricing,
		sessions:   session.NewCache(),
		signatures: recovery.NewCache(),
		now:        time.Now,
	}
	o.recoverer = &recovery.Recoverer{Ledger: deps.Ledger, Cache: o.signatures}
	o.submitter = &transfer.Submitter{
		Ledger:           deps.Ledger,
		Wallet:           deps.Wallet,
		Signatures:       signatureTracker{o},
		ComputeUnitPrice: cfg.ComputeUnitPrice,
	}
	return o
}

// SetClock replaces the time source for sessions created from now on.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.sessions.SetClock(now)
}

// Metadata describes what is being paid for.
type Metadata struct {
	ResourceID string
	// Instrument is a configured symbol; empty means the native currency.
	Instrument string
}

type InitResult struct {
	PaymentID       string               `json:"paymentId"`
	Status          models.PaymentStatus `json:"status"`
	DurableRecordID *int64               `json:"durableRecordId,omitempty"`
}

// Initialize creates a session, its durable record and its timeout. If the
// durable write fails nothing is left behind.
func (o *Orchestrator) Initialize(ctx context.Context, amount decimal.Decimal, meta Metadata) (*InitResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "payments.Initialize")
	defer span.End()
	log := logging.FromContext(ctx)

	if o.wallet == nil || !o.wallet.IsConnected() {
		return nil, payerr.WalletNotConnected()
	}
	if meta.ResourceID == "" {
		return nil, payerr.New(payerr.UnknownError, payerr.CodeInvalidRequest, false, "resource id is required")
	}
	quote, err := o.pricing.Quote(meta.Instrument, amount)
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, payerr.CodeInvalidRequest, false)
	}
	id, err := newPaymentID()
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", true)
	}
	span.SetAttributes(attribute.String("payment.id", id), attribute.String("resource.id", meta.ResourceID))

	now := o.now().UTC()
	s := &models.PaymentSession{
		PaymentID:        id,
		Status:           models.StatusInitialized,
		ResourceID:       meta.ResourceID,
		Amount:           quote.Amount,
		Instrument:       quote.Instrument,
		WalletAddress:    o.wallet.Address().String(),
		RecipientAddress: o.cfg.Recipient,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	o.sessions.Track(s)

	recID, err := o.records.CreateTransactionRecord(ctx, recordFor(s, models.RecordInitialized))
	if err != nil {
		o.rollback(ctx, id)
		log.Error().Err(err).Str("paymentId", id).Msg("durable record write failed, session rolled back")
		return nil, payerr.Wrap(err, payerr.UnknownError, payerr.CodeRecordWriteFailed, true)
	}
	s, err = o.sessions.Update(id, func(s *models.PaymentSession) error {
		s.DurableRecordID = &recID
		return nil
	})
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", true)
	}
	if err := o.sessions.Arm(id, o.cfg.Timeout, o.onTimeout); err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", true)
	}
	s, _ = o.sessions.Get(id)
	o.mirrorSave(ctx, s)
	o.markResource(ctx, s)

	log.Info().
		Str("paymentId", id).
		Str("resourceId", s.ResourceID).
		Str("amount", s.Amount.String()).
		Str("instrument", s.Instrument.Symbol).
		Int64("recordId", recID).
		Msg("payment initialized")
	return &InitResult{PaymentID: id, Status: s.Status, DurableRecordID: s.DurableRecordID}, nil
}

func (o *Orchestrator) rollback(ctx context.Context, paymentID string) {
	o.sessions.Evict(paymentID)
	o.mirrorDelete(ctx, paymentID)
}

// FormatErrorForUser returns copy suitable for showing to the payer.
func (o *Orchestrator) FormatErrorForUser(err error) string {
	return payerr.FormatForUser(err)
}

// Shutdown stops every pending timeout. Sessions stay in the mirror and can
// be restored by the next process.
func (o *Orchestrator) Shutdown() {
	o.sessions.DisarmAll()
}

func newPaymentID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate payment id")
	}
	return idPrefix + u.String(), nil
}

func recordFor(s *models.PaymentSession, status models.RecordStatus) *models.TransactionRecord {
	rec := &models.TransactionRecord{
		PaymentID:        s.PaymentID,
		ResourceID:       s.ResourceID,
		SenderAddress:    s.WalletAddress,
		RecipientAddress: s.RecipientAddress,
		Instrument:       s.Instrument.Symbol,
		Amount:           s.Amount.String(),
		Status:           status,
		RetryCount:       s.Attempts,
	}
	if s.Instrument.Mint != "" {
		mint := s.Instrument.Mint
		rec.Mint = &mint
	}
	return rec
}

// sessionFromRecord rebuilds a session when only the durable record is left.
func (o *Orchestrator) sessionFromRecord(rec *models.TransactionRecord) (*models.PaymentSession, error) {
	status, ok := store.FromRecordStatus(rec.Status)
	if !ok {
		return nil, errors.Wrapf(store.ErrInvalidStatus, "record %d: %s", rec.ID, rec.Status)
	}
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return nil, errors.Wrapf(err, "record %d amount", rec.ID)
	}
	in, err := o.pricing.Instrument(rec.Instrument)
	if err != nil {
		in = models.Instrument{Symbol: rec.Instrument}
		if rec.Mint != nil {
			in.Mint = *rec.Mint
		}
	}
	id := rec.ID
	s := &models.PaymentSession{
		PaymentID:        rec.PaymentID,
		Status:           status,
		ResourceID:       rec.ResourceID,
		Amount:           amount,
		Instrument:       in,
		WalletAddress:    rec.SenderAddress,
		RecipientAddress: rec.RecipientAddress,
		DurableRecordID:  &id,
		Attempts:         rec.RetryCount,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if status == models.StatusConfirmed && rec.TransferSignature != nil {
		sig := *rec.TransferSignature
		s.TransferSignature = &sig
	}
	if rec.FailureCategory != "" {
		s.LastError = payerr.New(payerr.Category(rec.FailureCategory), rec.FailureCode, false, "recorded failure")
	}
	return s, nil
}

// signatureTracker learns each signature as soon as the submitter has it:
// the recovery cache gets it for duplicate resolution and the durable record
// gets it so the reconciliation worker can settle a crashed attempt.
type signatureTracker struct {
	o *Orchestrator
}

func (t signatureTracker) Remember(paymentID, signature string) {
	t.o.signatures.Remember(paymentID, signature)

	s, ok := t.o.sessions.Get(paymentID)
	if !ok || s.DurableRecordID == nil || s.Status != models.StatusProcessing {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	err := t.o.records.UpdateTransactionStatus(ctx, *s.DurableRecordID, store.StatusUpdate{
		Status:    models.StatusProcessing,
		Signature: &signature,
	})
	if err != nil && !errors.Is(err, store.ErrTerminalRecord) {
		logging.FromContext(ctx).Warn().Err(err).Str("paymentId", paymentID).Msg("record pending signature")
	}
}

func (o *Orchestrator) mirrorSave(ctx context.Context, s *models.PaymentSession) {
	if err := persistence.SaveSession(ctx, o.mirror, s); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("paymentId", s.PaymentID).Msg("persistence mirror save failed")
	}
}

func (o *Orchestrator) mirrorDelete(ctx context.Context, paymentID string) {
	if err := o.mirror.Delete(ctx, paymentID); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("paymentId", paymentID).Msg("persistence mirror delete failed")
	}
}

func (o *Orchestrator) markResource(ctx context.Context, s *models.PaymentSession) {
	if o.resources == nil {
		return
	}
	status, ok := models.ResourceStatusFor(s.Status)
	if !ok {
		return
	}
	if err := o.resources.MarkResourceStatus(ctx, s.ResourceID, status); err != nil {
		logging.FromContext(ctx).Warn().Err(err).
			Str("paymentId", s.PaymentID).
			Str("resourceId", s.ResourceID).
			Str("resourceStatus", string(status)).
			Msg("resource status update failed")
	}
}

func (o *Orchestrator) logTransition(ctx context.Context, s *models.PaymentSession, from models.PaymentStatus) {
	ev := logging.FromContext(ctx).Info().
		Str("paymentId", s.PaymentID).
		Str("from", string(from)).
		Str("to", string(s.Status)).
		Int("attempts", s.Attempts)
	if s.LastError != nil {
		ev = ev.Str("category", string(s.LastError.Category)).Str("code", s.LastError.Code)
	}
	ev.Msg("payment status changed")
}
