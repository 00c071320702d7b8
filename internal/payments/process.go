package payments

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"CanvasPay/internal/chain"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/persistence"
	"CanvasPay/internal/retry"
	"CanvasPay/internal/session"
	"CanvasPay/internal/store"
	"CanvasPay/internal/telemetry"
	"CanvasPay/internal/transfer"
)

type ProcessResult struct {
	PaymentID         string               `json:"paymentId"`
	Status            models.PaymentStatus `json:"status"`
	TransferSignature string               `json:"transferSignature,omitempty"`
	Error             *payerr.Error        `json:"error,omitempty"`
}

func processResult(s *models.PaymentSession) *ProcessResult {
	return &ProcessResult{
		PaymentID:         s.PaymentID,
		Status:            s.Status,
		TransferSignature: s.Signature(),
		Error:             s.LastError,
	}
}

// Process runs one payment attempt. Concurrent calls for the same payment
// share a single attempt. A failed attempt returns both the result, whose
// Status says where the session ended up, and the classified error.
func (o *Orchestrator) Process(ctx context.Context, paymentID string) (*ProcessResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "payments.Process")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	v, err, shared := o.inflight.Do(paymentID, func() (interface{}, error) {
		return o.process(ctx, paymentID)
	})
	if shared {
		logging.FromContext(ctx).Debug().Str("paymentId", paymentID).Msg("process coalesced into in-flight attempt")
	}
	res, _ := v.(*ProcessResult)
	if err != nil {
		pe := payerr.Classify(err)
		span.RecordError(pe)
		span.SetStatus(codes.Error, string(pe.Category))
		return res, pe
	}
	span.SetAttributes(attribute.String("payment.status", string(res.Status)))
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, paymentID string) (*ProcessResult, error) {
	log := logging.FromContext(ctx)

	s, err := o.resolve(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return processResult(s), nil
	}
	if s.Status == models.StatusProcessing {
		// Only a restored session can be found here: a live attempt is
		// always coalesced above. Its outcome is unknown until the worker
		// settles the record or the timeout fires.
		return processResult(s), payerr.New(payerr.UnknownError, payerr.CodeInvalidTransition, true,
			"payment "+paymentID+" is already being processed")
	}

	prev := s
	s, err = o.sessions.CompareAndTransition(paymentID,
		[]models.PaymentStatus{models.StatusInitialized, models.StatusPending},
		models.StatusProcessing,
		func(s *models.PaymentSession) {
			s.Attempts++
			s.LastError = nil
		})
	if err != nil {
		return o.lostRace(ctx, prev, s, err)
	}
	o.logTransition(ctx, s, prev.Status)

	// The durable record must say PROCESSING before anything reaches the ledger.
	if err := o.writeRecord(ctx, s, store.StatusUpdate{Status: models.StatusProcessing, RetryCount: &s.Attempts}); err != nil {
		if errors.Is(err, store.ErrTerminalRecord) {
			return o.adoptDurable(ctx, s)
		}
		pe := payerr.Wrap(err, payerr.NetworkError, payerr.CodeRecordWriteFailed, true)
		back, terr := o.sessions.CompareAndTransition(paymentID,
			[]models.PaymentStatus{models.StatusProcessing}, models.StatusPending,
			func(s *models.PaymentSession) { s.LastError = pe })
		if terr != nil {
			return o.lostRace(ctx, s, back, terr)
		}
		o.logTransition(ctx, back, models.StatusProcessing)
		o.mirrorSave(ctx, back)
		return processResult(back), pe
	}
	// A cancel or timeout may have landed while the record was written.
	if cur, ok := o.sessions.Get(paymentID); !ok {
		return o.adoptDurable(ctx, s)
	} else if cur.Status != models.StatusProcessing {
		return processResult(cur), nil
	}
	o.mirrorSave(ctx, s)
	o.markResource(ctx, s)

	policy := o.cfg.Retry
	policy.OnRetry = func(attempt int, pe *payerr.Error, delay time.Duration) {
		log.Info().
			Str("paymentId", paymentID).
			Int("retry", attempt+1).
			Str("category", string(pe.Category)).
			Str("code", pe.Code).
			Dur("delay", delay).
			Msg("retrying transfer")
	}
	res, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (*transfer.Result, error) {
		return o.attempt(ctx, s)
	})
	if err != nil {
		return o.commitFailure(ctx, s, payerr.Classify(err))
	}
	return o.commitSuccess(ctx, s, res.Signature)
}

// attempt is one submission plus duplicate resolution.
func (o *Orchestrator) attempt(ctx context.Context, s *models.PaymentSession) (*transfer.Result, error) {
	res, err := o.submitter.Submit(ctx, transfer.Request{
		PaymentID:  s.PaymentID,
		Attempt:    s.Attempts,
		Amount:     s.Amount,
		Instrument: s.Instrument,
		Recipient:  s.RecipientAddress,
	})
	if err == nil {
		return res, nil
	}
	if !payerr.IsDuplicate(err) {
		return nil, err
	}
	if rec := o.recoverer.Recover(ctx, s.PaymentID, err); rec != nil {
		return &transfer.Result{Signature: rec.Signature, Confirmed: rec.VerifiedSuccessful}, nil
	}
	return nil, payerr.UnresolvedDuplicate(s.PaymentID, err)
}

// commitSuccess records CONFIRMED only if the session is still PROCESSING.
// When a cancel or timeout won, its status stands and the signature is kept
// on the record for audit.
func (o *Orchestrator) commitSuccess(ctx context.Context, s *models.PaymentSession, signature string) (*ProcessResult, error) {
	log := logging.FromContext(ctx)
	done, err := o.sessions.CompareAndTransition(s.PaymentID,
		[]models.PaymentStatus{models.StatusProcessing}, models.StatusConfirmed,
		func(s *models.PaymentSession) {
			sig := signature
			s.TransferSignature = &sig
			s.LastError = nil
		})
	if err != nil {
		log.Warn().
			Str("paymentId", s.PaymentID).
			Str("signature", signature).
			Msg("transfer confirmed after the session left PROCESSING")
		if s.DurableRecordID != nil {
			if lerr := o.records.RecordLateSignature(ctx, *s.DurableRecordID, signature); lerr != nil {
				log.Error().Err(lerr).Str("paymentId", s.PaymentID).Msg("record late signature")
			}
		}
		return o.lostRace(ctx, s, done, err)
	}
	o.logTransition(ctx, done, models.StatusProcessing)

	confirmed := true
	if err := o.writeRecord(ctx, done, store.StatusUpdate{
		Status:    models.StatusConfirmed,
		Signature: &signature,
		Confirmed: &confirmed,
	}); err != nil {
		if errors.Is(err, store.ErrTerminalRecord) {
			return o.adoptDurable(ctx, done)
		}
		// The mirror keeps the confirmed snapshot so a later status read can
		// push it forward.
		log.Error().Err(err).Str("paymentId", s.PaymentID).Str("signature", signature).Msg("durable confirm write failed")
		o.mirrorSave(ctx, done)
		o.sessions.Evict(s.PaymentID)
		o.markResource(ctx, done)
		return processResult(done), nil
	}
	o.finish(ctx, done)
	return processResult(done), nil
}

// commitFailure sends a refusal back to PENDING and everything else to FAILED.
func (o *Orchestrator) commitFailure(ctx context.Context, s *models.PaymentSession, pe *payerr.Error) (*ProcessResult, error) {
	to := models.StatusFailed
	if pe.Category == payerr.UserRejection {
		to = models.StatusPending
	}
	done, err := o.sessions.CompareAndTransition(s.PaymentID,
		[]models.PaymentStatus{models.StatusProcessing}, to,
		func(s *models.PaymentSession) { s.LastError = pe })
	if err != nil {
		return o.lostRace(ctx, s, done, err)
	}
	o.logTransition(ctx, done, models.StatusProcessing)

	u := store.StatusUpdate{Status: to, RetryCount: &done.Attempts}
	if to == models.StatusFailed {
		u.Failure = pe
	}
	if err := o.writeRecord(ctx, done, u); err != nil {
		if errors.Is(err, store.ErrTerminalRecord) {
			res, aerr := o.adoptDurable(ctx, done)
			if aerr != nil {
				return nil, aerr
			}
			return res, pe
		}
		logging.FromContext(ctx).Error().Err(err).Str("paymentId", s.PaymentID).Str("status", string(to)).Msg("durable status write failed")
	}
	if to == models.StatusPending {
		o.mirrorSave(ctx, done)
		o.markResource(ctx, done)
		return processResult(done), pe
	}
	o.finish(ctx, done)
	return processResult(done), pe
}

// finish retires a session that reached a terminal status.
func (o *Orchestrator) finish(ctx context.Context, s *models.PaymentSession) {
	o.sessions.Evict(s.PaymentID)
	o.mirrorDelete(ctx, s.PaymentID)
	o.markResource(ctx, s)
	if s.Status == models.StatusConfirmed || s.Status == models.StatusCanceled || s.Status == models.StatusTimeout {
		o.signatures.Clear(s.PaymentID)
	}
}

// lostRace reports the state left by whoever won a CompareAndTransition.
// An evicted session is answered from the durable record.
func (o *Orchestrator) lostRace(ctx context.Context, s, cur *models.PaymentSession, err error) (*ProcessResult, error) {
	if errors.Is(err, session.ErrNotTracked) || cur == nil {
		return o.adoptDurable(ctx, s)
	}
	return processResult(cur), nil
}

// adoptDurable handles a durable record that went terminal behind the
// cache's back (another node, or the worker). The durable status wins.
func (o *Orchestrator) adoptDurable(ctx context.Context, s *models.PaymentSession) (*ProcessResult, error) {
	repaired, err := o.adoptRecord(ctx, s)
	if err != nil {
		return nil, err
	}
	return processResult(repaired), nil
}

func (o *Orchestrator) adoptRecord(ctx context.Context, s *models.PaymentSession) (*models.PaymentSession, error) {
	rec, err := o.durableRecord(ctx, s)
	if err != nil {
		return nil, payerr.Wrap(err, payerr.NetworkError, payerr.CodeRecordWriteFailed, true)
	}
	repaired, err := o.sessionFromRecord(rec)
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", false)
	}
	if s.Attempts > repaired.Attempts {
		repaired.Attempts = s.Attempts
	}
	o.logTransition(ctx, repaired, s.Status)
	o.sessions.Evict(s.PaymentID)
	o.mirrorDelete(ctx, s.PaymentID)
	o.markResource(ctx, repaired)
	return repaired, nil
}

func (o *Orchestrator) writeRecord(ctx context.Context, s *models.PaymentSession, u store.StatusUpdate) error {
	if s.DurableRecordID == nil {
		return errors.Errorf("payment %s has no durable record", s.PaymentID)
	}
	return o.records.UpdateTransactionStatus(ctx, *s.DurableRecordID, u)
}

func (o *Orchestrator) durableRecord(ctx context.Context, s *models.PaymentSession) (*models.TransactionRecord, error) {
	if s.DurableRecordID != nil {
		return o.records.GetTransactionByID(ctx, *s.DurableRecordID)
	}
	return o.records.GetTransactionByPayment(ctx, s.PaymentID)
}

// resolve finds a session: cache first, then the persistence mirror, then
// the durable record. Anything found outside the cache is read-repaired
// against the durable record and, if still live, tracked again.
func (o *Orchestrator) resolve(ctx context.Context, paymentID string) (*models.PaymentSession, error) {
	if s, ok := o.sessions.Get(paymentID); ok {
		return s, nil
	}

	s, err := persistence.LoadSession(ctx, o.mirror, paymentID)
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrNotFound):
		s = nil
	default:
		logging.FromContext(ctx).Warn().Err(err).Str("paymentId", paymentID).Msg("persistence mirror unreadable")
		s = nil
	}

	var rec *models.TransactionRecord
	if s != nil {
		rec, err = o.durableRecord(ctx, s)
	} else {
		rec, err = o.records.GetTransactionByPayment(ctx, paymentID)
	}
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	default:
		return nil, payerr.Wrap(err, payerr.NetworkError, payerr.CodeRPCUnavailable, true)
	}
	if s == nil && rec == nil {
		return nil, payerr.SessionNotFound(paymentID)
	}

	s, push, err := o.reconcile(ctx, s, rec)
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", false)
	}
	if push {
		o.pushConfirmed(ctx, s, rec.Status)
	}
	if s.Status.IsTerminal() {
		o.mirrorDelete(ctx, paymentID)
		return s, nil
	}
	return o.retrack(ctx, s)
}

// reconcile merges a mirror snapshot with the durable record. Either may
// be nil but not both. The durable status wins, except over a confirmation
// the ledger vouches for whose durable write never landed: push reports
// that case.
func (o *Orchestrator) reconcile(ctx context.Context, local *models.PaymentSession, rec *models.TransactionRecord) (merged *models.PaymentSession, push bool, err error) {
	if rec == nil {
		return local, false, nil
	}
	durable, err := o.sessionFromRecord(rec)
	if err != nil {
		return nil, false, err
	}
	if local == nil {
		return durable, false, nil
	}
	if local.Status == models.StatusConfirmed && !durable.Status.IsTerminal() {
		if o.landed(ctx, local.Signature()) {
			id := rec.ID
			local.DurableRecordID = &id
			return local, true, nil
		}
		logging.FromContext(ctx).Warn().
			Str("paymentId", local.PaymentID).
			Str("signature", local.Signature()).
			Str("durableStatus", string(durable.Status)).
			Msg("unverified confirmation in snapshot, keeping durable status")
	}
	merged = local.Clone()
	id := rec.ID
	merged.DurableRecordID = &id
	if local.Status != durable.Status {
		merged.Status = durable.Status
		merged.TransferSignature = durable.TransferSignature
		if durable.LastError != nil {
			merged.LastError = durable.LastError
		}
	}
	if durable.Attempts > merged.Attempts {
		merged.Attempts = durable.Attempts
	}
	return merged, false, nil
}

// landed reports whether sig is on the ledger and executed without error.
// Without a ledger nothing can be vouched for.
func (o *Orchestrator) landed(ctx context.Context, sig string) bool {
	if sig == "" || o.ledger == nil {
		return false
	}
	parsed, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return false
	}
	st, err := o.ledger.GetStatus(ctx, parsed)
	if err != nil {
		if !errors.Is(err, chain.ErrSignatureNotFound) {
			logging.FromContext(ctx).Warn().Err(err).Str("signature", sig).Msg("signature status unavailable")
		}
		return false
	}
	return st.Err == nil
}

// pushConfirmed writes a confirmation the durable store missed. from is
// the record's status as last read.
func (o *Orchestrator) pushConfirmed(ctx context.Context, s *models.PaymentSession, from models.RecordStatus) {
	sig := s.Signature()
	confirmed := true
	err := store.Settle(ctx, o.records, *s.DurableRecordID, from,
		store.StatusUpdate{Status: models.StatusConfirmed, Signature: &sig, Confirmed: &confirmed})
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("paymentId", s.PaymentID).Msg("push confirmation to durable store")
		return
	}
	logging.FromContext(ctx).Info().Str("paymentId", s.PaymentID).Str("signature", sig).Msg("durable record repaired to CONFIRMED")
	o.markResource(ctx, s)
}

// retrack puts a live session back in the cache with whatever is left of
// its timeout. An already-expired session times out immediately.
func (o *Orchestrator) retrack(ctx context.Context, s *models.PaymentSession) (*models.PaymentSession, error) {
	o.sessions.Track(s)
	expires := s.ExpiresAt
	if expires.IsZero() {
		expires = s.CreatedAt.Add(o.cfg.Timeout)
	}
	remaining := expires.Sub(o.now())
	if remaining <= 0 {
		if timedOut := o.expire(ctx, s.PaymentID); timedOut != nil {
			return timedOut, nil
		}
		return nil, payerr.SessionNotFound(s.PaymentID)
	}
	if err := o.sessions.Arm(s.PaymentID, remaining, o.onTimeout); err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, "", true)
	}
	cur, ok := o.sessions.Get(s.PaymentID)
	if !ok {
		return nil, payerr.SessionNotFound(s.PaymentID)
	}
	o.mirrorSave(ctx, cur)
	logging.FromContext(ctx).Info().
		Str("paymentId", s.PaymentID).
		Str("status", string(s.Status)).
		Dur("remaining", remaining).
		Msg("session restored")
	return cur, nil
}
