// Package transfer builds, signs, submits and confirms one payment attempt
// on the ledger.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"CanvasPay/internal/chain"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/pricing"
	"CanvasPay/internal/telemetry"
	"CanvasPay/internal/wallet"
)

const (
	// FeeReserve is kept back from a native balance for the network fee.
	FeeReserve uint64 = 10_000
	// TokenAccountRent funds a recipient token account created in-flight.
	TokenAccountRent uint64 = 2_039_280

	statusCheckTimeout = 10 * time.Second
)

// SignatureCache learns a signature as soon as it exists so a later
// duplicate-submission failure can be resolved.
type SignatureCache interface {
	Remember(paymentID, signature string)
}

type Request struct {
	PaymentID  string
	Attempt    int
	Amount     decimal.Decimal
	Instrument models.Instrument
	Recipient  string
}

type Result struct {
	Signature string
	Confirmed bool
}

type Submitter struct {
	Ledger           chain.Ledger
	Wallet           wallet.Wallet
	Signatures       SignatureCache
	ComputeUnitPrice uint64
}

// Submit runs one attempt. Every returned error is a *payerr.Error.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "transfer.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.id", req.PaymentID),
		attribute.Int("payment.attempt", req.Attempt),
	)

	res, err := s.submit(ctx, req)
	if err != nil {
		pe := payerr.Classify(err)
		span.RecordError(pe)
		span.SetStatus(codes.Error, string(pe.Category))
		logging.FromContext(ctx).Warn().
			Str("paymentId", req.PaymentID).
			Int("attempt", req.Attempt).
			Str("category", string(pe.Category)).
			Str("code", pe.Code).
			Bool("retryable", pe.Retryable).
			Err(pe.Cause).
			Msg("transfer attempt failed")
		return nil, pe
	}
	span.SetAttributes(attribute.String("payment.signature", res.Signature))
	return res, nil
}

func (s *Submitter) submit(ctx context.Context, req Request) (*Result, error) {
	if s.Wallet == nil || !s.Wallet.IsConnected() {
		return nil, payerr.WalletNotConnected()
	}
	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, payerr.New(payerr.UnknownError, payerr.CodeInvalidRequest, false, "invalid recipient address")
	}

	p := plan{
		payer:     s.Wallet.Address(),
		recipient: recipient,
		unitPrice: s.ComputeUnitPrice,
	}
	if !req.Instrument.IsNative() {
		p.mint, err = solana.PublicKeyFromBase58(req.Instrument.Mint)
		if err != nil {
			return nil, payerr.New(payerr.UnknownError, payerr.CodeInvalidRequest, false, "invalid mint address")
		}
		if err := tokenAccounts(ctx, s.Ledger, &p); err != nil {
			return nil, err
		}
		p.decimals, err = s.Ledger.MintDecimals(ctx, p.mint)
		if err != nil {
			return nil, err
		}
	} else {
		p.decimals = uint8(req.Instrument.Decimals)
	}
	p.units, err = pricing.ToBaseUnits(req.Amount, int32(p.decimals))
	if err != nil {
		return nil, payerr.Wrap(err, payerr.UnknownError, payerr.CodeInvalidRequest, false)
	}

	// (a) balance
	if err := s.checkBalance(ctx, p); err != nil {
		return nil, err
	}

	// (b) build with a fresh nonce
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	p.memo = Memo(req.PaymentID, req.Attempt, nonce)
	ref, err := s.Ledger.GetLatestReferenceHash(ctx)
	if err != nil {
		return nil, err
	}
	p.blockhash = ref.Blockhash
	tx, err := build(p)
	if err != nil {
		return nil, err
	}

	// (c) sign
	signed, err := s.Wallet.Sign(ctx, tx)
	if err != nil {
		return nil, err
	}

	// (d) attach the latest reference hash and re-sign just before sending
	latest, err := s.Ledger.GetLatestReferenceHash(ctx)
	if err != nil {
		return nil, err
	}
	if latest.Blockhash != ref.Blockhash {
		signed.Message.RecentBlockhash = latest.Blockhash
		signed.Signatures = nil
		signed, err = s.Wallet.Sign(ctx, signed)
		if err != nil {
			return nil, err
		}
	}
	ref = latest
	if len(signed.Signatures) == 0 || signed.Signatures[0].IsZero() {
		return nil, payerr.New(payerr.WalletError, payerr.CodeSigningFailed, true, "wallet returned an unsigned transaction")
	}
	expected := signed.Signatures[0]

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode transaction")
	}
	if s.Signatures != nil {
		s.Signatures.Remember(req.PaymentID, expected.String())
	}

	// (e) submit
	sig, err := s.Ledger.SubmitRaw(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !sig.Equals(expected) && s.Signatures != nil {
		s.Signatures.Remember(req.PaymentID, sig.String())
	}
	logging.FromContext(ctx).Info().
		Str("paymentId", req.PaymentID).
		Int("attempt", req.Attempt).
		Str("signature", sig.String()).
		Msg("transfer submitted")

	// (f) confirm
	confirmErr := s.Ledger.Confirm(ctx, sig, ref)
	if confirmErr == nil {
		return &Result{Signature: sig.String(), Confirmed: true}, nil
	}
	var execErr *chain.ExecutionError
	if errors.As(confirmErr, &execErr) {
		return nil, confirmErr
	}
	return s.checkAfterConfirmFailure(ctx, req, sig, confirmErr)
}

// checkAfterConfirmFailure makes the single manual status lookup that
// decides whether a transfer executed even though confirmation errored.
func (s *Submitter) checkAfterConfirmFailure(ctx context.Context, req Request, sig solana.Signature, confirmErr error) (*Result, error) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusCheckTimeout)
	defer cancel()

	st, err := s.Ledger.GetStatus(checkCtx, sig)
	switch {
	case err == nil && st.Err == nil:
		logging.FromContext(ctx).Info().
			Str("paymentId", req.PaymentID).
			Str("signature", sig.String()).
			AnErr("confirmErr", confirmErr).
			Msg("confirmation failed but transfer executed")
		return &Result{Signature: sig.String(), Confirmed: st.Confirmed}, nil
	case err == nil:
		return nil, &chain.ExecutionError{Signature: sig.String(), Detail: st.Err}
	default:
		return nil, confirmErr
	}
}

func (s *Submitter) checkBalance(ctx context.Context, p plan) error {
	lamports, err := s.Ledger.GetBalance(ctx, p.payer)
	if err != nil {
		return err
	}

	if p.native() {
		if lamports < p.units+FeeReserve {
			return insufficient(fmt.Sprintf("balance %d lamports, need %d plus fees", lamports, p.units))
		}
		return nil
	}

	reserve := FeeReserve
	if p.createATA {
		reserve += TokenAccountRent
	}
	if lamports < reserve {
		return insufficient(fmt.Sprintf("balance %d lamports, need %d for fees", lamports, reserve))
	}
	units, err := s.Ledger.GetTokenBalance(ctx, p.payer, p.mint)
	if err != nil {
		return err
	}
	if units < p.units {
		return insufficient(fmt.Sprintf("token balance %d, need %d", units, p.units))
	}
	return nil
}

func insufficient(msg string) *payerr.Error {
	return payerr.New(payerr.BalanceError, payerr.CodeInsufficientFunds, false, "insufficient funds: "+msg)
}
