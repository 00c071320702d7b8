// Package app builds the long-lived components the binaries share from a
// loaded config.
package app

import (
	"context"

	"github.com/pkg/errors"

	"CanvasPay/internal/chain"
	"CanvasPay/internal/config"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/payments"
	"CanvasPay/internal/persistence"
	"CanvasPay/internal/pricing"
	"CanvasPay/internal/retry"
	"CanvasPay/internal/wallet"
)

func Instruments(cfg *config.Config) []models.Instrument {
	out := make([]models.Instrument, 0, len(cfg.Payments.Instruments))
	for _, in := range cfg.Payments.Instruments {
		out = append(out, models.Instrument{Symbol: in.Symbol, Mint: in.Mint, Decimals: in.Decimals})
	}
	return out
}

// Ledger dials the configured RPC endpoints. Websocket endpoints default to
// the RPC hosts when none are configured.
func Ledger(cfg *config.Config) (*chain.RPCLedger, error) {
	client, err := chain.NewMultiRPCClient(cfg.Chain.RPCEndpoints, cfg.Chain.RPCFailoverThreshold)
	if err != nil {
		return nil, err
	}
	wsEndpoints := cfg.Chain.WSEndpoints
	if len(wsEndpoints) == 0 {
		wsEndpoints = chain.DefaultWSEndpoints(cfg.Chain.RPCEndpoints)
	}
	return chain.NewRPCLedger(client, cfg.Chain.Commitment,
		chain.WithWSConfirmer(chain.NewWSConfirmer(wsEndpoints)),
		chain.WithPollInterval(cfg.ConfirmPollInterval()),
	), nil
}

func Wallet(cfg *config.Config) (wallet.Wallet, error) {
	switch cfg.Wallet.Mode {
	case "remote":
		return wallet.NewRemote(cfg.Wallet.RemoteURL, cfg.RemoteWalletTimeout()), nil
	case "keypair":
		kp, err := wallet.NewKeypair(cfg.Wallet.PrivateKey)
		if err != nil {
			return nil, err
		}
		return kp, nil
	}
	return nil, errors.Errorf("wallet mode %q is not supported", cfg.Wallet.Mode)
}

func PaymentsConfig(cfg *config.Config) payments.Config {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Payments.MaxAttempts
	policy.BaseDelay = cfg.RetryBaseDelay()
	return payments.Config{
		Recipient:        cfg.Payments.RecipientAddress,
		Timeout:          cfg.PaymentTimeout(),
		Retry:            policy,
		ComputeUnitPrice: cfg.Chain.ComputeUnitPrice,
	}
}

func Pricing(cfg *config.Config) pricing.Service {
	return pricing.NewService(Instruments(cfg))
}

// RestoreMirrored re-tracks every session the mirror still holds, so
// timeouts armed by a previous process fire again. Returns how many were
// restored.
func RestoreMirrored(ctx context.Context, orch *payments.Orchestrator, mirror persistence.Store) (int, error) {
	log := logging.FromContext(ctx)
	ids, err := mirror.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list mirrored sessions")
	}
	restored := 0
	for _, id := range ids {
		snap, err := mirror.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				log.Warn().Err(err).Str("paymentId", id).Msg("load mirrored session failed")
			}
			continue
		}
		view, err := orch.Restore(ctx, snap)
		if err != nil {
			log.Warn().Err(err).Str("paymentId", id).Msg("restore mirrored session failed")
			if pe, ok := payerr.As(err); !ok || pe.Retryable {
				continue
			}
			if delErr := mirror.Delete(ctx, id); delErr != nil {
				log.Warn().Err(delErr).Str("paymentId", id).Msg("drop mirrored session failed")
			}
			continue
		}
		log.Info().Str("paymentId", id).Str("status", string(view.Status)).Msg("session restored")
		restored++
	}
	return restored, nil
}
