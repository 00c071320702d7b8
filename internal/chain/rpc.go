package chain

import (
	"context"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RPCLedger implements Ledger over JSON-RPC with endpoint failover and an
// optional websocket push channel for confirmations.
type RPCLedger struct {
	rpc          *MultiRPCClient
	ws           *WSConfirmer
	commitment   rpc.CommitmentType
	pollInterval time.Duration
}

type LedgerOption func(*RPCLedger)

func WithWSConfirmer(ws *WSConfirmer) LedgerOption {
	return func(l *RPCLedger) { l.ws = ws }
}

func WithPollInterval(d time.Duration) LedgerOption {
	return func(l *RPCLedger) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

func NewRPCLedger(client *MultiRPCClient, commitment string, opts ...LedgerOption) *RPCLedger {
	l := &RPCLedger{
		rpc:          client,
		commitment:   parseCommitment(commitment),
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func parseCommitment(s string) rpc.CommitmentType {
	switch s {
	case "finalized":
		return rpc.CommitmentFinalized
	case "processed":
		return rpc.CommitmentProcessed
	default:
		return rpc.CommitmentConfirmed
	}
}

func (l *RPCLedger) GetBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	out, err := call(ctx, l.rpc, func(c *rpc.Client) (*rpc.GetBalanceResult, error) {
		return c.GetBalance(ctx, owner, l.commitment)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "get balance %s", owner)
	}
	return out.Value, nil
}

func (l *RPCLedger) GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, errors.Wrap(err, "derive token account")
	}
	exists, err := l.AccountExists(ctx, ata)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	out, err := call(ctx, l.rpc, func(c *rpc.Client) (*rpc.GetTokenAccountBalanceResult, error) {
		return c.GetTokenAccountBalance(ctx, ata, l.commitment)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "get token balance %s", ata)
	}
	if out.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse token amount %q", out.Value.Amount)
	}
	return amount, nil
}

func (l *RPCLedger) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := call(ctx, l.rpc, func(c *rpc.Client) (*rpc.GetAccountInfoResult, error) {
		return c.GetAccountInfo(ctx, account)
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get account %s", account)
	}
	return true, nil
}

func (l *RPCLedger) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	info, err := call(ctx, l.rpc, func(c *rpc.Client) (*rpc.GetAccountInfoResult, error) {
		return c.GetAccountInfo(ctx, mint)
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return 0, errors.Wrapf(ErrAccountNotFound, "mint %s", mint)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get mint %s", mint)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(info.GetBinary()).Decode(&m); err != nil {
		return 0, errors.Wrapf(err, "decode mint %s", mint)
	}
	return m.Decimals, nil
}

func (l *RPCLedger) GetLatestReferenceHash(ctx context.Context) (ReferenceHash, error) {
	out, err := call(ctx, l.rpc, func(c *rpc.Client) (*rpc.GetLatestBlockhashResult, error) {
		return c.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return ReferenceHash{}, errors.Wrap(err, "get latest blockhash")
	}
	if out.Value == nil {
		return ReferenceHash{}, errors.New("get latest blockhash: empty result")
	}
	return ReferenceHash{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (l *RPCLedger) SubmitRaw(ctx context.Context, raw []byte) (solana.Signature, error) {
	maxRetries := uint(0)
	sig, err := call(ctx, l.rpc, func(c *rpc.Client) (solana.Signature, error) {
		return c.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
			PreflightCommitment: l.commitment,
			MaxRetries:          &maxRetries,
		})
	})
	if err != nil {
		return solana.Signature{}, errors.Wrap(err, "send transaction")
	}
	return sig, nil
}

func (l *RPCLedger) GetStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	out, err := call(ctx, l.rpc, func(c *rpc.Client) (*rpc.GetSignatureStatusesResult, error) {
		return c.GetSignatureStatuses(ctx, true, sig)
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrSignatureNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get signature status %s", sig)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return nil, ErrSignatureNotFound
	}
	st := out.Value[0]
	return &SignatureStatus{
		Slot: st.Slot,
		Confirmed: st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			st.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
		Err: st.Err,
	}, nil
}

func (l *RPCLedger) blockHeight(ctx context.Context) (uint64, error) {
	return call(ctx, l.rpc, func(c *rpc.Client) (uint64, error) {
		return c.GetBlockHeight(ctx, l.commitment)
	})
}

// Confirm polls signature status until confirmed or the block height moves
// past ref.LastValidBlockHeight. With a websocket confirmer the push
// notification usually wins the race.
func (l *RPCLedger) Confirm(ctx context.Context, sig solana.Signature, ref ReferenceHash) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pushed <-chan error
	if l.ws != nil {
		pushed = l.ws.Watch(ctx, sig, l.commitment)
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		st, err := l.GetStatus(ctx, sig)
		switch {
		case err == nil && st.Confirmed:
			if st.Err != nil {
				return &ExecutionError{Signature: sig.String(), Detail: st.Err}
			}
			return nil
		case err != nil && !errors.Is(err, ErrSignatureNotFound):
			log.Debug().Err(err).Str("signature", sig.String()).Msg("confirm poll failed")
		}

		height, err := l.blockHeight(ctx)
		if err == nil && ref.LastValidBlockHeight > 0 && height > ref.LastValidBlockHeight {
			return &ExpiredError{Signature: sig.String(), LastValidBlockHeight: ref.LastValidBlockHeight}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-pushed:
			if !ok {
				pushed = nil
				continue
			}
			if err != nil {
				var execErr *ExecutionError
				if errors.As(err, &execErr) {
					return err
				}
				log.Debug().Err(err).Str("signature", sig.String()).Msg("ws confirm failed, polling")
				pushed = nil
				continue
			}
			return nil
		case <-ticker.C:
		}
	}
}
