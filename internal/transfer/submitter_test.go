package transfer

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/chain"
	"CanvasPay/internal/chain/chaintest"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/wallet"
)

var sol = models.Instrument{Symbol: "SOL", Decimals: 9}

type scriptedWallet struct {
	*wallet.Keypair
	refuse bool
	mu     sync.Mutex
	signs  int
}

func (w *scriptedWallet) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	w.mu.Lock()
	w.signs++
	w.mu.Unlock()
	if w.refuse {
		return nil, errors.Wrap(wallet.ErrUserRejected, "phantom")
	}
	return w.Keypair.Sign(ctx, tx)
}

type memCache struct {
	mu   sync.Mutex
	sigs map[string][]string
}

func (c *memCache) Remember(paymentID, sig string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigs == nil {
		c.sigs = map[string][]string{}
	}
	c.sigs[paymentID] = append(c.sigs[paymentID], sig)
}

type fixture struct {
	ledger    *chaintest.Ledger
	wallet    *scriptedWallet
	cache     *memCache
	sub       *Submitter
	recipient solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := &scriptedWallet{Keypair: wallet.NewKeypairFromKey(solana.NewWallet().PrivateKey)}
	l := chaintest.NewLedger()
	c := &memCache{}
	return &fixture{
		ledger:    l,
		wallet:    w,
		cache:     c,
		sub:       &Submitter{Ledger: l, Wallet: w, Signatures: c, ComputeUnitPrice: 1000},
		recipient: solana.NewWallet().PublicKey(),
	}
}

func (f *fixture) request(amount string) Request {
	return Request{
		PaymentID:  "pay_test",
		Attempt:    1,
		Amount:     decimal.RequireFromString(amount),
		Instrument: sol,
		Recipient:  f.recipient.String(),
	}
}

func programs(t *testing.T, raw []byte) (*solana.Transaction, []solana.PublicKey) {
	t.Helper()
	tx, err := solana.TransactionFromBytes(raw)
	require.NoError(t, err)
	var out []solana.PublicKey
	for _, ix := range tx.Message.Instructions {
		out = append(out, tx.Message.AccountKeys[ix.ProgramIDIndex])
	}
	return tx, out
}

func TestSubmitNativeSuccess(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 2_000_000_000)

	res, err := f.sub.Submit(context.Background(), f.request("1.5"))
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	require.Equal(t, 1, f.ledger.SubmitCount())
	assert.Equal(t, f.ledger.Submits[0].String(), res.Signature)
	assert.Equal(t, []string{res.Signature}, f.cache.sigs["pay_test"])

	tx, progs := programs(t, f.ledger.Raw[0])
	assert.Equal(t, []solana.PublicKey{solana.ComputeBudget, solana.MemoProgramID, solana.SystemProgramID}, progs)
	memo := string(tx.Message.Instructions[1].Data)
	assert.True(t, strings.HasPrefix(memo, "pay_test:1:"))
	assert.Len(t, strings.TrimPrefix(memo, "pay_test:1:"), 32)
	assert.NoError(t, tx.VerifySignatures())
	assert.Equal(t, 2, f.wallet.signs, "re-signed after attaching the latest blockhash")
}

func TestSubmitNoncesDifferPerAttempt(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 10_000_000_000)

	_, err := f.sub.Submit(context.Background(), f.request("1"))
	require.NoError(t, err)
	_, err = f.sub.Submit(context.Background(), f.request("1"))
	require.NoError(t, err)

	a, _ := programs(t, f.ledger.Raw[0])
	b, _ := programs(t, f.ledger.Raw[1])
	assert.NotEqual(t, a.Message.Instructions[1].Data, b.Message.Instructions[1].Data)
	assert.False(t, f.ledger.Submits[0].Equals(f.ledger.Submits[1]))
}

func TestSubmitInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 1_000_000_000)

	_, err := f.sub.Submit(context.Background(), f.request("1.5"))
	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.BalanceError, pe.Category)
	assert.False(t, pe.Retryable)
	assert.Zero(t, f.ledger.SubmitCount())
	assert.Zero(t, f.wallet.signs)
}

func TestSubmitUserRefusal(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 2_000_000_000)
	f.wallet.refuse = true

	_, err := f.sub.Submit(context.Background(), f.request("1.5"))
	assert.True(t, payerr.IsUserRejection(err))
	assert.Zero(t, f.ledger.SubmitCount())
}

func TestSubmitWalletDisconnected(t *testing.T) {
	f := newFixture(t)
	f.sub.Wallet = nil

	_, err := f.sub.Submit(context.Background(), f.request("1"))
	pe, _ := payerr.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, payerr.WalletError, pe.Category)
	assert.False(t, pe.Retryable)
}

func TestSubmitConfirmFailsButTransferExecuted(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 2_000_000_000)
	f.ledger.ConfirmErr = func(int, solana.Signature) error { return errors.New("confirm: connection reset by peer") }

	res, err := f.sub.Submit(context.Background(), f.request("1.5"))
	require.NoError(t, err)
	assert.Equal(t, f.ledger.Submits[0].String(), res.Signature)
	assert.Equal(t, 1, f.ledger.StatusCount())
}

func TestSubmitConfirmFailsAndTransferMissing(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 2_000_000_000)
	f.ledger.ConfirmErr = func(int, solana.Signature) error {
		return &chain.ExpiredError{Signature: "x", LastValidBlockHeight: 151}
	}
	f.ledger.StatusErr = func(int, solana.Signature) error { return chain.ErrSignatureNotFound }

	_, err := f.sub.Submit(context.Background(), f.request("1.5"))
	pe, _ := payerr.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, payerr.CodeBlockhashExpired, pe.Code)
	assert.True(t, pe.Retryable)
}

func TestSubmitExecutionFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 2_000_000_000)
	f.ledger.ExecutionErr = func(solana.Signature) interface{} {
		return map[string]interface{}{"InstructionError": []interface{}{2, "InvalidAccountData"}}
	}

	_, err := f.sub.Submit(context.Background(), f.request("1.5"))
	pe, _ := payerr.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, payerr.BlockchainError, pe.Category)
	assert.Zero(t, f.ledger.StatusCount())
}

func TestSubmitDuplicateIsClassified(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance(f.wallet.Address(), 2_000_000_000)
	f.ledger.SubmitErr = func(int, solana.Signature) error {
		return errors.New("Transaction simulation failed: This transaction has already been processed")
	}

	_, err := f.sub.Submit(context.Background(), f.request("1.5"))
	assert.True(t, payerr.IsDuplicate(err))
	assert.Len(t, f.cache.sigs["pay_test"], 1, "signature cached before submission")
}

func TestSubmitTokenCreatesRecipientAccount(t *testing.T) {
	f := newFixture(t)
	mint := solana.NewWallet().PublicKey()
	f.ledger.Decimals[mint] = 6
	f.ledger.SetBalance(f.wallet.Address(), 5_000_000)
	f.ledger.SetTokenBalance(f.wallet.Address(), mint, 10_000_000)

	req := f.request("2.5")
	req.Instrument = models.Instrument{Symbol: "USDC", Mint: mint.String(), Decimals: 6}

	_, err := f.sub.Submit(context.Background(), req)
	require.NoError(t, err)

	_, progs := programs(t, f.ledger.Raw[0])
	assert.Equal(t, []solana.PublicKey{
		solana.ComputeBudget, solana.MemoProgramID, solana.SPLAssociatedTokenAccountProgramID, solana.TokenProgramID,
	}, progs)
}

func TestSubmitTokenInsufficient(t *testing.T) {
	f := newFixture(t)
	mint := solana.NewWallet().PublicKey()
	f.ledger.Decimals[mint] = 6
	f.ledger.SetBalance(f.wallet.Address(), 5_000_000)
	f.ledger.SetTokenBalance(f.wallet.Address(), mint, 1_000_000)

	req := f.request("2.5")
	req.Instrument = models.Instrument{Symbol: "USDC", Mint: mint.String(), Decimals: 6}

	_, err := f.sub.Submit(context.Background(), req)
	pe, _ := payerr.As(err)
	require.NotNil(t, pe)
	assert.Equal(t, payerr.BalanceError, pe.Category)
	assert.Zero(t, f.ledger.SubmitCount())
}
