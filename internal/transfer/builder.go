package transfer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/pkg/errors"

	"CanvasPay/internal/chain"
)

// NewNonce returns 16 random bytes, hex encoded.
func NewNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}
	return hex.EncodeToString(b[:]), nil
}

// Memo is the uniqueness marker carried by every attempt.
func Memo(paymentID string, attempt int, nonce string) string {
	return fmt.Sprintf("%s:%d:%s", paymentID, attempt, nonce)
}

// plan is everything needed to assemble one attempt's transaction.
type plan struct {
	payer     solana.PublicKey
	recipient solana.PublicKey
	mint      solana.PublicKey
	units     uint64
	decimals  uint8
	createATA bool
	memo      string
	unitPrice uint64
	blockhash solana.Hash
	sourceATA solana.PublicKey
	destATA   solana.PublicKey
}

func (p plan) native() bool {
	return p.mint.IsZero()
}

// tokenAccounts fills the associated token accounts and whether the
// recipient's one has to be created in this transaction.
func tokenAccounts(ctx context.Context, ledger chain.Ledger, p *plan) error {
	var err error
	p.sourceATA, _, err = solana.FindAssociatedTokenAddress(p.payer, p.mint)
	if err != nil {
		return errors.Wrap(err, "derive source token account")
	}
	p.destATA, _, err = solana.FindAssociatedTokenAddress(p.recipient, p.mint)
	if err != nil {
		return errors.Wrap(err, "derive recipient token account")
	}
	exists, err := ledger.AccountExists(ctx, p.destATA)
	if err != nil {
		return err
	}
	p.createATA = !exists
	return nil
}

func build(p plan) (*solana.Transaction, error) {
	b := solana.NewTransactionBuilder().SetFeePayer(p.payer).SetRecentBlockHash(p.blockhash)

	if p.unitPrice > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
			SetMicroLamports(p.unitPrice).
			ValidateAndBuild()
		if err != nil {
			return nil, errors.Wrap(err, "compute unit price instruction")
		}
		b.AddInstruction(ix)
	}

	// The memo program reads the instruction data as raw UTF-8, so it is
	// built directly rather than through the length-prefixing encoder.
	b.AddInstruction(solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.Meta(p.payer).SIGNER()},
		[]byte(p.memo),
	))

	if p.native() {
		b.AddInstruction(system.NewTransferInstruction(p.units, p.payer, p.recipient).Build())
		return b.Build()
	}

	if p.createATA {
		b.AddInstruction(associatedtokenaccount.NewCreateInstruction(p.payer, p.recipient, p.mint).Build())
	}
	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(p.units).
		SetDecimals(p.decimals).
		SetSourceAccount(p.sourceATA).
		SetMintAccount(p.mint).
		SetDestinationAccount(p.destATA).
		SetOwnerAccount(p.payer).
		ValidateAndBuild()
	if err != nil {
		return nil, errors.Wrap(err, "transfer checked instruction")
	}
	b.AddInstruction(transferIx)
	return b.Build()
}
