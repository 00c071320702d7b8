// Package chain talks to the ledger: balances, reference hashes, raw
// submission and confirmation. Everything above it sees the Ledger
// interface only.
package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

var (
	ErrSignatureNotFound = errors.New("signature not found on ledger")
	ErrAccountNotFound   = errors.New("account not found")
)

// ReferenceHash bounds a transfer's validity window.
type ReferenceHash struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

type SignatureStatus struct {
	Slot      uint64
	Confirmed bool
	// Err is the on-ledger execution error, nil when the transfer succeeded.
	Err interface{}
}

type Ledger interface {
	GetBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	// GetTokenBalance returns the owner's balance of mint in base units; a
	// missing token account is a zero balance.
	GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	GetLatestReferenceHash(ctx context.Context) (ReferenceHash, error)
	SubmitRaw(ctx context.Context, raw []byte) (solana.Signature, error)
	// Confirm blocks until sig is confirmed or ref's validity window has
	// passed. A confirmed transfer that failed on-ledger returns *ExecutionError.
	Confirm(ctx context.Context, sig solana.Signature, ref ReferenceHash) error
	// GetStatus returns ErrSignatureNotFound when the ledger has no record of sig.
	GetStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
}

// ExecutionError is a transfer that landed but failed on-ledger.
type ExecutionError struct {
	Signature string
	Detail    interface{}
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("transaction failed on ledger (%s): %v", e.Signature, e.Detail)
}

// ExpiredError is returned by Confirm when the block height passed the
// reference hash's last valid height without a confirmation.
type ExpiredError struct {
	Signature            string
	LastValidBlockHeight uint64
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("signature %s has expired: block height exceeded %d", e.Signature, e.LastValidBlockHeight)
}
