// Package wallet is the signing identity a payment is made from.
package wallet

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"

	"CanvasPay/internal/payerr"
)

// ErrUserRejected is returned by Sign when the holder declines.
var ErrUserRejected = payerr.New(payerr.UserRejection, payerr.CodeUserRejected, false, "user rejected the request")

type Wallet interface {
	Address() solana.PublicKey
	IsConnected() bool
	// Sign returns tx signed by Address. It may return a new transaction
	// value; callers must use the returned one.
	Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// Keypair signs locally with an Ed25519 private key.
type Keypair struct {
	key solana.PrivateKey
}

func NewKeypair(privateKeyBase58 string) (*Keypair, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return &Keypair{key: key}, nil
}

func NewKeypairFromKey(key solana.PrivateKey) *Keypair {
	return &Keypair{key: key}
}

func (k *Keypair) Address() solana.PublicKey {
	return k.key.PublicKey()
}

func (k *Keypair) IsConnected() bool {
	return len(k.key) > 0
}

func (k *Keypair) Sign(_ context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	owner := k.key.PublicKey()
	_, err := tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(owner) {
			return &k.key
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "signing failed")
	}
	return tx, nil
}
