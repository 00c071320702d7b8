// Package chaintest provides an in-memory Ledger for tests.
package chaintest

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"CanvasPay/internal/chain"
)

// Ledger records every call and lets tests script failures per step. Hooks
// receive the 1-based call count for that step; a nil return lets the
// default behaviour run.
type Ledger struct {
	mu sync.Mutex

	Balances      map[solana.PublicKey]uint64
	TokenBalances map[solana.PublicKey]map[solana.PublicKey]uint64
	Accounts      map[solana.PublicKey]bool
	Decimals      map[solana.PublicKey]uint8
	Statuses      map[solana.Signature]*chain.SignatureStatus

	BalanceErr   func(n int) error
	HashErr      func(n int) error
	SubmitErr    func(n int, sig solana.Signature) error
	ConfirmErr   func(n int, sig solana.Signature) error
	StatusErr    func(n int, sig solana.Signature) error
	ExecutionErr func(sig solana.Signature) interface{}

	hashes   int
	Submits  []solana.Signature
	Raw      [][]byte
	confirms int
	statuses int
	balances int
}

func NewLedger() *Ledger {
	return &Ledger{
		Balances:      make(map[solana.PublicKey]uint64),
		TokenBalances: make(map[solana.PublicKey]map[solana.PublicKey]uint64),
		Accounts:      make(map[solana.PublicKey]bool),
		Decimals:      make(map[solana.PublicKey]uint8),
		Statuses:      make(map[solana.Signature]*chain.SignatureStatus),
	}
}

func (l *Ledger) SetBalance(owner solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Balances[owner] = lamports
}

func (l *Ledger) SetTokenBalance(owner, mint solana.PublicKey, units uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.TokenBalances[owner] == nil {
		l.TokenBalances[owner] = make(map[solana.PublicKey]uint64)
	}
	l.TokenBalances[owner][mint] = units
}

// Land marks sig as executed on the ledger with the given execution error.
func (l *Ledger) Land(sig solana.Signature, execErr interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Statuses[sig] = &chain.SignatureStatus{Slot: 1, Confirmed: true, Err: execErr}
}

func (l *Ledger) SubmitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Submits)
}

func (l *Ledger) ConfirmCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirms
}

func (l *Ledger) StatusCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses
}

func (l *Ledger) GetBalance(_ context.Context, owner solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances++
	if l.BalanceErr != nil {
		if err := l.BalanceErr(l.balances); err != nil {
			return 0, err
		}
	}
	return l.Balances[owner], nil
}

func (l *Ledger) GetTokenBalance(_ context.Context, owner, mint solana.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.TokenBalances[owner][mint], nil
}

func (l *Ledger) AccountExists(_ context.Context, account solana.PublicKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Accounts[account], nil
}

func (l *Ledger) MintDecimals(_ context.Context, mint solana.PublicKey) (uint8, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.Decimals[mint]
	if !ok {
		return 0, chain.ErrAccountNotFound
	}
	return d, nil
}

func (l *Ledger) GetLatestReferenceHash(_ context.Context) (chain.ReferenceHash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashes++
	if l.HashErr != nil {
		if err := l.HashErr(l.hashes); err != nil {
			return chain.ReferenceHash{}, err
		}
	}
	var h solana.Hash
	h[0] = byte(l.hashes)
	h[1] = byte(l.hashes >> 8)
	return chain.ReferenceHash{Blockhash: h, LastValidBlockHeight: uint64(150 + l.hashes)}, nil
}

func (l *Ledger) SubmitRaw(_ context.Context, raw []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, err
	}
	sig := tx.Signatures[0]

	l.mu.Lock()
	defer l.mu.Unlock()
	l.Submits = append(l.Submits, sig)
	l.Raw = append(l.Raw, raw)
	if l.SubmitErr != nil {
		if err := l.SubmitErr(len(l.Submits), sig); err != nil {
			return solana.Signature{}, err
		}
	}
	var execErr interface{}
	if l.ExecutionErr != nil {
		execErr = l.ExecutionErr(sig)
	}
	l.Statuses[sig] = &chain.SignatureStatus{Slot: uint64(len(l.Submits)), Confirmed: true, Err: execErr}
	return sig, nil
}

func (l *Ledger) Confirm(_ context.Context, sig solana.Signature, _ chain.ReferenceHash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirms++
	if l.ConfirmErr != nil {
		if err := l.ConfirmErr(l.confirms, sig); err != nil {
			return err
		}
	}
	st, ok := l.Statuses[sig]
	if !ok {
		return &chain.ExpiredError{Signature: sig.String()}
	}
	if st.Err != nil {
		return &chain.ExecutionError{Signature: sig.String(), Detail: st.Err}
	}
	return nil
}

func (l *Ledger) GetStatus(_ context.Context, sig solana.Signature) (*chain.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses++
	if l.StatusErr != nil {
		if err := l.StatusErr(l.statuses, sig); err != nil {
			return nil, err
		}
	}
	st, ok := l.Statuses[sig]
	if !ok {
		return nil, chain.ErrSignatureNotFound
	}
	cp := *st
	return &cp, nil
}

var _ chain.Ledger = (*Ledger)(nil)
