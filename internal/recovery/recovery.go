// Package recovery resolves "already submitted" failures to the signature
// of the transfer that did land, when there is one.
package recovery

import (
	"context"
	"regexp"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pkg/errors"

	"CanvasPay/internal/chain"
	"CanvasPay/internal/logging"
	"CanvasPay/internal/payerr"
)

const (
	SourceCache  = "cache"
	SourceDetail = "failure_detail"
)

// Cache holds signatures produced in this process, newest last.
type Cache struct {
	mu   sync.Mutex
	sigs map[string][]string
}

func NewCache() *Cache {
	return &Cache{sigs: make(map[string][]string)}
}

func (c *Cache) Remember(paymentID, signature string) {
	if paymentID == "" || signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sigs[paymentID] {
		if s == signature {
			return
		}
	}
	c.sigs[paymentID] = append(c.sigs[paymentID], signature)
}

// Candidates returns cached signatures newest first.
func (c *Cache) Candidates(paymentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.sigs[paymentID]
	out := make([]string, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out
}

func (c *Cache) Forget(paymentID, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.sigs[paymentID]
	for i, s := range list {
		if s == signature {
			c.sigs[paymentID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.sigs[paymentID]) == 0 {
		delete(c.sigs, paymentID)
	}
}

func (c *Cache) Clear(paymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sigs, paymentID)
}

type Recovered struct {
	Signature          string
	VerifiedSuccessful bool
	Source             string
}

type Recoverer struct {
	Ledger chain.Ledger
	Cache  *Cache
}

// Recover returns nil when rawErr is not a duplicate submission or no
// candidate signature verifies. A returned value is always verified.
func (r *Recoverer) Recover(ctx context.Context, paymentID string, rawErr error) *Recovered {
	if pe := payerr.Classify(rawErr); pe == nil || pe.Code != payerr.CodeDuplicateTransaction {
		return nil
	}
	log := logging.FromContext(ctx)

	tried := map[string]bool{}
	if r.Cache != nil {
		for _, sig := range r.Cache.Candidates(paymentID) {
			tried[sig] = true
			if r.verify(ctx, paymentID, sig) {
				log.Info().Str("paymentId", paymentID).Str("signature", sig).Msg("duplicate resolved from cache")
				return &Recovered{Signature: sig, VerifiedSuccessful: true, Source: SourceCache}
			}
		}
	}
	for _, sig := range ExtractSignatures(rawErr) {
		if tried[sig] {
			continue
		}
		tried[sig] = true
		if r.verify(ctx, paymentID, sig) {
			log.Info().Str("paymentId", paymentID).Str("signature", sig).Msg("duplicate resolved from failure detail")
			return &Recovered{Signature: sig, VerifiedSuccessful: true, Source: SourceDetail}
		}
	}
	log.Warn().Str("paymentId", paymentID).Int("candidates", len(tried)).Msg("duplicate submission unresolved")
	return nil
}

func (r *Recoverer) verify(ctx context.Context, paymentID, sig string) bool {
	parsed, err := solana.SignatureFromBase58(sig)
	if err != nil {
		r.forget(paymentID, sig)
		return false
	}
	st, err := r.Ledger.GetStatus(ctx, parsed)
	switch {
	case err == nil && st.Err == nil:
		return true
	case err == nil, errors.Is(err, chain.ErrSignatureNotFound):
		r.forget(paymentID, sig)
		return false
	default:
		logging.FromContext(ctx).Debug().Err(err).Str("signature", sig).Msg("signature unverifiable")
		return false
	}
}

func (r *Recoverer) forget(paymentID, sig string) {
	if r.Cache != nil {
		r.Cache.Forget(paymentID, sig)
	}
}

var signaturePattern = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{64,88}`)

// ExtractSignatures finds base58 strings that decode to 64 bytes in the
// error text and any program log lines it carries.
func ExtractSignatures(err error) []string {
	if err == nil {
		return nil
	}
	lines := []string{err.Error()}
	var detailed payerr.Detailed
	if errors.As(err, &detailed) {
		lines = append(lines, detailed.FailureLogs()...)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		lines = append(lines, rpcErr.Message)
		lines = append(lines, payerr.LogsFromRPCData(rpcErr.Data)...)
	}

	seen := map[string]bool{}
	var out []string
	for _, line := range lines {
		for _, m := range signaturePattern.FindAllString(line, -1) {
			if seen[m] || len(base58.Decode(m)) != 64 {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
