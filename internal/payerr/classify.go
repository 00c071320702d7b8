package payerr

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pkg/errors"
)

// Detailed is implemented by collaborator errors that carry structured
// failure detail (an RPC error code and program log lines).
type Detailed interface {
	FailureCode() int
	FailureLogs() []string
}

// failure is the normalised view a rule matches against.
type failure struct {
	msg      string
	rpcCode  int
	logs     []string
	netError bool
}

type rule struct {
	name      string
	category  Category
	code      string
	retryable bool
	match     func(f failure) bool
}

// Wallet provider codes (EIP-1193 style, reused by most wallet bridges).
const (
	walletCodeUserRejected = 4001
	walletCodeUnauthorized = 4100
	walletCodeDisconnected = 4900
)

// Solana JSON-RPC server error codes.
const (
	rpcCodePreflightFailure    = -32002
	rpcCodeSignatureFailure    = -32003
	rpcCodeNodeUnhealthy       = -32005
	rpcCodeSlotSkipped         = -32007
	rpcCodeMinContextSlot      = -32016
	rpcCodeRateLimitedProvider = 429
)

var (
	insufficientTokenFunds = regexp.MustCompile(`custom program error: 0x1(\b|$)`)
	httpTooManyRequests    = regexp.MustCompile(`\b429\b`)
	unexpectedEOF          = regexp.MustCompile(`\beof\b`)
	// base58Run is an address, signature or blockhash quoted in a message.
	// Lowercased, such a run can spell any keyword, so it is blanked out
	// before matching.
	base58Run = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]{32,88}`)
)

// rules is evaluated top to bottom; the first match wins. Order matters:
// a refusal message may mention the wallet, and a duplicate-submission
// failure is reported through the same preflight path as other ledger errors.
var rules = []rule{
	{
		name:     "user rejected",
		category: UserRejection, code: CodeUserRejected, retryable: false,
		match: func(f failure) bool {
			return f.rpcCode == walletCodeUserRejected || containsAny(f.msg,
				"user rejected", "user denied", "rejected the request", "request rejected",
				"user canceled", "user cancelled", "user declined", "signature declined",
				"transaction cancelled", "transaction canceled by user")
		},
	},
	{
		name:     "duplicate submission",
		category: BlockchainError, code: CodeDuplicateTransaction, retryable: false,
		match: func(f failure) bool {
			return containsAny(f.msg,
				"already been processed", "already processed", "alreadyprocessed",
				"duplicate transaction", "transaction already submitted", "duplicate signature") ||
				logsContain(f.logs, "already been processed", "alreadyprocessed")
		},
	},
	{
		name:     "insufficient funds",
		category: BalanceError, code: CodeInsufficientFunds, retryable: false,
		match: func(f failure) bool {
			return containsAny(f.msg,
				"insufficient funds", "insufficient lamports", "insufficient balance",
				"insufficientfundsforfee", "insufficientfundsforrent",
				"found no record of a prior credit") ||
				insufficientTokenFunds.MatchString(f.msg) ||
				logsContain(f.logs, "insufficient funds", "insufficient lamports")
		},
	},
	{
		name:     "blockhash expired",
		category: BlockchainError, code: CodeBlockhashExpired, retryable: true,
		match: func(f failure) bool {
			return f.rpcCode == rpcCodePreflightFailure && containsAny(f.msg, "blockhash") ||
				containsAny(f.msg, "blockhash not found", "block height exceeded",
					"blockheightexceeded", "blockhash expired", "has expired")
		},
	},
	{
		name:     "wallet",
		category: WalletError, code: CodeSigningFailed, retryable: true,
		match: func(f failure) bool {
			return f.rpcCode == walletCodeUnauthorized || f.rpcCode == walletCodeDisconnected ||
				containsAny(f.msg, "wallet", "signer", "signing failed", "failed to sign")
		},
	},
	{
		name:     "rate limited",
		category: NetworkError, code: CodeRateLimited, retryable: true,
		match: func(f failure) bool {
			return f.rpcCode == rpcCodeRateLimitedProvider ||
				httpTooManyRequests.MatchString(f.msg) ||
				containsAny(f.msg, "too many requests", "rate limit")
		},
	},
	{
		name:     "network",
		category: NetworkError, code: CodeRPCUnavailable, retryable: true,
		match: func(f failure) bool {
			return f.netError ||
				f.rpcCode == rpcCodeNodeUnhealthy || f.rpcCode == rpcCodeSlotSkipped ||
				f.rpcCode == rpcCodeMinContextSlot ||
				unexpectedEOF.MatchString(f.msg) ||
				containsAny(f.msg,
					"timeout", "timed out", "deadline exceeded", "connection refused",
					"connection reset", "broken pipe", "no such host", "network",
					"failed to fetch", "service unavailable", "bad gateway", "gateway timeout",
					"rpc http status 5", "node is unhealthy", "node is behind")
		},
	},
	{
		name:     "ledger",
		category: BlockchainError, code: CodeExecutionFailed, retryable: true,
		match: func(f failure) bool {
			return f.rpcCode == rpcCodeSignatureFailure || f.rpcCode == rpcCodePreflightFailure ||
				containsAny(f.msg,
					"simulation failed", "instruction error", "instructionerror",
					"custom program error", "program failed", "transaction failed",
					"execution error", "invalid account data", "account not found")
		},
	},
}

// Classify maps any failure to the taxonomy. It never returns nil for a
// non-nil input; an already classified error is returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Category: UnknownError, Code: CodeCanceled, Retryable: false, Message: err.Error(), Cause: err}
	}

	f := describe(err)
	for _, r := range rules {
		if r.match(f) {
			return &Error{Category: r.category, Code: r.code, Retryable: r.retryable, Message: err.Error(), Cause: err}
		}
	}
	return &Error{Category: UnknownError, Retryable: true, Message: err.Error(), Cause: err}
}

func describe(err error) failure {
	f := failure{msg: normalize(err.Error())}

	var detailed Detailed
	if errors.As(err, &detailed) {
		f.rpcCode = detailed.FailureCode()
		f.logs = normalizeAll(detailed.FailureLogs())
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		f.rpcCode = rpcErr.Code
		f.msg = f.msg + " " + normalize(rpcErr.Message)
		f.logs = append(f.logs, normalizeAll(LogsFromRPCData(rpcErr.Data))...)
		if s := nestedErrString(rpcErr.Data); s != "" {
			f.msg = f.msg + " " + normalize(s)
		}
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Code == rpcCodeRateLimitedProvider:
			f.rpcCode = httpErr.Code
		case httpErr.Code >= 500:
			f.netError = true
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		f.netError = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		f.netError = true
	}
	return f
}

// LogsFromRPCData pulls program log lines out of a preflight failure's data
// object ({"err": ..., "logs": [...]}).
func LogsFromRPCData(data interface{}) []string {
	m, ok := data.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := m["logs"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func nestedErrString(data interface{}) string {
	m, ok := data.(map[string]interface{})
	if !ok {
		return ""
	}
	switch v := m["err"].(type) {
	case string:
		return v
	case map[string]interface{}:
		for k := range v {
			return k
		}
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func logsContain(logs []string, subs ...string) bool {
	for _, l := range logs {
		if containsAny(l, subs...) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(base58Run.ReplaceAllString(s, " "))
}

func normalizeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = normalize(s)
	}
	return out
}
