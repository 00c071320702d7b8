// Package payerr holds the closed failure taxonomy shared by every payment
// component. Collaborator failures are converted to *Error at the point they
// are caught; callers above that boundary only branch on Category, Code and
// Retryable.
package payerr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Category string

const (
	UserRejection   Category = "USER_REJECTION"
	BalanceError    Category = "BALANCE_ERROR"
	NetworkError    Category = "NETWORK_ERROR"
	WalletError     Category = "WALLET_ERROR"
	BlockchainError Category = "BLOCKCHAIN_ERROR"
	TimeoutError    Category = "TIMEOUT_ERROR"
	UnknownError    Category = "UNKNOWN_ERROR"
)

// Sub-codes. Only DUPLICATE_TRANSACTION changes retry behaviour; the others
// refine the user copy and the logs.
const (
	CodeDuplicateTransaction  = "DUPLICATE_TRANSACTION"
	CodeUserRejected          = "USER_REJECTED"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeWalletNotConnected    = "WALLET_NOT_CONNECTED"
	CodeSigningFailed         = "SIGNING_FAILED"
	CodeBlockhashExpired      = "BLOCKHASH_EXPIRED"
	CodeExecutionFailed       = "EXECUTION_FAILED"
	CodeSimulationFailed      = "SIMULATION_FAILED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeRPCUnavailable        = "RPC_UNAVAILABLE"
	CodeRequestTimeout        = "REQUEST_TIMEOUT"
	CodeSessionTimeout        = "SESSION_TIMEOUT"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeCannotCancelConfirmed = "CANNOT_CANCEL_CONFIRMED"
	CodeRecordWriteFailed     = "RECORD_WRITE_FAILED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeCanceled              = "CANCELED"
)

// Error is a classified failure.
type Error struct {
	Category  Category `json:"category"`
	Code      string   `json:"code,omitempty"`
	Retryable bool     `json:"retryable"`
	Message   string   `json:"message"`
	Cause     error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on category and code so sentinel comparisons survive wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

func New(category Category, code string, retryable bool, message string) *Error {
	return &Error{Category: category, Code: code, Retryable: retryable, Message: message}
}

// Wrap classifies nothing: it attaches an explicit classification to err.
func Wrap(err error, category Category, code string, retryable bool) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Code: code, Retryable: retryable, Message: err.Error(), Cause: err}
}

// As extracts a classified error from anywhere in err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func IsDuplicate(err error) bool {
	pe, ok := As(err)
	return ok && pe.Code == CodeDuplicateTransaction
}

func IsUserRejection(err error) bool {
	pe, ok := As(err)
	return ok && pe.Category == UserRejection
}

func IsRetryable(err error) bool {
	pe, ok := As(err)
	if !ok {
		return Classify(err).Retryable
	}
	return pe.Retryable
}

func SessionNotFound(paymentID string) *Error {
	return New(UnknownError, CodeSessionNotFound, false, "payment session "+paymentID+" not found")
}

func SessionTimedOut(paymentID string) *Error {
	return New(TimeoutError, CodeSessionTimeout, false, "payment session "+paymentID+" timed out")
}

func WalletNotConnected() *Error {
	return New(WalletError, CodeWalletNotConnected, false, "no connected wallet")
}

func UnresolvedDuplicate(paymentID string, cause error) *Error {
	return &Error{
		Category:  BlockchainError,
		Code:      CodeDuplicateTransaction,
		Retryable: false,
		Message:   "transaction for payment " + paymentID + " was already submitted and could not be recovered",
		Cause:     cause,
	}
}
