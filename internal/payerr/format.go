package payerr

var copyByCode = map[string]string{
	CodeDuplicateTransaction:  "This payment was already sent to the network. Refresh the page and start a new payment; you will not be charged twice.",
	CodeUserRejected:          "You declined the request in your wallet. Approve it to complete the payment.",
	CodeInsufficientFunds:     "Your wallet balance is too low for this payment and its network fee. Add funds and try again.",
	CodeWalletNotConnected:    "Connect your wallet to continue.",
	CodeBlockhashExpired:      "The payment took too long to confirm. Please try again.",
	CodeRateLimited:           "The network is busy right now. Wait a moment and try again.",
	CodeSessionTimeout:        "This payment session expired. Start a new payment to place your image.",
	CodeSessionNotFound:       "We couldn't find this payment. Refresh the page and start again.",
	CodeCannotCancelConfirmed: "This payment has already been confirmed and can no longer be canceled.",
	CodeRecordWriteFailed:     "We couldn't save your payment. Please try again.",
	CodeInvalidRequest:        "Some payment details are missing or invalid.",
}

var copyByCategory = map[Category]string{
	UserRejection:   "You declined the request in your wallet. Approve it to complete the payment.",
	BalanceError:    "Your wallet balance is too low for this payment. Add funds and try again.",
	NetworkError:    "We couldn't reach the network. Check your connection and try again.",
	WalletError:     "Your wallet ran into a problem. Reconnect it and try again.",
	BlockchainError: "The network rejected the payment. Please try again in a moment.",
	TimeoutError:    "This payment session expired. Start a new payment to place your image.",
	UnknownError:    "Something went wrong with your payment. Please try again.",
}

// FormatForUser returns non-technical copy for any failure. Codes take
// precedence over categories so DUPLICATE_TRANSACTION never reads like a
// generic ledger error.
func FormatForUser(err error) string {
	if err == nil {
		return ""
	}
	pe := Classify(err)
	if msg, ok := copyByCode[pe.Code]; ok {
		return msg
	}
	if msg, ok := copyByCategory[pe.Category]; ok {
		return msg
	}
	return copyByCategory[UnknownError]
}
