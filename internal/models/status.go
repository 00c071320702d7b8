package models

import "CanvasPay/internal/payerr"

func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	}
	return false
}

func (s PaymentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists every forward move. PROCESSING -> PENDING is the
// refusal fallback. Terminal statuses have no entries; leaving one goes
// through CanReset.
var transitions = map[PaymentStatus][]PaymentStatus{
	StatusInitialized: {StatusProcessing, StatusTimeout, StatusCanceled},
	StatusPending:     {StatusProcessing, StatusTimeout, StatusCanceled},
	StatusProcessing:  {StatusConfirmed, StatusPending, StatusFailed, StatusTimeout, StatusCanceled},
	StatusConfirmed:   nil,
	StatusFailed:      nil,
	StatusTimeout:     nil,
	StatusCanceled:    nil,
}

func CanTransition(from, to PaymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanReset reports whether the administrative reset may move a session
// back to INITIALIZED. Only a failure caused by an unresolved duplicate
// submission qualifies.
func CanReset(s *PaymentSession) bool {
	return s != nil && s.Status == StatusFailed && s.LastError != nil &&
		s.LastError.Code == payerr.CodeDuplicateTransaction
}

// ActiveStatuses are the statuses a timeout or cancel may leave.
func ActiveStatuses() []PaymentStatus {
	return []PaymentStatus{StatusInitialized, StatusPending, StatusProcessing}
}

func ResourceStatusFor(s PaymentStatus) (ResourceStatus, bool) {
	switch s {
	case StatusInitialized, StatusPending:
		return ResourceAwaitingPayment, true
	case StatusProcessing:
		return ResourcePaymentProcessing, true
	case StatusConfirmed:
		return ResourcePaid, true
	case StatusFailed:
		return ResourcePaymentFailed, true
	case StatusTimeout:
		return ResourcePaymentTimeout, true
	case StatusCanceled:
		return ResourcePaymentCanceled, true
	}
	return "", false
}
