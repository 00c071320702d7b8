package models

import (
	"time"

	"github.com/shopspring/decimal"

	"CanvasPay/internal/payerr"
)

type PaymentStatus string

const (
	StatusInitialized PaymentStatus = "INITIALIZED"
	StatusPending     PaymentStatus = "PENDING"
	StatusProcessing  PaymentStatus = "PROCESSING"
	StatusConfirmed   PaymentStatus = "CONFIRMED"
	StatusFailed      PaymentStatus = "FAILED"
	StatusTimeout     PaymentStatus = "TIMEOUT"
	StatusCanceled    PaymentStatus = "CANCELED"
)

// Instrument is what the payment is denominated in. An empty Mint means
// the ledger's native currency.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Mint     string `json:"mint,omitempty"`
	Decimals int32  `json:"decimals"`
}

func (i Instrument) IsNative() bool {
	return i.Mint == ""
}

type PaymentSession struct {
	PaymentID         string
	Status            PaymentStatus
	ResourceID        string
	Amount            decimal.Decimal
	Instrument        Instrument
	WalletAddress     string
	RecipientAddress  string
	DurableRecordID   *int64
	TransferSignature *string
	Attempts          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastError         *payerr.Error
	// ExpiresAt is when the armed timeout fires; used to re-arm after a restore.
	ExpiresAt time.Time
}

// Clone returns a deep copy safe to hand outside the session cache.
func (s *PaymentSession) Clone() *PaymentSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.DurableRecordID != nil {
		id := *s.DurableRecordID
		out.DurableRecordID = &id
	}
	if s.TransferSignature != nil {
		sig := *s.TransferSignature
		out.TransferSignature = &sig
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return &out
}

func (s *PaymentSession) Signature() string {
	if s == nil || s.TransferSignature == nil {
		return ""
	}
	return *s.TransferSignature
}

// RecordStatus is the durable enum. It is independent of PaymentStatus and
// only translated inside the store.
type RecordStatus string

const (
	RecordInitialized RecordStatus = "initialized"
	RecordPending     RecordStatus = "pending"
	RecordProcessing  RecordStatus = "processing"
	RecordConfirmed   RecordStatus = "confirmed"
	RecordFailed      RecordStatus = "failed"
	RecordTimeout     RecordStatus = "timeout"
	RecordCanceled    RecordStatus = "canceled"
)

func (s RecordStatus) IsTerminal() bool {
	switch s {
	case RecordConfirmed, RecordFailed, RecordTimeout, RecordCanceled:
		return true
	}
	return false
}

type TransactionRecord struct {
	ID                int64
	PaymentID         string
	ResourceID        string
	SenderAddress     string
	RecipientAddress  string
	Instrument        string
	Mint              *string
	Amount            string
	Status            RecordStatus
	TransferSignature *string
	RetryCount        int
	LedgerConfirmed   bool
	// FailureCategory and FailureCode keep the classification of a failed
	// record so an operator reset can be decided from the store alone.
	FailureCategory   string
	FailureCode       string
	SupersededBy      *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ResourceStatus string

const (
	ResourceAwaitingPayment   ResourceStatus = "awaiting_payment"
	ResourcePaymentProcessing ResourceStatus = "payment_processing"
	ResourcePaid              ResourceStatus = "paid"
	ResourcePaymentFailed     ResourceStatus = "payment_failed"
	ResourcePaymentTimeout    ResourceStatus = "payment_timeout"
	ResourcePaymentCanceled   ResourceStatus = "payment_canceled"
)
