package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/payments"
	"CanvasPay/internal/persistence"
)

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Initialize(ctx context.Context, amount decimal.Decimal, meta payments.Metadata) (*payments.InitResult, error) {
	args := m.Called(ctx, amount, meta)
	res, _ := args.Get(0).(*payments.InitResult)
	return res, args.Error(1)
}

func (m *mockPayments) Process(ctx context.Context, paymentID string) (*payments.ProcessResult, error) {
	args := m.Called(ctx, paymentID)
	res, _ := args.Get(0).(*payments.ProcessResult)
	return res, args.Error(1)
}

func (m *mockPayments) Cancel(ctx context.Context, paymentID string) (*payments.CancelResult, error) {
	args := m.Called(ctx, paymentID)
	res, _ := args.Get(0).(*payments.CancelResult)
	return res, args.Error(1)
}

func (m *mockPayments) GetStatus(ctx context.Context, paymentID string) (*payments.StatusView, error) {
	args := m.Called(ctx, paymentID)
	res, _ := args.Get(0).(*payments.StatusView)
	return res, args.Error(1)
}

func (m *mockPayments) Restore(ctx context.Context, snap persistence.Snapshot) (*payments.StatusView, error) {
	args := m.Called(ctx, snap)
	res, _ := args.Get(0).(*payments.StatusView)
	return res, args.Error(1)
}

func serve(t *testing.T, p Payments, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	srv := NewServer(NewHandler(p))
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestInitialize(t *testing.T) {
	p := new(mockPayments)
	id := int64(7)
	amount := mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(decimal.RequireFromString("1.5")) })
	p.On("Initialize", mock.Anything, amount, payments.Metadata{ResourceID: "42"}).
		Return(&payments.InitResult{PaymentID: "pay_1", Status: models.StatusInitialized, DurableRecordID: &id}, nil)

	rec, body := serve(t, p, http.MethodPost, "/payments", `{"amount":"1.5","resourceId":"42"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pay_1", body["paymentId"])
	assert.Equal(t, "INITIALIZED", body["status"])
	assert.EqualValues(t, 7, body["durableRecordId"])
	p.AssertExpectations(t)
}

func TestInitializeRejectsBadJSON(t *testing.T) {
	rec, body := serve(t, new(mockPayments), http.MethodPost, "/payments", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, payerr.CodeInvalidRequest, body["code"])
	assert.Equal(t, false, body["retryable"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		result     *payments.ProcessResult
		wantStatus int
		wantCode   string
		wantPay    string
	}{
		{
			name:       "insufficient balance",
			err:        payerr.New(payerr.BalanceError, payerr.CodeInsufficientFunds, false, "need 1.5"),
			result:     &payments.ProcessResult{PaymentID: "pay_1", Status: models.StatusFailed},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   payerr.CodeInsufficientFunds,
			wantPay:    "FAILED",
		},
		{
			name:       "user refused",
			err:        payerr.New(payerr.UserRejection, payerr.CodeUserRejected, false, "declined"),
			result:     &payments.ProcessResult{PaymentID: "pay_1", Status: models.StatusPending},
			wantStatus: http.StatusConflict,
			wantCode:   payerr.CodeUserRejected,
			wantPay:    "PENDING",
		},
		{
			name:       "unknown session",
			err:        payerr.SessionNotFound("pay_1"),
			wantStatus: http.StatusNotFound,
			wantCode:   payerr.CodeSessionNotFound,
		},
		{
			name:       "unclassified error",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := new(mockPayments)
			p.On("Process", mock.Anything, "pay_1").Return(tt.result, tt.err)

			rec, body := serve(t, p, http.MethodPost, "/payments/pay_1/process", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["code"])
			}
			assert.Equal(t, payerr.FormatForUser(tt.err), body["message"])
			if tt.wantPay != "" {
				assert.Equal(t, tt.wantPay, body["status"])
			} else {
				assert.NotContains(t, body, "status")
			}
		})
	}
}

func TestProcessConfirmed(t *testing.T) {
	p := new(mockPayments)
	p.On("Process", mock.Anything, "pay_1").
		Return(&payments.ProcessResult{PaymentID: "pay_1", Status: models.StatusConfirmed, TransferSignature: "sig"}, nil)

	rec, body := serve(t, p, http.MethodPost, "/payments/pay_1/process", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, "sig", body["transferSignature"])
}

func TestCancelConfirmedConflicts(t *testing.T) {
	p := new(mockPayments)
	p.On("Cancel", mock.Anything, "pay_1").Return(
		&payments.CancelResult{PaymentID: "pay_1", Status: models.StatusConfirmed},
		payerr.New(payerr.UnknownError, payerr.CodeCannotCancelConfirmed, false, "confirmed"))

	rec, body := serve(t, p, http.MethodPost, "/payments/pay_1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, payerr.CodeCannotCancelConfirmed, body["code"])
	assert.Equal(t, "CONFIRMED", body["status"])
}

func TestGetStatus(t *testing.T) {
	p := new(mockPayments)
	expires := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	p.On("GetStatus", mock.Anything, "pay_1").Return(&payments.StatusView{
		PaymentID:  "pay_1",
		Status:     models.StatusPending,
		ResourceID: "42",
		Amount:     decimal.RequireFromString("1.5"),
		Instrument: "SOL",
		Attempts:   1,
		ExpiresAt:  &expires,
		Error:      payerr.New(payerr.UserRejection, payerr.CodeUserRejected, false, "wallet bridge: user rejected"),
		Source:     payments.SourceCache,
	}, nil)

	rec, body := serve(t, p, http.MethodGet, "/payments/pay_1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.5", body["amount"])
	assert.Equal(t, "2026-03-01T12:03:00Z", body["expiresAt"])
	assert.Equal(t, "cache", body["source"])
	errBody, ok := body["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "USER_REJECTION", errBody["category"])
	assert.NotContains(t, errBody["message"], "wallet bridge")
}

func TestRestore(t *testing.T) {
	p := new(mockPayments)
	snap := persistence.Snapshot{"paymentId": "pay_1", "status": "PENDING"}
	p.On("Restore", mock.Anything, snap).Return(&payments.StatusView{
		PaymentID: "pay_1",
		Status:    models.StatusPending,
		Amount:    decimal.RequireFromString("2"),
		Source:    payments.SourceMirror,
	}, nil)

	rec, body := serve(t, p, http.MethodPost, "/payments/restore", `{"paymentId":"pay_1","status":"PENDING"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mirror", body["source"])

	rec, _ = serve(t, p, http.MethodPost, "/payments/restore", `{"paymentId":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p.AssertNumberOfCalls(t, "Restore", 1)
}

func TestHealth(t *testing.T) {
	rec, body := serve(t, new(mockPayments), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
