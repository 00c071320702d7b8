package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/payments"
)

type fakeOperator struct {
	views  map[string]*payments.StatusView
	resets []string
	closed bool
}

func (f *fakeOperator) GetStatus(_ context.Context, paymentID string) (*payments.StatusView, error) {
	v, ok := f.views[paymentID]
	if !ok {
		return nil, payerr.SessionNotFound(paymentID)
	}
	return v, nil
}

func (f *fakeOperator) ResetAfterDuplicate(_ context.Context, paymentID string) (*payments.InitResult, error) {
	v, ok := f.views[paymentID]
	if !ok || v.Status != models.StatusFailed {
		return nil, payerr.New(payerr.UnknownError, payerr.CodeInvalidTransition, false, "payment cannot be reset")
	}
	f.resets = append(f.resets, paymentID)
	id := int64(2)
	return &payments.InitResult{PaymentID: paymentID, Status: models.StatusInitialized, DurableRecordID: &id}, nil
}

func run(t *testing.T, op *fakeOperator, args ...string) (map[string]interface{}, error) {
	t.Helper()
	root := newRootCmd(func(context.Context, string) (operator, func(), error) {
		return op, func() { op.closed = true }, nil
	})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err != nil || out.Len() == 0 {
		return nil, err
	}
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	return body, nil
}

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		msg       string
		category  string
		code      string
		retryable bool
	}{
		{"Transaction simulation failed: This transaction has already been processed", "BLOCKCHAIN_ERROR", payerr.CodeDuplicateTransaction, false},
		{"User rejected the request.", "USER_REJECTION", payerr.CodeUserRejected, false},
		{"429 Too Many Requests", "NETWORK_ERROR", payerr.CodeRateLimited, true},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			body, err := run(t, &fakeOperator{}, "classify", tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.category, body["category"])
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, tt.retryable, body["retryable"])
			assert.NotEmpty(t, body["userCopy"])
		})
	}
}

func TestStatusCommand(t *testing.T) {
	op := &fakeOperator{views: map[string]*payments.StatusView{
		"pay_1": {PaymentID: "pay_1", Status: models.StatusConfirmed, Amount: decimal.RequireFromString("1.5"), Source: payments.SourceDurable},
	}}

	body, err := run(t, op, "status", "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.True(t, op.closed)

	_, err = run(t, op, "status", "pay_2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), payerr.CodeSessionNotFound)

	_, err = run(t, op, "status")
	assert.Error(t, err)
}

func TestResetCommand(t *testing.T) {
	op := &fakeOperator{views: map[string]*payments.StatusView{
		"pay_1": {PaymentID: "pay_1", Status: models.StatusFailed},
		"pay_2": {PaymentID: "pay_2", Status: models.StatusConfirmed},
	}}

	body, err := run(t, op, "--config", "configs/test.yaml", "reset", "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "INITIALIZED", body["status"])
	assert.EqualValues(t, 2, body["durableRecordId"])

	_, err = run(t, op, "reset", "pay_2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), payerr.CodeInvalidTransition)
	assert.Equal(t, []string{"pay_1"}, op.resets)
}
