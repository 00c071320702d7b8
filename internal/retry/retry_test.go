package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/payerr"
)

func recordSleeps(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDoShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"user rejection", errors.New("User rejected the request")},
		{"balance", errors.New("insufficient lamports")},
		{"duplicate", errors.New("This transaction has already been processed")},
		{"explicit non-retryable", payerr.New(payerr.WalletError, payerr.CodeWalletNotConnected, false, "gone")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			var delays []time.Duration
			_, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: recordSleeps(&delays)},
				func(context.Context, int) (string, error) {
					calls++
					return "", tt.err
				})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Empty(t, delays)
		})
	}
}

func TestDoBacksOffExponentially(t *testing.T) {
	var delays []time.Duration
	calls := 0
	v, err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Sleep: recordSleeps(&delays)},
		func(_ context.Context, attempt int) (int, error) {
			calls++
			if attempt < 2 {
				return 0, errors.New("connection refused")
			}
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestDoExhaustionReturnsLastClassification(t *testing.T) {
	var delays []time.Duration
	var retried []int
	_, err := Do(context.Background(), Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Sleep:       recordSleeps(&delays),
		OnRetry:     func(attempt int, _ *payerr.Error, _ time.Duration) { retried = append(retried, attempt) },
	}, func(_ context.Context, attempt int) (struct{}, error) {
		if attempt == 0 {
			return struct{}{}, errors.New("rpc http status 503")
		}
		return struct{}{}, errors.New("rpc http status 429")
	})

	pe, ok := payerr.As(err)
	require.True(t, ok)
	assert.Equal(t, payerr.CodeRateLimited, pe.Code)
	assert.Equal(t, []int{0}, retried)
	assert.Len(t, delays, 1)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour}, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, errors.New("connection reset by peer")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, payerr.NetworkError, payerr.Classify(err).Category)
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
}
