package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CanvasPay/internal/models"
)

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     uint64
		err      error
	}{
		{"1.5", 9, 1_500_000_000, nil},
		{"0.000000001", 9, 1, nil},
		{"2", 6, 2_000_000, nil},
		{"0.0000001", 6, 0, ErrTooPrecise},
		{"0", 9, 0, ErrInvalidAmount},
		{"-1", 9, 0, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	assert.True(t, decimal.RequireFromString("1.5").Equal(FromBaseUnits(1_500_000_000, 9)))
}

func TestQuote(t *testing.T) {
	s := NewService([]models.Instrument{{Symbol: "usdc", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6}})

	q, err := s.Quote("USDC", decimal.RequireFromString("3.25"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3_250_000), q.BaseUnits)
	assert.False(t, q.Instrument.IsNative())

	native, err := s.Quote("", decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.True(t, native.Instrument.IsNative())

	_, err = s.Quote("DOGE", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}
