// Package pricing turns a user-facing amount into ledger base units for a
// configured instrument.
package pricing

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"CanvasPay/internal/models"
)

const NativeSymbol = "SOL"

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrTooPrecise        = errors.New("amount has more decimals than the instrument supports")
)

type Service struct {
	instruments map[string]models.Instrument
}

func NewService(instruments []models.Instrument) Service {
	m := make(map[string]models.Instrument, len(instruments))
	for _, in := range instruments {
		m[strings.ToUpper(in.Symbol)] = in
	}
	if _, ok := m[NativeSymbol]; !ok {
		m[NativeSymbol] = models.Instrument{Symbol: NativeSymbol, Decimals: 9}
	}
	return Service{instruments: m}
}

// Instrument resolves a symbol; empty means the native currency.
func (s Service) Instrument(symbol string) (models.Instrument, error) {
	if symbol == "" {
		symbol = NativeSymbol
	}
	in, ok := s.instruments[strings.ToUpper(symbol)]
	if !ok {
		return models.Instrument{}, errors.Wrap(ErrUnknownInstrument, symbol)
	}
	return in, nil
}

type Quote struct {
	Instrument models.Instrument
	Amount     decimal.Decimal
	BaseUnits  uint64
}

func (s Service) Quote(symbol string, amount decimal.Decimal) (Quote, error) {
	in, err := s.Instrument(symbol)
	if err != nil {
		return Quote{}, err
	}
	units, err := ToBaseUnits(amount, in.Decimals)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Instrument: in, Amount: amount, BaseUnits: units}, nil
}

// ToBaseUnits converts 1.5 SOL to 1500000000 lamports. Fractions below the
// smallest unit are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	if !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if !scaled.BigInt().IsUint64() {
		return 0, errors.Errorf("amount %s overflows base units", amount)
	}
	return scaled.BigInt().Uint64(), nil
}

func FromBaseUnits(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals)
}
