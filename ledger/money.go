package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - 2 decimal places, half away from zero
// =============================================================================

// MoneyPlaces is the number of decimal places stored for every amount.
const MoneyPlaces = 2

// RoundMoney rounds half away from zero: 1.005 -> 1.01, -1.005 -> -1.01.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// FormatMoney is the canonical persisted form ("1234.50").
func FormatMoney(d decimal.Decimal) string {
	return RoundMoney(d).StringFixed(MoneyPlaces)
}

// ParseMoney accepts any decimal string; empty means zero.
func ParseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustMoney parses s and panics on malformed input. Intended for fixtures.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// TOTALS - Invoice amount fields derived from line items
// =============================================================================

// Totals holds the four denormalized invoice amounts.
// Total == Actual + Adjustments always holds for values built by SumLineItems.
type Totals struct {
	Booked      decimal.Decimal
	Actual      decimal.Decimal
	Adjustments decimal.Decimal
	Total       decimal.Decimal
}

// SumLineItems sums each field across items, rounding every sum to 2
// places before deriving Total from the rounded parts.
func SumLineItems(items []*LineItem) Totals {
	booked, actual, adjustments := decimal.Zero, decimal.Zero, decimal.Zero
	for _, item := range items {
		booked = booked.Add(item.BookedAmount)
		actual = actual.Add(item.ActualAmount)
		adjustments = adjustments.Add(item.Adjustments)
	}
	t := Totals{
		Booked:      RoundMoney(booked),
		Actual:      RoundMoney(actual),
		Adjustments: RoundMoney(adjustments),
	}
	t.Total = t.Actual.Add(t.Adjustments)
	return t
}

// Equal compares all four amounts numerically.
func (t Totals) Equal(o Totals) bool {
	return t.Booked.Equal(o.Booked) &&
		t.Actual.Equal(o.Actual) &&
		t.Adjustments.Equal(o.Adjustments) &&
		t.Total.Equal(o.Total)
}
