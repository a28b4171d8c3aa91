/*
Package core provides the shared value types for the leave ledger:
quantities, identifiers, and the error taxonomy used across components.

KEY CONCEPTS IN THIS FILE (quantity.go):
  - Quantity: A signed amount with a unit (e.g., 5 days, 2.5 hours)
  - Unit: Days or hours; benefits are configured with exactly one

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal throughout, never float64 arithmetic
  2. Signedness: ledger deltas are signed; credits positive, charges negative
  3. Unit safety: mixing units is a programming error, not a rounding bug
*/
package core

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY - Signed amount with a unit
// =============================================================================

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

// Quantity is a signed amount of a benefit, always carried as a decimal.
type Quantity struct {
	Value decimal.Decimal
	Unit  Unit
}

func NewQuantity(value float64, unit Unit) Quantity {
	return Quantity{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewQuantityFromInt(value int, unit Unit) Quantity {
	return Quantity{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func NewQuantityFromDecimal(value decimal.Decimal, unit Unit) Quantity {
	return Quantity{Value: value, Unit: unit}
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (q Quantity) Zero() Quantity                 { return Quantity{Value: decimal.Zero, Unit: q.Unit} }
func (q Quantity) Add(o Quantity) Quantity        { return Quantity{Value: q.Value.Add(o.Value), Unit: q.Unit} }
func (q Quantity) Sub(o Quantity) Quantity        { return Quantity{Value: q.Value.Sub(o.Value), Unit: q.Unit} }
func (q Quantity) Mul(s decimal.Decimal) Quantity { return Quantity{Value: q.Value.Mul(s), Unit: q.Unit} }
func (q Quantity) Neg() Quantity                  { return Quantity{Value: q.Value.Neg(), Unit: q.Unit} }
func (q Quantity) IsZero() bool                   { return q.Value.IsZero() }
func (q Quantity) IsNegative() bool               { return q.Value.IsNegative() }
func (q Quantity) IsPositive() bool               { return q.Value.IsPositive() }
func (q Quantity) GreaterThan(o Quantity) bool    { return q.Value.GreaterThan(o.Value) }
func (q Quantity) LessThan(o Quantity) bool       { return q.Value.LessThan(o.Value) }
func (q Quantity) Equal(o Quantity) bool          { return q.Unit == o.Unit && q.Value.Equal(o.Value) }

func (q Quantity) Min(o Quantity) Quantity {
	if q.LessThan(o) {
		return q
	}
	return o
}

func (q Quantity) Max(o Quantity) Quantity {
	if q.GreaterThan(o) {
		return q
	}
	return o
}

func (q Quantity) String() string { return q.Value.String() + " " + string(q.Unit) }
