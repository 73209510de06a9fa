// Package models defines the domain types shared by the server layers:
// money, credit accounts and transactions, sessions, drive file nodes,
// conversion tasks and progress snapshots.
package models

import "math"

// Cents is a fixed-point currency amount in integer cents. All ledger math
// happens in this type so the conservation invariant
// (reserved == committed + refunded) holds exactly.
type Cents int64

// Dollars converts the amount to a floating-point dollar value for display
// and JSON responses. Never feed the result back into ledger arithmetic.
func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

// CentsFromDollars converts a dollar amount parsed at the HTTP boundary into
// cents, rounding to the nearest cent.
func CentsFromDollars(d float64) Cents {
	return Cents(math.Round(d * 100))
}
