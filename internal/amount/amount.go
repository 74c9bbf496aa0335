// Package amount provides integer amount parsing and arithmetic guards.
//
// All monetary values in the engine are int64 units of the fleet currency
// (smallest denomination). Floating point and decimal strings never enter
// settlement math: independently computing peers must agree to the unit,
// and rounding disagreements are correctness bugs, not display issues.
package amount

import (
	"errors"
	"math"
	"strconv"
)

var (
	ErrInvalid  = errors.New("amount: invalid")
	ErrOverflow = errors.New("amount: overflow")
)

// Parse converts a base-10 string to a non-negative int64 unit count.
func Parse(s string) (int64, error) {
	if s == "" {
		return 0, ErrInvalid
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, ErrInvalid
	}
	return v, nil
}

// Format renders a unit count as a base-10 string.
func Format(v int64) string {
	return strconv.FormatInt(v, 10)
}

// Add returns a+b, or ErrOverflow if the sum does not fit in int64.
func Add(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, or ErrOverflow on underflow/overflow.
func Sub(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		if a >= 0 {
			return 0, ErrOverflow
		}
		return a - b, nil
	}
	return Add(a, -b)
}
