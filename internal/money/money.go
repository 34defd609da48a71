package money

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money is an amount in US dollars stored as integer micro-dollars.
// One dollar is 1_000_000.
type Money int64

const (
	Micro  Money = 1
	Cent   Money = 10_000
	Dollar Money = 1_000_000
)

// FromDollars converts a float dollar amount, rounding to the nearest micro.
func FromDollars(v float64) Money {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return Money(math.Round(v * float64(Dollar)))
}

// Parse accepts "1.25", "$1.25" or "0.000123".
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return FromDollars(f), nil
}

func (m Money) Dollars() float64 { return float64(m) / float64(Dollar) }

// Scale multiplies by a fraction and rounds to the nearest micro.
func (m Money) Scale(f float64) Money {
	return Money(math.Round(float64(m) * f))
}

func (m Money) Sub(o Money) Money { return m - o }

// Floor0 returns m, or zero when m is negative.
func (m Money) Floor0() Money {
	if m < 0 {
		return 0
	}
	return m
}

// String renders two decimals for amounts of at least a cent, four below.
func (m Money) String() string {
	sign := ""
	v := m
	if v < 0 {
		sign = "-"
		v = -v
	}
	if v != 0 && v < Cent {
		return fmt.Sprintf("%s$%.4f", sign, v.Dollars())
	}
	return fmt.Sprintf("%s$%.2f", sign, v.Dollars())
}

// Percent returns m as a percentage of total (0 when total is not positive).
func (m Money) Percent(total Money) float64 {
	if total <= 0 {
		return 0
	}
	return float64(m) / float64(total) * 100
}
