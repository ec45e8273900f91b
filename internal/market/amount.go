package market

import (
	"fmt"
	"math/big"
	"strings"
)

var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Amount is a backend-neutral reward/fee value. Backends construct it from
// their native encoding (integer units on AO, wei on Story) at the boundary
// so nothing downstream ever branches on backend type to pick a multiplier.
type Amount struct {
	rat *big.Rat
}

// AmountFromUnits builds an Amount from whole integer units.
func AmountFromUnits(units int64) Amount {
	return Amount{rat: new(big.Rat).SetInt64(units)}
}

// AmountFromWei builds an Amount from a fixed-point wei value (1e18 per unit).
func AmountFromWei(wei *big.Int) Amount {
	if wei == nil {
		return Amount{}
	}
	return Amount{rat: new(big.Rat).SetFrac(new(big.Int).Set(wei), weiPerToken)}
}

// ParseAmount parses a decimal string such as "0.1" or "100".
func ParseAmount(s string) (Amount, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	return Amount{rat: rat}, nil
}

// IsZero reports whether the amount is unset or exactly zero.
func (a Amount) IsZero() bool {
	return a.rat == nil || a.rat.Sign() == 0
}

// Units returns the amount rounded down to whole integer units.
func (a Amount) Units() int64 {
	if a.rat == nil {
		return 0
	}
	return new(big.Int).Quo(a.rat.Num(), a.rat.Denom()).Int64()
}

// Wei returns the amount scaled to wei, truncated.
func (a Amount) Wei() *big.Int {
	if a.rat == nil {
		return new(big.Int)
	}
	scaled := new(big.Rat).Mul(a.rat, new(big.Rat).SetInt(weiPerToken))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// Cmp compares two amounts, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	ar, br := a.rat, b.rat
	if ar == nil {
		ar = new(big.Rat)
	}
	if br == nil {
		br = new(big.Rat)
	}
	return ar.Cmp(br)
}

// String renders a trimmed decimal representation ("0.1", "100").
func (a Amount) String() string {
	if a.rat == nil {
		return "0"
	}
	if a.rat.IsInt() {
		return a.rat.Num().String()
	}
	s := a.rat.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
