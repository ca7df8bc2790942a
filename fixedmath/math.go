// Package fixedmath provides the checked integer arithmetic and fixed-point
// logarithm/exponential primitives the market engines are built on. Every
// operation fails loudly on overflow, underflow or domain violations; nothing
// is silently saturated, because a clamped figure would misprice risk or
// corrupt balances downstream.
//
// Amounts and curve values are *big.Int. Arithmetic results are bounded to
// the signed 128-bit range; intermediate products are bounded to 256 bits.
// Fixed-point values use scale 1e18 (One); interest rates use scale 1e9
// (RatePrecision).
package fixedmath

import (
	"math/big"

	"github.com/holiman/uint256"

	"cashmarket/native/common"
)

var (
	ErrAdditionOverflow       = common.NewError(common.CodeAdditionOverflow, "fixedmath: addition overflow")
	ErrSubtractionUnderflow   = common.NewError(common.CodeSubtractionUnderflow, "fixedmath: subtraction underflow")
	ErrMultiplicationOverflow = common.NewError(common.CodeMultiplicationOverflow, "fixedmath: multiplication overflow")
	ErrDivisionByZero         = common.NewError(common.CodeDivisionByZero, "fixedmath: division by zero")
	ErrNegativeLog            = common.NewError(common.CodeNegativeLog, "fixedmath: logarithm of non-positive value")
	ErrExpOverflow            = common.NewError(common.CodeExpOverflow, "fixedmath: exponential argument out of range")
)

var (
	// One is the internal fixed-point scale.
	One = big.NewInt(1_000_000_000_000_000_000)
	// RatePrecision is the scale used for interest rate values.
	RatePrecision = big.NewInt(1_000_000_000)
	two           = big.NewInt(2)
	twoOne        = new(big.Int).Lsh(One, 1)
)

const (
	int128Bits = 127
	int256Bits = 255
)

func checkInt128(v *big.Int) bool { return v.BitLen() <= int128Bits }

func checkInt256(v *big.Int) bool {
	if v.Sign() >= 0 {
		_, overflow := uint256.FromBig(v)
		return !overflow && v.BitLen() <= int256Bits
	}
	return v.BitLen() <= int256Bits
}

// Add returns a+b, failing when the sum leaves the signed 128-bit range.
func Add(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if !checkInt128(sum) {
		return nil, ErrAdditionOverflow
	}
	return sum, nil
}

// Sub returns a-b, failing when the difference leaves the signed 128-bit range.
func Sub(a, b *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(a, b)
	if !checkInt128(diff) {
		return nil, ErrSubtractionUnderflow
	}
	return diff, nil
}

// SubNoNeg returns a-b, failing when the difference is negative. Used for
// unsigned balance legs where a deficit is an invariant violation.
func SubNoNeg(a, b *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(a, b)
	if diff.Sign() < 0 {
		return nil, ErrSubtractionUnderflow
	}
	return diff, nil
}

// Mul returns a*b, failing when the product leaves the 256-bit range.
func Mul(a, b *big.Int) (*big.Int, error) {
	product := new(big.Int).Mul(a, b)
	if !checkInt256(product) {
		return nil, ErrMultiplicationOverflow
	}
	return product, nil
}

// Div returns a/b truncated toward zero.
func Div(a, b *big.Int) (*big.Int, error) {
	if b == nil || b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	return new(big.Int).Quo(a, b), nil
}

// MulDiv returns a*b/c with a 256-bit bound on the intermediate product and a
// signed 128-bit bound on the result.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c == nil || c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	out := product.Quo(product, c)
	if !checkInt128(out) {
		return nil, ErrMultiplicationOverflow
	}
	return out, nil
}
