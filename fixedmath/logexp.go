package fixedmath

import "math/big"

var (
	// ln(2) at scale 1e18.
	ln2 = big.NewInt(693_147_180_559_945_309)
	// Exp underflows to zero below this argument (exp(-42) < 1e-18).
	expFloor = new(big.Int).Mul(big.NewInt(-42), One)
	// Exp overflows the 256-bit bound above this argument.
	expCeil = new(big.Int).Mul(big.NewInt(130), One)
)

// Ln computes the natural logarithm of x at scale 1e18. The argument must be
// strictly positive. Precision over the range the market exercises is better
// than 1e-12 relative.
//
// The argument is normalized into [1, 2) by powers of two, then the fraction
// is evaluated with the atanh series ln(y) = 2*(z + z^3/3 + z^5/5 + ...) where
// z = (y-1)/(y+1) <= 1/3, which converges well inside the series length used.
func Ln(x *big.Int) (*big.Int, error) {
	if x == nil || x.Sign() <= 0 {
		return nil, ErrNegativeLog
	}

	shift := int64(0)
	y := new(big.Int).Set(x)
	for y.Cmp(twoOne) >= 0 {
		y.Rsh(y, 1)
		shift++
	}
	for y.Cmp(One) < 0 {
		y.Lsh(y, 1)
		shift--
	}

	num := new(big.Int).Sub(y, One)
	den := new(big.Int).Add(y, One)
	z := new(big.Int).Mul(num, One)
	z.Quo(z, den)

	zsq := new(big.Int).Mul(z, z)
	zsq.Quo(zsq, One)

	term := new(big.Int).Set(z)
	sum := new(big.Int).Set(z)
	for i := int64(3); i <= 35; i += 2 {
		term.Mul(term, zsq)
		term.Quo(term, One)
		sum.Add(sum, new(big.Int).Quo(term, big.NewInt(i)))
	}
	sum.Mul(sum, two)

	result := new(big.Int).Mul(big.NewInt(shift), ln2)
	result.Add(result, sum)
	if !checkInt128(result) {
		return nil, ErrMultiplicationOverflow
	}
	return result, nil
}

// Exp computes e^x at scale 1e18. Arguments below the underflow floor return
// zero; arguments above the overflow ceiling are rejected rather than clamped.
//
// The argument is reduced as x = k*ln2 + r with |r| <= ln2/2, the residual is
// evaluated with a 20-term Taylor series, and the power of two is restored by
// shifting.
func Exp(x *big.Int) (*big.Int, error) {
	if x == nil {
		x = new(big.Int)
	}
	if x.Cmp(expFloor) < 0 {
		return new(big.Int), nil
	}
	if x.Cmp(expCeil) > 0 {
		return nil, ErrExpOverflow
	}

	// Round k = x/ln2 to nearest so the residual stays small in either sign.
	halfLn2 := new(big.Int).Rsh(ln2, 1)
	kNum := new(big.Int).Set(x)
	if x.Sign() >= 0 {
		kNum.Add(kNum, halfLn2)
	} else {
		kNum.Sub(kNum, halfLn2)
	}
	k := new(big.Int).Quo(kNum, ln2)
	r := new(big.Int).Mul(k, ln2)
	r.Sub(x, r)

	sum := new(big.Int).Set(One)
	term := new(big.Int).Set(One)
	for i := int64(1); i <= 20; i++ {
		term.Mul(term, r)
		term.Quo(term, One)
		term.Quo(term, big.NewInt(i))
		sum.Add(sum, term)
	}

	shift := k.Int64()
	result := sum
	if shift >= 0 {
		result = new(big.Int).Lsh(sum, uint(shift))
	} else {
		result = new(big.Int).Rsh(sum, uint(-shift))
	}
	if !checkInt256(result) {
		return nil, ErrExpOverflow
	}
	return result, nil
}
