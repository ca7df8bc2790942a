package market

import (
	"math/big"

	"cashmarket/fixedmath"
)

// The curve prices trades off the pool proportion p = futureCash /
// (futureCash + collateral), scale 1e9. The instantaneous exchange rate is
// rateAnchor + rateScalar*ln(p/(1-p)). Trades that would push p outside (0,1)
// or the rate below par are rejected, never clamped; a clamped result would
// misprice risk.

var bpsDenominator = big.NewInt(10_000)

// poolProportion returns p at scale 1e9 for the given pool legs.
func poolProportion(futureCash, collateral *big.Int) (*big.Int, error) {
	denom, err := fixedmath.Add(futureCash, collateral)
	if err != nil {
		return nil, err
	}
	if denom.Sign() == 0 {
		return nil, fixedmath.ErrDivisionByZero
	}
	return fixedmath.MulDiv(futureCash, fixedmath.RatePrecision, denom)
}

// exchangeRate evaluates the curve at proportion p (scale 1e9). The result is
// an exchange rate at scale 1e9; par is fixedmath.RatePrecision. Fails with a
// logarithm domain error when p is outside (0, 1).
func exchangeRate(anchor, scalar, proportion *big.Int) (*big.Int, error) {
	oneMinus := new(big.Int).Sub(fixedmath.RatePrecision, proportion)
	if proportion.Sign() <= 0 || oneMinus.Sign() <= 0 {
		return nil, fixedmath.ErrNegativeLog
	}
	odds, err := fixedmath.MulDiv(proportion, fixedmath.One, oneMinus)
	if err != nil {
		return nil, err
	}
	lnOdds, err := fixedmath.Ln(odds)
	if err != nil {
		return nil, err
	}
	term, err := fixedmath.MulDiv(scalar, lnOdds, fixedmath.One)
	if err != nil {
		return nil, err
	}
	rate, err := fixedmath.Add(anchor, term)
	if err != nil {
		return nil, err
	}
	if rate.Sign() < 0 {
		rate = new(big.Int)
	}
	return rate, nil
}

// proportionFromRate inverts the curve: p = e^d / (1 + e^d) with
// d = (rate - anchor) / scalar. Used to size the largest notional tradable
// before a rate bound is breached.
func proportionFromRate(anchor, scalar, rate *big.Int) (*big.Int, error) {
	if scalar == nil || scalar.Sign() == 0 {
		return nil, fixedmath.ErrDivisionByZero
	}
	delta := new(big.Int).Sub(rate, anchor)
	d, err := fixedmath.MulDiv(delta, fixedmath.One, scalar)
	if err != nil {
		return nil, err
	}
	exp, err := fixedmath.Exp(d)
	if err != nil {
		return nil, err
	}
	denom, err := fixedmath.Add(exp, fixedmath.One)
	if err != nil {
		return nil, err
	}
	return fixedmath.MulDiv(exp, fixedmath.RatePrecision, denom)
}

// annualizedRate converts a spot exchange rate into the annualized implied
// rate agents compare across maturities: (rate - par) * periodSize /
// timeToMaturity, truncated toward zero. Slippage limits bind against this
// figure because the raw spot rate is not comparable across differing times
// to maturity.
func annualizedRate(rate *big.Int, maturity uint64, now int64, periodSize uint64) (*big.Int, error) {
	if now < 0 || maturity <= uint64(now) || periodSize == 0 {
		return nil, fixedmath.ErrDivisionByZero
	}
	timeToMaturity := new(big.Int).SetUint64(maturity - uint64(now))
	excess := new(big.Int).Sub(rate, fixedmath.RatePrecision)
	scaled, err := fixedmath.MulDiv(excess, new(big.Int).SetUint64(periodSize), timeToMaturity)
	if err != nil {
		return nil, err
	}
	return scaled, nil
}

// spotRateFromAnnualized inverts annualizedRate for a given maturity.
func spotRateFromAnnualized(annual *big.Int, maturity uint64, now int64, periodSize uint64) (*big.Int, error) {
	if now < 0 || maturity <= uint64(now) || periodSize == 0 {
		return nil, fixedmath.ErrDivisionByZero
	}
	timeToMaturity := new(big.Int).SetUint64(maturity - uint64(now))
	excess, err := fixedmath.MulDiv(annual, timeToMaturity, new(big.Int).SetUint64(periodSize))
	if err != nil {
		return nil, err
	}
	return fixedmath.Add(fixedmath.RatePrecision, excess)
}

func feeAmount(amount *big.Int, feeRateBps uint64) (*big.Int, error) {
	if feeRateBps == 0 {
		return new(big.Int), nil
	}
	return fixedmath.MulDiv(amount, new(big.Int).SetUint64(feeRateBps), bpsDenominator)
}
