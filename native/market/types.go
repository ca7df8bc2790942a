package market

import (
	"math/big"

	"cashmarket/core/types"
)

// MaturityPool is the bonding-curve pool for one (instrument group, maturity)
// pair. Amounts are wei-style integers; rate values use scale 1e9.
type MaturityPool struct {
	// TotalFutureCash is the outstanding future-cash claims issued by the pool.
	TotalFutureCash *big.Int
	// TotalCollateral is the collateral currently held by the pool.
	TotalCollateral *big.Int
	// TotalLiquidity is the outstanding liquidity-token supply.
	TotalLiquidity *big.Int
	// RateAnchor positions the curve; captured from group configuration when
	// the pool is created.
	RateAnchor *big.Int
	// RateScalar shapes the curve's sensitivity to the pool proportion.
	RateScalar *big.Int
	// LastImpliedRate is the annualized rate observed at the most recent trade.
	LastImpliedRate *big.Int
	// FeeRateBps is the basis-point cut of the collateral leg routed to the
	// reserve account on every trade.
	FeeRateBps uint64
	// Settled marks a matured pool whose liquidity has been fully redeemed.
	// Pools are never deleted.
	Settled bool
}

// Clone returns a deep copy of the pool.
func (p *MaturityPool) Clone() *MaturityPool {
	if p == nil {
		return nil
	}
	clone := &MaturityPool{FeeRateBps: p.FeeRateBps, Settled: p.Settled}
	clone.TotalFutureCash = cloneBigInt(p.TotalFutureCash)
	clone.TotalCollateral = cloneBigInt(p.TotalCollateral)
	clone.TotalLiquidity = cloneBigInt(p.TotalLiquidity)
	clone.RateAnchor = cloneBigInt(p.RateAnchor)
	clone.RateScalar = cloneBigInt(p.RateScalar)
	clone.LastImpliedRate = cloneBigInt(p.LastImpliedRate)
	return clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// GroupConfig is the administrative configuration of one instrument group.
// Pools inherit the curve factors and fee at creation time.
type GroupConfig struct {
	ID            string
	Currency      types.Currency
	PeriodSize    uint64
	NumMaturities uint32
	RateAnchor    *big.Int
	RateScalar    *big.Int
	FeeRateBps    uint64
	MaxTradeSize  *big.Int
}

// Clone returns a deep copy of the configuration.
func (c GroupConfig) Clone() GroupConfig {
	clone := c
	clone.RateAnchor = cloneBigInt(c.RateAnchor)
	clone.RateScalar = cloneBigInt(c.RateScalar)
	if c.MaxTradeSize != nil {
		clone.MaxTradeSize = new(big.Int).Set(c.MaxTradeSize)
	} else {
		clone.MaxTradeSize = nil
	}
	return clone
}

// RateInfo is the per-maturity rate snapshot returned by the query surface.
type RateInfo struct {
	Maturity        uint64
	SpotRate        *big.Int
	LastImpliedRate *big.Int
}
