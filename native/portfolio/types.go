package portfolio

import (
	"math/big"

	"cashmarket/core/types"
)

// AssetKind discriminates the position records a portfolio can hold.
type AssetKind uint8

const (
	// LiquidityToken is a pro-rata claim on a maturity pool's collateral and
	// future-cash reserves.
	LiquidityToken AssetKind = iota + 1
	// CashPayer is a fixed future-cash amount owed at maturity.
	CashPayer
	// CashReceiver is a fixed future-cash amount receivable at maturity.
	CashReceiver
)

func (k AssetKind) String() string {
	switch k {
	case LiquidityToken:
		return "liquidityToken"
	case CashPayer:
		return "cashPayer"
	case CashReceiver:
		return "cashReceiver"
	}
	return "unknown"
}

// Asset is one position record. Notional is always non-negative; the kind
// carries the sign semantics. No two assets for the same (group, maturity,
// kind) coexist in a portfolio; they are merged by addition, and payer and
// receiver records at the same maturity net against each other.
type Asset struct {
	GroupID  string
	Maturity uint64
	Kind     AssetKind
	Notional *big.Int
}

// Clone returns a deep copy of the asset.
func (a Asset) Clone() Asset {
	clone := a
	if a.Notional != nil {
		clone.Notional = new(big.Int).Set(a.Notional)
	}
	return clone
}

// Matured reports whether the asset's maturity has elapsed at the supplied
// timestamp.
func (a Asset) Matured(now int64) bool {
	return now >= 0 && a.Maturity <= uint64(now)
}

// Portfolio is the ordered set of an account's positions. Ordering is by
// (GroupID, Maturity, Kind) so persisted state and valuations are
// deterministic.
type Portfolio struct {
	Address types.Address
	Assets  []Asset
}

// Clone returns a deep copy of the portfolio.
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	clone := &Portfolio{Address: p.Address, Assets: make([]Asset, 0, len(p.Assets))}
	for _, asset := range p.Assets {
		clone.Assets = append(clone.Assets, asset.Clone())
	}
	return clone
}

func assetLess(a, b Asset) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	if a.Maturity != b.Maturity {
		return a.Maturity < b.Maturity
	}
	return a.Kind < b.Kind
}
