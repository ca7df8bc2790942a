package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cashmarket/core/types"
	"cashmarket/native/escrow"
	"cashmarket/native/market"
	"cashmarket/native/portfolio"
	"cashmarket/storage"
)

func newKeeper() *Keeper {
	return NewKeeper(storage.NewMemDB())
}

func TestPoolRoundTrip(t *testing.T) {
	k := newKeeper()

	missing, err := k.GetPool("USDC-30D", 2_592_000)
	require.NoError(t, err)
	require.Nil(t, missing)

	pool := &market.MaturityPool{
		TotalFutureCash: big.NewInt(1_000_000_000_000),
		TotalCollateral: big.NewInt(990_000_000_000),
		TotalLiquidity:  big.NewInt(995_000_000_000),
		RateAnchor:      big.NewInt(1_100_000_000),
		RateScalar:      big.NewInt(100_000_000),
		LastImpliedRate: big.NewInt(162_814_070),
		FeeRateBps:      30,
		Settled:         false,
	}
	require.NoError(t, k.PutPool("USDC-30D", 2_592_000, pool))

	loaded, err := k.GetPool("USDC-30D", 2_592_000)
	require.NoError(t, err)
	require.Equal(t, pool, loaded)

	// Pools at other maturities stay independent.
	other, err := k.GetPool("USDC-30D", 5_184_000)
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestPortfolioRoundTrip(t *testing.T) {
	k := newKeeper()
	addr := types.Address{0xaa}

	missing, err := k.GetPortfolio(addr)
	require.NoError(t, err)
	require.Nil(t, missing)

	p := &portfolio.Portfolio{
		Address: addr,
		Assets: []portfolio.Asset{
			{GroupID: "USDC-30D", Maturity: 2_592_000, Kind: portfolio.LiquidityToken, Notional: big.NewInt(500)},
			{GroupID: "USDC-30D", Maturity: 2_592_000, Kind: portfolio.CashPayer, Notional: big.NewInt(500)},
			{GroupID: "USDC-30D", Maturity: 5_184_000, Kind: portfolio.CashReceiver, Notional: big.NewInt(120)},
		},
	}
	require.NoError(t, k.PutPortfolio(addr, p))

	loaded, err := k.GetPortfolio(addr)
	require.NoError(t, err)
	require.Equal(t, p, loaded)
}

func TestEscrowAccountRoundTripSignedCash(t *testing.T) {
	k := newKeeper()
	addr := types.Address{0xbb}
	currency := types.Currency("USDC")

	missing, err := k.GetEscrowAccount(addr, currency)
	require.NoError(t, err)
	require.Nil(t, missing)

	acct := &escrow.Account{
		CashBalance: big.NewInt(-5_000_000_000),
		FreeBalance: big.NewInt(1_250),
	}
	require.NoError(t, k.PutEscrowAccount(addr, currency, acct))

	loaded, err := k.GetEscrowAccount(addr, currency)
	require.NoError(t, err)
	require.Equal(t, acct, loaded)

	// Currencies are segregated per account.
	other, err := k.GetEscrowAccount(addr, types.Currency("ETH"))
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestTotalSupplyRoundTrip(t *testing.T) {
	k := newKeeper()
	currency := types.Currency("USDC")

	missing, err := k.GetTotalSupply(currency)
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, k.PutTotalSupply(currency, big.NewInt(1_000_000)))
	supply, err := k.GetTotalSupply(currency)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000), supply)
}

func TestPauseFlags(t *testing.T) {
	k := newKeeper()
	require.False(t, k.IsPaused("market"))
	require.NoError(t, k.SetPaused("market", true))
	require.True(t, k.IsPaused("market"))
	require.False(t, k.IsPaused("escrow"))
	require.NoError(t, k.SetPaused("market", false))
	require.False(t, k.IsPaused("market"))
}
