package portfolio

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cashmarket/native/oracle"
)

func TestFreeCollateralBaseCurrencyOnly(t *testing.T) {
	ledger, _, _, balances, _ := newTestLedger()
	balances.free["USDC"] = big.NewInt(1000)
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(400)))

	aggregate, nets, err := ledger.ComputeFreeCollateral(alice, testNow)
	require.NoError(t, err)
	require.Equal(t, "600", aggregate.String())
	require.Equal(t, "600", nets["USDC"].String())
}

func TestPayerChargedAtFaceValue(t *testing.T) {
	ledger, _, mkt, balances, _ := newTestLedger()
	balances.free["USDC"] = big.NewInt(1000)
	// Even with a generous market quote the debt is never discounted.
	mkt.quote = big.NewInt(1)
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(1000)))

	aggregate, _, err := ledger.ComputeFreeCollateral(alice, testNow)
	require.NoError(t, err)
	require.Equal(t, "0", aggregate.String())
}

func TestReceiverValuedByMarketQuote(t *testing.T) {
	ledger, _, mkt, _, _ := newTestLedger()
	mkt.quote = big.NewInt(500)
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashReceiver, big.NewInt(1000)))

	aggregate, _, err := ledger.ComputeFreeCollateral(alice, testNow)
	require.NoError(t, err)
	require.Equal(t, "500", aggregate.String())
}

func TestReceiverFallsBackToImpliedRateDiscount(t *testing.T) {
	ledger, _, mkt, _, _ := newTestLedger()
	// Quote returns its infeasibility sentinel; the last implied rate of 0.1
	// over one full period discounts 1100 to exactly 1000.
	mkt.lastRate = big.NewInt(100_000_000)
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashReceiver, big.NewInt(1100)))

	aggregate, _, err := ledger.ComputeFreeCollateral(alice, 0)
	require.NoError(t, err)
	require.Equal(t, "1000", aggregate.String())
}

func TestMaturedReceiverAtFace(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashReceiver, big.NewInt(1000)))

	aggregate, _, err := ledger.ComputeFreeCollateral(alice, int64(testMaturity))
	require.NoError(t, err)
	require.Equal(t, "1000", aggregate.String())
}

func TestLiquidityTokenValuesBothLegs(t *testing.T) {
	ledger, _, mkt, _, _ := newTestLedger()
	mkt.shareColl = big.NewInt(500)
	mkt.shareFcash = big.NewInt(550)
	mkt.quote = big.NewInt(500)
	require.NoError(t, ledger.AddLiquidityToken(alice, testGroup, testMaturity, big.NewInt(30)))

	aggregate, _, err := ledger.ComputeFreeCollateral(alice, testNow)
	require.NoError(t, err)
	require.Equal(t, "1000", aggregate.String())

	// After maturity the future-cash share counts at face.
	aggregate, _, err = ledger.ComputeFreeCollateral(alice, int64(testMaturity))
	require.NoError(t, err)
	require.Equal(t, "1050", aggregate.String())
}

func TestCrossCurrencyHaircutOnPositiveNets(t *testing.T) {
	ledger, _, _, balances, rates := newTestLedger()
	ledger.RegisterGroup("ETH-30D", "ETH")
	rates.SetRate("USDC", "ETH", oracle.Quote{
		Rate:         big.NewInt(2000),
		RateDecimals: big.NewInt(1),
		HaircutBps:   8500,
	})
	balances.free["ETH"] = big.NewInt(10)

	aggregate, nets, err := ledger.ComputeFreeCollateral(alice, testNow)
	require.NoError(t, err)
	require.Equal(t, "10", nets["ETH"].String())
	require.Equal(t, "17000", aggregate.String())
}

func TestCrossCurrencyDebtConvertsAtFullRate(t *testing.T) {
	ledger, _, _, balances, rates := newTestLedger()
	ledger.RegisterGroup("ETH-30D", "ETH")
	rates.SetRate("USDC", "ETH", oracle.Quote{
		Rate:         big.NewInt(2000),
		RateDecimals: big.NewInt(1),
		HaircutBps:   8500,
	})
	balances.cash["ETH"] = big.NewInt(-5)
	balances.free["USDC"] = big.NewInt(12_000)

	aggregate, _, err := ledger.ComputeFreeCollateral(alice, testNow)
	require.NoError(t, err)
	require.Equal(t, "2000", aggregate.String())
}

func TestCheckBorrow(t *testing.T) {
	ledger, _, _, balances, _ := newTestLedger()
	balances.free["USDC"] = big.NewInt(1000)

	err := ledger.CheckBorrow(alice, "USDC", big.NewInt(1500), big.NewInt(1400), testNow)
	require.NoError(t, err)

	err = ledger.CheckBorrow(alice, "USDC", big.NewInt(2500), big.NewInt(1400), testNow)
	require.ErrorIs(t, err, ErrInsufficientCollateral)
}

func TestCheckWithdraw(t *testing.T) {
	ledger, _, _, balances, _ := newTestLedger()
	balances.free["USDC"] = big.NewInt(1000)
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(400)))

	require.NoError(t, ledger.CheckWithdraw(alice, "USDC", big.NewInt(600), testNow))
	err := ledger.CheckWithdraw(alice, "USDC", big.NewInt(601), testNow)
	require.ErrorIs(t, err, ErrInsufficientCollateral)
}
