package portfolio

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cashmarket/core/types"
	"cashmarket/native/oracle"
)

const (
	testGroup    = "USDC-30D"
	testPeriod   = uint64(2_592_000)
	testNow      = int64(1_000_000)
	testMaturity = testPeriod
)

var alice = types.Address{0xaa}

type memState struct {
	portfolios map[types.Address]*Portfolio
}

func newMemState() *memState {
	return &memState{portfolios: make(map[types.Address]*Portfolio)}
}

func (s *memState) GetPortfolio(addr types.Address) (*Portfolio, error) {
	return s.portfolios[addr].Clone(), nil
}

func (s *memState) PutPortfolio(addr types.Address, p *Portfolio) error {
	s.portfolios[addr] = p.Clone()
	return nil
}

// stubMarket serves fixed valuations so asset pricing is deterministic.
type stubMarket struct {
	quote      *big.Int
	shareColl  *big.Int
	shareFcash *big.Int
	lastRate   *big.Int
	period     uint64
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func (m *stubMarket) QuoteFutureCashToCollateral(string, uint64, *big.Int, int64) (*big.Int, error) {
	return orZero(m.quote), nil
}

func (m *stubMarket) PoolShare(string, uint64, *big.Int) (*big.Int, *big.Int, error) {
	return orZero(m.shareColl), orZero(m.shareFcash), nil
}

func (m *stubMarket) LastImpliedRate(string, uint64) (*big.Int, error) {
	return orZero(m.lastRate), nil
}

func (m *stubMarket) PeriodSize(string) (uint64, bool) {
	if m.period == 0 {
		return testPeriod, true
	}
	return m.period, true
}

type stubBalances struct {
	cash map[types.Currency]*big.Int
	free map[types.Currency]*big.Int
}

func newStubBalances() *stubBalances {
	return &stubBalances{
		cash: make(map[types.Currency]*big.Int),
		free: make(map[types.Currency]*big.Int),
	}
}

func (b *stubBalances) Balances(_ types.Address, currency types.Currency) (*big.Int, *big.Int, error) {
	return orZero(b.cash[currency]), orZero(b.free[currency]), nil
}

func newTestLedger() (*Ledger, *memState, *stubMarket, *stubBalances, *oracle.StaticOracle) {
	state := newMemState()
	mkt := &stubMarket{}
	balances := newStubBalances()
	rates := oracle.NewStaticOracle()

	ledger := NewLedger("USDC")
	ledger.SetState(state)
	ledger.SetMarketView(mkt)
	ledger.SetBalanceView(balances)
	ledger.SetOracle(rates)
	ledger.RegisterGroup(testGroup, "USDC")
	return ledger, state, mkt, balances, rates
}

func TestAddObligationMergesSameKind(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()

	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(100)))
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(50)))

	assets, err := ledger.GetAssets(alice)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, CashPayer, assets[0].Kind)
	require.Equal(t, "150", assets[0].Notional.String())
}

func TestAddObligationNetsPayerAgainstReceiver(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()

	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(100)))
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashReceiver, big.NewInt(40)))

	assets, err := ledger.GetAssets(alice)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, CashPayer, assets[0].Kind)
	require.Equal(t, "60", assets[0].Notional.String())

	// A larger receiver flips the surviving side.
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashReceiver, big.NewInt(100)))
	assets, err = ledger.GetAssets(alice)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.Equal(t, CashReceiver, assets[0].Kind)
	require.Equal(t, "40", assets[0].Notional.String())
}

func TestObligationsAtDifferentMaturitiesStaySeparate(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()

	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(100)))
	require.NoError(t, ledger.AddObligation(alice, testGroup, 2*testMaturity, CashReceiver, big.NewInt(100)))

	assets, err := ledger.GetAssets(alice)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	require.Equal(t, testMaturity, assets[0].Maturity)
	require.Equal(t, 2*testMaturity, assets[1].Maturity)
}

func TestRejectsNonPositiveNotional(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()

	err := ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)
	err = ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, nil)
	require.ErrorIs(t, err, ErrInvalidAmount)
	err = ledger.AddObligation(alice, testGroup, testMaturity, LiquidityToken, big.NewInt(10))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRemoveLiquidityTokenBounds(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()

	require.NoError(t, ledger.AddLiquidityToken(alice, testGroup, testMaturity, big.NewInt(50)))

	err := ledger.RemoveLiquidityToken(alice, testGroup, testMaturity, big.NewInt(80))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, ledger.RemoveLiquidityToken(alice, testGroup, testMaturity, big.NewInt(50)))
	assets, err := ledger.GetAssets(alice)
	require.NoError(t, err)
	require.Empty(t, assets)
}

func TestRemoveMaturedSplitsPortfolio(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()

	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(100)))
	require.NoError(t, ledger.AddObligation(alice, testGroup, 2*testMaturity, CashReceiver, big.NewInt(200)))
	require.NoError(t, ledger.AddLiquidityToken(alice, testGroup, testMaturity, big.NewInt(30)))

	removed, err := ledger.RemoveMatured(alice, int64(testMaturity))
	require.NoError(t, err)
	require.Len(t, removed, 2)
	for _, asset := range removed {
		require.Equal(t, testMaturity, asset.Maturity)
	}

	kept, err := ledger.GetAssets(alice)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	require.Equal(t, 2*testMaturity, kept[0].Maturity)
}

func TestUnmaturedReceiversFiltersByCurrency(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()
	ledger.RegisterGroup("ETH-30D", "ETH")

	require.NoError(t, ledger.AddObligation(alice, testGroup, 2*testMaturity, CashReceiver, big.NewInt(10)))
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashReceiver, big.NewInt(20)))
	require.NoError(t, ledger.AddObligation(alice, "ETH-30D", testMaturity, CashReceiver, big.NewInt(30)))
	require.NoError(t, ledger.AddObligation(alice, testGroup, testMaturity, CashPayer, big.NewInt(5)))

	receivers, err := ledger.UnmaturedReceivers(alice, "USDC", testNow)
	require.NoError(t, err)
	require.Len(t, receivers, 2)
	require.Equal(t, testMaturity, receivers[0].Maturity)
	require.Equal(t, "15", receivers[0].Notional.String())
	require.Equal(t, 2*testMaturity, receivers[1].Maturity)

	// Matured claims are excluded.
	receivers, err = ledger.UnmaturedReceivers(alice, "USDC", int64(testMaturity))
	require.NoError(t, err)
	require.Len(t, receivers, 1)
}

func TestTokenHoldingsFiltersByCurrency(t *testing.T) {
	ledger, _, _, _, _ := newTestLedger()
	ledger.RegisterGroup("ETH-30D", "ETH")

	require.NoError(t, ledger.AddLiquidityToken(alice, testGroup, testMaturity, big.NewInt(10)))
	require.NoError(t, ledger.AddLiquidityToken(alice, "ETH-30D", testMaturity, big.NewInt(20)))

	holdings, err := ledger.TokenHoldings(alice, "ETH")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, "ETH-30D", holdings[0].GroupID)
}
