package market

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cashmarket/core/types"
	"cashmarket/native/portfolio"
)

const (
	testGroup  = "USDC-30D"
	testPeriod = uint64(2_592_000)
	testNow    = int64(1_000_000)
)

var (
	testCurrency = types.Currency("USDC")
	testMaturity = testPeriod
	alice        = types.Address{0xaa}
	bob          = types.Address{0xbb}
)

type mockState struct {
	pools map[string]*MaturityPool
}

func newMockState() *mockState {
	return &mockState{pools: make(map[string]*MaturityPool)}
}

func poolKey(groupID string, maturity uint64) string {
	return fmt.Sprintf("%s/%d", groupID, maturity)
}

func (m *mockState) GetPool(groupID string, maturity uint64) (*MaturityPool, error) {
	return m.pools[poolKey(groupID, maturity)].Clone(), nil
}

func (m *mockState) PutPool(groupID string, maturity uint64, pool *MaturityPool) error {
	m.pools[poolKey(groupID, maturity)] = pool.Clone()
	return nil
}

type mockBalances struct {
	free    map[string]*big.Int
	reserve map[types.Currency]*big.Int
}

func newMockBalances() *mockBalances {
	return &mockBalances{free: make(map[string]*big.Int), reserve: make(map[types.Currency]*big.Int)}
}

func balanceKey(addr types.Address, currency types.Currency) string {
	return addr.Hex() + "/" + string(currency)
}

func (m *mockBalances) freeBalance(addr types.Address, currency types.Currency) *big.Int {
	if v, ok := m.free[balanceKey(addr, currency)]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (m *mockBalances) CreditFree(addr types.Address, currency types.Currency, amount *big.Int) error {
	key := balanceKey(addr, currency)
	m.free[key] = new(big.Int).Add(m.freeBalance(addr, currency), amount)
	return nil
}

func (m *mockBalances) DebitFree(addr types.Address, currency types.Currency, amount *big.Int) error {
	balance := m.freeBalance(addr, currency)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient free balance")
	}
	m.free[balanceKey(addr, currency)] = balance.Sub(balance, amount)
	return nil
}

func (m *mockBalances) CreditReserve(currency types.Currency, amount *big.Int) error {
	current, ok := m.reserve[currency]
	if !ok {
		current = new(big.Int)
	}
	m.reserve[currency] = new(big.Int).Add(current, amount)
	return nil
}

type obligation struct {
	addr     types.Address
	kind     portfolio.AssetKind
	notional *big.Int
}

type mockPositions struct {
	tokens      map[string]*big.Int
	obligations []obligation
}

func newMockPositions() *mockPositions {
	return &mockPositions{tokens: make(map[string]*big.Int)}
}

func (m *mockPositions) tokenKey(addr types.Address, groupID string, maturity uint64) string {
	return fmt.Sprintf("%s/%s/%d", addr.Hex(), groupID, maturity)
}

func (m *mockPositions) AddLiquidityToken(addr types.Address, groupID string, maturity uint64, notional *big.Int) error {
	key := m.tokenKey(addr, groupID, maturity)
	current, ok := m.tokens[key]
	if !ok {
		current = new(big.Int)
	}
	m.tokens[key] = new(big.Int).Add(current, notional)
	return nil
}

func (m *mockPositions) RemoveLiquidityToken(addr types.Address, groupID string, maturity uint64, notional *big.Int) error {
	key := m.tokenKey(addr, groupID, maturity)
	current, ok := m.tokens[key]
	if !ok || current.Cmp(notional) < 0 {
		return portfolio.ErrInsufficientBalance
	}
	m.tokens[key] = new(big.Int).Sub(current, notional)
	return nil
}

func (m *mockPositions) AddObligation(addr types.Address, groupID string, maturity uint64, kind portfolio.AssetKind, notional *big.Int) error {
	m.obligations = append(m.obligations, obligation{addr: addr, kind: kind, notional: new(big.Int).Set(notional)})
	return nil
}

type mockGate struct {
	err   error
	calls int
}

func (m *mockGate) CheckBorrow(addr types.Address, currency types.Currency, futureCash, collateralCredit *big.Int, now int64) error {
	m.calls++
	return m.err
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *mockBalances, *mockPositions, *mockGate) {
	t.Helper()
	engine := NewEngine()
	state := newMockState()
	balances := newMockBalances()
	positions := newMockPositions()
	gate := &mockGate{}
	engine.SetState(state)
	engine.SetBalances(balances)
	engine.SetPositions(positions)
	engine.SetCollateralGate(gate)
	require.NoError(t, engine.RegisterGroup(GroupConfig{
		ID:            testGroup,
		Currency:      testCurrency,
		PeriodSize:    testPeriod,
		NumMaturities: 4,
		RateAnchor:    big.NewInt(1_100_000_000),
		RateScalar:    big.NewInt(100_000_000),
	}))
	return engine, state, balances, positions, gate
}

func seedLiquidity(t *testing.T, engine *Engine, balances *mockBalances, legs int64) *big.Int {
	t.Helper()
	amount := big.NewInt(legs)
	require.NoError(t, balances.CreditFree(alice, testCurrency, amount))
	tokens, err := engine.AddLiquidity(alice, testGroup, testMaturity, amount, big.NewInt(legs), nil, nil, -1, testNow)
	require.NoError(t, err)
	return tokens
}

func TestRegisterGroupRejectsZeroFactors(t *testing.T) {
	engine := NewEngine()
	engine.SetState(newMockState())
	err := engine.RegisterGroup(GroupConfig{
		ID:            testGroup,
		Currency:      testCurrency,
		PeriodSize:    testPeriod,
		NumMaturities: 4,
	})
	require.ErrorIs(t, err, ErrInvalidRateFactors)
}

func TestGetActiveMaturities(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	maturities, err := engine.GetActiveMaturities(testGroup, testNow)
	require.NoError(t, err)
	require.Equal(t, []uint64{testPeriod, 2 * testPeriod, 3 * testPeriod, 4 * testPeriod}, maturities)

	later := int64(testPeriod) + 10
	maturities, err = engine.GetActiveMaturities(testGroup, later)
	require.NoError(t, err)
	require.Equal(t, []uint64{2 * testPeriod, 3 * testPeriod, 4 * testPeriod, 5 * testPeriod}, maturities)
}

func TestAddLiquidityInitialPool(t *testing.T) {
	engine, state, balances, positions, _ := newTestEngine(t)
	tokens := seedLiquidity(t, engine, balances, 1_000_000_000_000)

	require.Equal(t, big.NewInt(1_000_000_000_000), tokens)
	require.Equal(t, int64(0), balances.freeBalance(alice, testCurrency).Int64())

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000_000_000), pool.TotalCollateral)
	require.Equal(t, big.NewInt(1_000_000_000_000), pool.TotalFutureCash)
	require.Equal(t, big.NewInt(1_000_000_000_000), pool.TotalLiquidity)

	require.Len(t, positions.obligations, 1)
	require.Equal(t, portfolio.CashPayer, positions.obligations[0].kind)
	require.Equal(t, big.NewInt(1_000_000_000_000), positions.obligations[0].notional)
}

func TestAddLiquidityInitialProportionBounds(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	require.NoError(t, balances.CreditFree(alice, testCurrency, big.NewInt(1_000_000)))
	_, err := engine.AddLiquidity(alice, testGroup, testMaturity,
		big.NewInt(1_000_000), big.NewInt(1_000_000),
		big.NewInt(600_000_000), nil, -1, testNow)
	require.ErrorIs(t, err, ErrProportionBounds)
}

func TestAddLiquiditySubsequentBindsOnSmallerRatio(t *testing.T) {
	engine, state, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	// Offer 10% of the collateral leg but only 5% of the future-cash leg.
	require.NoError(t, balances.CreditFree(bob, testCurrency, big.NewInt(100_000_000_000)))
	tokens, err := engine.AddLiquidity(bob, testGroup, testMaturity,
		big.NewInt(100_000_000_000), big.NewInt(50_000_000_000), nil, nil, -1, testNow)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(50_000_000_000), tokens)

	// Only the binding 5% of collateral was consumed.
	require.Equal(t, big.NewInt(50_000_000_000), balances.freeBalance(bob, testCurrency))

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_050_000_000_000), pool.TotalCollateral)
	require.Equal(t, big.NewInt(1_050_000_000_000), pool.TotalFutureCash)
	require.Equal(t, big.NewInt(1_050_000_000_000), pool.TotalLiquidity)
}

func TestAddLiquidityInactiveMaturity(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	require.NoError(t, balances.CreditFree(alice, testCurrency, big.NewInt(1_000)))
	_, err := engine.AddLiquidity(alice, testGroup, 5*testPeriod, big.NewInt(1_000), big.NewInt(1_000), nil, nil, -1, testNow)
	require.ErrorIs(t, err, ErrMarketInactive)

	_, err = engine.AddLiquidity(alice, testGroup, testPeriod+1, big.NewInt(1_000), big.NewInt(1_000), nil, nil, -1, testNow)
	require.ErrorIs(t, err, ErrMarketInactive)
}

func TestTakeCollateralBorrow(t *testing.T) {
	engine, state, balances, positions, gate := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	futureCash := big.NewInt(10_000_000_000)
	quoted, err := engine.QuoteFutureCashToCollateral(testGroup, testMaturity, futureCash, testNow)
	require.NoError(t, err)
	require.Greater(t, quoted.Sign(), 0)

	collateral, err := engine.TakeCollateral(bob, testGroup, testMaturity, futureCash, nil, -1, testNow)
	require.NoError(t, err)
	require.Equal(t, quoted, collateral)
	require.Equal(t, 1, gate.calls)

	// The borrower repays more at maturity than received now.
	require.Less(t, collateral.Cmp(futureCash), 0)
	require.Greater(t, collateral.Cmp(big.NewInt(8_000_000_000)), 0)
	require.Equal(t, collateral, balances.freeBalance(bob, testCurrency))

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Add(big.NewInt(1_000_000_000_000), futureCash), pool.TotalFutureCash)
	require.Equal(t, new(big.Int).Sub(big.NewInt(1_000_000_000_000), collateral), pool.TotalCollateral)
	require.Greater(t, pool.LastImpliedRate.Sign(), 0)

	last := positions.obligations[len(positions.obligations)-1]
	require.Equal(t, bob, last.addr)
	require.Equal(t, portfolio.CashPayer, last.kind)
	require.Equal(t, futureCash, last.notional)
}

func TestTakeCollateralMovesRateUp(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	futureCash := big.NewInt(10_000_000_000)
	first, err := engine.TakeCollateral(bob, testGroup, testMaturity, futureCash, nil, -1, testNow)
	require.NoError(t, err)
	second, err := engine.TakeCollateral(bob, testGroup, testMaturity, futureCash, nil, -1, testNow)
	require.NoError(t, err)
	require.Less(t, second.Cmp(first), 0, "repeat borrows must price worse")
}

func TestTakeCollateralFeeRoutedToReserve(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	require.NoError(t, engine.SetFee(testGroup, 30))
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	futureCash := big.NewInt(10_000_000_000)
	collateralNet, err := engine.TakeCollateral(bob, testGroup, testMaturity, futureCash, nil, -1, testNow)
	require.NoError(t, err)

	reserve := balances.reserve[testCurrency]
	require.NotNil(t, reserve)
	require.Greater(t, reserve.Sign(), 0)

	// fee = 30bps of the gross collateral leg
	gross := new(big.Int).Add(collateralNet, reserve)
	expectedFee := new(big.Int).Div(new(big.Int).Mul(gross, big.NewInt(30)), big.NewInt(10_000))
	require.Equal(t, expectedFee, reserve)
}

func TestTakeCollateralGateRejection(t *testing.T) {
	engine, state, balances, _, gate := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)
	gate.err = portfolio.ErrInsufficientCollateral

	before, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	_, err = engine.TakeCollateral(bob, testGroup, testMaturity, big.NewInt(10_000_000_000), nil, -1, testNow)
	require.ErrorIs(t, err, portfolio.ErrInsufficientCollateral)

	after, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, before.TotalCollateral, after.TotalCollateral)
	require.Equal(t, before.TotalFutureCash, after.TotalFutureCash)
	require.Equal(t, int64(0), balances.freeBalance(bob, testCurrency).Int64())
}

func TestTakeCollateralSlippage(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	_, err := engine.TakeCollateral(bob, testGroup, testMaturity, big.NewInt(10_000_000_000), big.NewInt(1), -1, testNow)
	require.ErrorIs(t, err, ErrTradeSlippage)
}

func TestTakeCollateralDeadline(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	_, err := engine.TakeCollateral(bob, testGroup, testMaturity, big.NewInt(1_000), nil, testNow-1, testNow)
	require.ErrorIs(t, err, ErrTradeMaxTime)
}

func TestTakeCollateralSizeCap(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)
	require.NoError(t, engine.SetMaxTradeSize(testGroup, big.NewInt(1_000)))

	_, err := engine.TakeCollateral(bob, testGroup, testMaturity, big.NewInt(1_001), nil, -1, testNow)
	require.ErrorIs(t, err, ErrTradeTooLarge)
}

func TestTakeCollateralDrainRejected(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	// Pushing the proportion past the cap must fail, not clamp.
	_, err := engine.TakeCollateral(bob, testGroup, testMaturity, big.NewInt(10_000_000_000_000), nil, -1, testNow)
	require.ErrorIs(t, err, ErrLackOfLiquidity)
}

func TestTakeCollateralNoPool(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	_, err := engine.TakeCollateral(bob, testGroup, testMaturity, big.NewInt(1_000), nil, -1, testNow)
	require.ErrorIs(t, err, ErrLackOfLiquidity)
}

func TestTakeFutureCashLend(t *testing.T) {
	engine, state, balances, positions, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	collateral := big.NewInt(10_000_000_000)
	require.NoError(t, balances.CreditFree(bob, testCurrency, collateral))

	futureCash, err := engine.TakeFutureCash(bob, testGroup, testMaturity, collateral, nil, -1, testNow)
	require.NoError(t, err)

	// The lender receives more at maturity than deposited now.
	require.Greater(t, futureCash.Cmp(collateral), 0)
	require.Equal(t, int64(0), balances.freeBalance(bob, testCurrency).Int64())

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, new(big.Int).Add(big.NewInt(1_000_000_000_000), collateral), pool.TotalCollateral)
	require.Equal(t, new(big.Int).Sub(big.NewInt(1_000_000_000_000), futureCash), pool.TotalFutureCash)

	last := positions.obligations[len(positions.obligations)-1]
	require.Equal(t, bob, last.addr)
	require.Equal(t, portfolio.CashReceiver, last.kind)
	require.Equal(t, futureCash, last.notional)
}

func TestTakeFutureCashSlippage(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)
	require.NoError(t, balances.CreditFree(bob, testCurrency, big.NewInt(10_000_000_000)))

	_, err := engine.TakeFutureCash(bob, testGroup, testMaturity, big.NewInt(10_000_000_000), big.NewInt(900_000_000_000), -1, testNow)
	require.ErrorIs(t, err, ErrTradeSlippage)
}

func TestTakeFutureCashInsufficientFreeBalance(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	_, err := engine.TakeFutureCash(bob, testGroup, testMaturity, big.NewInt(10_000_000_000), nil, -1, testNow)
	require.Error(t, err)
}

func TestRemoveLiquidityProRata(t *testing.T) {
	engine, state, balances, positions, _ := newTestEngine(t)
	tokens := seedLiquidity(t, engine, balances, 1_000_000_000_000)

	half := new(big.Int).Div(tokens, big.NewInt(2))
	collateralOut, futureCashOut, err := engine.RemoveLiquidity(alice, testGroup, testMaturity, half, testNow)
	require.NoError(t, err)
	require.Equal(t, half, collateralOut)
	require.Equal(t, half, futureCashOut)
	require.Equal(t, half, balances.freeBalance(alice, testCurrency))

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, half, pool.TotalLiquidity)

	last := positions.obligations[len(positions.obligations)-1]
	require.Equal(t, portfolio.CashReceiver, last.kind)
	require.Equal(t, futureCashOut, last.notional)
}

func TestRemoveLiquidityAfterMaturity(t *testing.T) {
	engine, state, balances, _, _ := newTestEngine(t)
	tokens := seedLiquidity(t, engine, balances, 1_000_000_000_000)

	afterMaturity := int64(testMaturity) + 100
	collateralOut, _, err := engine.RemoveLiquidity(alice, testGroup, testMaturity, tokens, afterMaturity)
	require.NoError(t, err)
	require.Equal(t, tokens, collateralOut)

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.True(t, pool.Settled)
	require.Equal(t, int64(0), pool.TotalLiquidity.Int64())
}

func TestRemoveLiquidityExceedsHolding(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	tokens := seedLiquidity(t, engine, balances, 1_000_000_000_000)

	over := new(big.Int).Add(tokens, big.NewInt(1))
	_, _, err := engine.RemoveLiquidity(alice, testGroup, testMaturity, over, testNow)
	require.ErrorIs(t, err, ErrLackOfLiquidity)
}

func TestQuoteSentinelOnInfeasibleTrade(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	quote, err := engine.QuoteFutureCashToCollateral(testGroup, testMaturity, big.NewInt(10_000_000_000_000), testNow)
	require.NoError(t, err)
	require.Equal(t, int64(0), quote.Int64())

	quote, err = engine.QuoteCollateralToFutureCash(testGroup, testMaturity, big.NewInt(10_000_000_000_000), testNow)
	require.NoError(t, err)
	require.Equal(t, int64(0), quote.Int64())
}

func TestMaxFutureCashToCollateral(t *testing.T) {
	engine, _, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	// The pool sits at its anchor rate; a limit at or below it admits nothing.
	anchorAnnual, err := annualizedRate(big.NewInt(1_100_000_000), testMaturity, testNow, testPeriod)
	require.NoError(t, err)
	max, err := engine.MaxFutureCashToCollateral(testGroup, testMaturity, anchorAnnual, testNow)
	require.NoError(t, err)
	require.Equal(t, int64(0), max.Int64())

	generous := new(big.Int).Add(anchorAnnual, big.NewInt(100_000_000))
	max, err = engine.MaxFutureCashToCollateral(testGroup, testMaturity, generous, testNow)
	require.NoError(t, err)
	require.Greater(t, max.Sign(), 0)

	// Executing the sized notional must not breach the limit.
	collateral, err := engine.TakeCollateral(bob, testGroup, testMaturity, max, generous, -1, testNow)
	require.NoError(t, err)
	require.Greater(t, collateral.Sign(), 0)
}

func TestRedeemTokens(t *testing.T) {
	engine, state, balances, _, _ := newTestEngine(t)
	tokens := seedLiquidity(t, engine, balances, 1_000_000_000_000)

	afterMaturity := int64(testMaturity) + 100
	collateral, futureCash, err := engine.RedeemTokens(testGroup, testMaturity, tokens, afterMaturity)
	require.NoError(t, err)
	require.Equal(t, tokens, collateral)
	require.Equal(t, tokens, futureCash)

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, int64(0), pool.TotalLiquidity.Int64())
	require.True(t, pool.Settled)
}

func TestSetRateFactorsOnlyAffectsNewPools(t *testing.T) {
	engine, state, balances, _, _ := newTestEngine(t)
	seedLiquidity(t, engine, balances, 1_000_000_000_000)

	require.NoError(t, engine.SetRateFactors(testGroup, big.NewInt(1_200_000_000), big.NewInt(50_000_000)))

	pool, err := state.GetPool(testGroup, testMaturity)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_100_000_000), pool.RateAnchor)

	secondMaturity := 2 * testPeriod
	require.NoError(t, balances.CreditFree(alice, testCurrency, big.NewInt(1_000_000)))
	_, err = engine.AddLiquidity(alice, testGroup, secondMaturity, big.NewInt(1_000_000), big.NewInt(1_000_000), nil, nil, -1, testNow)
	require.NoError(t, err)
	pool, err = state.GetPool(testGroup, secondMaturity)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_200_000_000), pool.RateAnchor)
}

func TestSetRateFactorsRejectsZero(t *testing.T) {
	engine, _, _, _, _ := newTestEngine(t)
	err := engine.SetRateFactors(testGroup, big.NewInt(0), nil)
	require.ErrorIs(t, err, ErrInvalidRateFactors)
}
