package market

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"cashmarket/core/types"
	"cashmarket/fixedmath"
	"cashmarket/native/common"
	"cashmarket/native/portfolio"
	"cashmarket/observability/metrics"
)

var (
	errNilState     = errors.New("market engine: state not configured")
	errNilPositions = errors.New("market engine: position ledger not configured")
	errNilBalances  = errors.New("market engine: balance ledger not configured")

	ErrUnknownGroup       = common.NewError(common.CodeUnknownGroup, "market: unknown instrument group")
	ErrMarketInactive     = common.NewError(common.CodeMarketInactive, "market: maturity not tradable")
	ErrInvalidRateFactors = common.NewError(common.CodeInvalidRateFactors, "market: rate anchor and scalar must not both be zero")
	ErrTradeMaxTime       = common.NewError(common.CodeTradeMaxTime, "market: trade deadline elapsed")
	ErrTradeSlippage      = common.NewError(common.CodeTradeSlippage, "market: implied rate breaches limit")
	ErrTradeTooLarge      = common.NewError(common.CodeTradeTooLarge, "market: trade exceeds size cap")
	ErrLackOfLiquidity    = common.NewError(common.CodeTradeLackOfLiquidity, "market: insufficient pool liquidity")
	ErrProportionBounds   = common.NewError(common.CodeProportionOutOfRange, "market: pool proportion outside bounds")
	ErrInvalidAmount      = common.NewError(common.CodeInvalidAmount, "market: amount must be positive")
)

// maxTradeProportion caps the post-trade pool proportion at 0.999 so a trade
// can never drain a leg to the point where the curve is unevaluable.
var maxTradeProportion = big.NewInt(999_000_000)

const pauseModule = "market"

type engineState interface {
	GetPool(groupID string, maturity uint64) (*MaturityPool, error)
	PutPool(groupID string, maturity uint64, pool *MaturityPool) error
}

// positionLedger is the slice of the portfolio ledger the market mutates.
type positionLedger interface {
	AddLiquidityToken(addr types.Address, groupID string, maturity uint64, notional *big.Int) error
	RemoveLiquidityToken(addr types.Address, groupID string, maturity uint64, notional *big.Int) error
	AddObligation(addr types.Address, groupID string, maturity uint64, kind portfolio.AssetKind, notional *big.Int) error
}

// balanceLedger is the slice of the escrow engine the market moves collateral
// through. DebitFree floors at zero and reports insufficiency.
type balanceLedger interface {
	CreditFree(addr types.Address, currency types.Currency, amount *big.Int) error
	DebitFree(addr types.Address, currency types.Currency, amount *big.Int) error
	CreditReserve(currency types.Currency, amount *big.Int) error
}

// collateralGate is evaluated before any borrow commits; it sees the
// hypothetical post-trade position and rejects undercollateralized accounts.
type collateralGate interface {
	CheckBorrow(addr types.Address, currency types.Currency, futureCash, collateralCredit *big.Int, now int64) error
}

// Engine owns the maturity pools of every registered instrument group and
// executes the four position-changing operations against them. All state flows
// through the injected interfaces; the engine holds no balances of its own.
type Engine struct {
	state     engineState
	positions positionLedger
	balances  balanceLedger
	gate      collateralGate
	pauses    common.PauseView
	groups    map[string]GroupConfig
	telemetry *metrics.MarketMetrics
}

func NewEngine() *Engine {
	return &Engine{
		groups:    make(map[string]GroupConfig),
		telemetry: metrics.Market(),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPositions wires the portfolio ledger trades record positions into.
func (e *Engine) SetPositions(positions positionLedger) { e.positions = positions }

// SetBalances wires the escrow engine collateral moves through.
func (e *Engine) SetBalances(balances balanceLedger) { e.balances = balances }

// SetCollateralGate wires the free-collateral check run before borrows commit.
func (e *Engine) SetCollateralGate(gate collateralGate) { e.gate = gate }

// SetPauses wires the optional pause switchboard.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// RegisterGroup installs an instrument group. Curve factors where both anchor
// and scalar are zero describe no curve and are rejected.
func (e *Engine) RegisterGroup(cfg GroupConfig) error {
	if e == nil {
		return errNilState
	}
	if cfg.ID == "" || cfg.PeriodSize == 0 || cfg.NumMaturities == 0 {
		return ErrUnknownGroup
	}
	if isZero(cfg.RateAnchor) && isZero(cfg.RateScalar) {
		return ErrInvalidRateFactors
	}
	e.groups[cfg.ID] = cfg.Clone()
	return nil
}

// SetRateFactors updates the curve factors new pools of the group are created
// with. Existing pools keep the factors they were born with so open positions
// are never repriced by an administrative change.
func (e *Engine) SetRateFactors(groupID string, anchor, scalar *big.Int) error {
	cfg, ok := e.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	if isZero(anchor) && isZero(scalar) {
		return ErrInvalidRateFactors
	}
	cfg.RateAnchor = cloneBigInt(anchor)
	cfg.RateScalar = cloneBigInt(scalar)
	e.groups[groupID] = cfg
	return nil
}

// SetFee updates the trade fee applied by new pools of the group.
func (e *Engine) SetFee(groupID string, feeRateBps uint64) error {
	cfg, ok := e.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	cfg.FeeRateBps = feeRateBps
	e.groups[groupID] = cfg
	return nil
}

// SetMaxTradeSize updates the per-trade notional cap; nil removes the cap.
func (e *Engine) SetMaxTradeSize(groupID string, max *big.Int) error {
	cfg, ok := e.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	if max != nil {
		cfg.MaxTradeSize = new(big.Int).Set(max)
	} else {
		cfg.MaxTradeSize = nil
	}
	e.groups[groupID] = cfg
	return nil
}

// Group returns a copy of the group configuration.
func (e *Engine) Group(groupID string) (GroupConfig, error) {
	cfg, ok := e.groups[groupID]
	if !ok {
		return GroupConfig{}, ErrUnknownGroup
	}
	return cfg.Clone(), nil
}

// Groups lists the registered group identifiers in stable order.
func (e *Engine) Groups() []string {
	ids := make([]string, 0, len(e.groups))
	for id := range e.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeriodSize reports the maturity cadence of a group.
func (e *Engine) PeriodSize(groupID string) (uint64, bool) {
	cfg, ok := e.groups[groupID]
	if !ok {
		return 0, false
	}
	return cfg.PeriodSize, true
}

// GetActiveMaturities returns the group's tradable maturity timestamps at the
// supplied time, earliest first. The window slides forward one period at a
// time; a maturity leaves it only by maturing.
func (e *Engine) GetActiveMaturities(groupID string, now int64) ([]uint64, error) {
	cfg, ok := e.groups[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}
	if now < 0 {
		return nil, ErrMarketInactive
	}
	base := uint64(now) / cfg.PeriodSize
	maturities := make([]uint64, 0, cfg.NumMaturities)
	for i := uint32(1); i <= cfg.NumMaturities; i++ {
		maturities = append(maturities, (base+uint64(i))*cfg.PeriodSize)
	}
	return maturities, nil
}

func (e *Engine) isActive(cfg GroupConfig, maturity uint64, now int64) bool {
	if now < 0 || maturity%cfg.PeriodSize != 0 || maturity <= uint64(now) {
		return false
	}
	base := uint64(now) / cfg.PeriodSize
	last := (base + uint64(cfg.NumMaturities)) * cfg.PeriodSize
	return maturity <= last
}

// Pool returns a copy of the stored pool, or nil when it was never funded.
func (e *Engine) Pool(groupID string, maturity uint64) (*MaturityPool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok := e.groups[groupID]; !ok {
		return nil, ErrUnknownGroup
	}
	pool, err := e.state.GetPool(groupID, maturity)
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

func (e *Engine) loadPool(groupID string, maturity uint64) (*MaturityPool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.state.GetPool(groupID, maturity)
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

func newPool(cfg GroupConfig) *MaturityPool {
	return &MaturityPool{
		TotalFutureCash: new(big.Int),
		TotalCollateral: new(big.Int),
		TotalLiquidity:  new(big.Int),
		RateAnchor:      cloneBigInt(cfg.RateAnchor),
		RateScalar:      cloneBigInt(cfg.RateScalar),
		LastImpliedRate: new(big.Int),
		FeeRateBps:      cfg.FeeRateBps,
	}
}

func (e *Engine) requireWiring() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.positions == nil {
		return errNilPositions
	}
	if e.balances == nil {
		return errNilBalances
	}
	return nil
}

// AddLiquidity deposits collateral and mints matching future cash into the
// pool, returning the liquidity tokens minted. On an empty pool the deposit
// ratio sets the initial proportion, which must fall inside
// (minProportion, maxProportion); afterwards deposits are consumed pro rata
// against the current legs, whichever side binds first. The provider receives
// the tokens plus a payer obligation for the future cash the pool absorbed.
func (e *Engine) AddLiquidity(addr types.Address, groupID string, maturity uint64, collateralIn, futureCashIn, minProportion, maxProportion *big.Int, deadline, now int64) (*big.Int, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return nil, err
	}
	if deadline >= 0 && now > deadline {
		return nil, ErrTradeMaxTime
	}
	if !isPositive(collateralIn) || !isPositive(futureCashIn) {
		return nil, ErrInvalidAmount
	}
	cfg, ok := e.groups[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}
	if !e.isActive(cfg, maturity, now) {
		return nil, ErrMarketInactive
	}
	pool, err := e.loadPool(groupID, maturity)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = newPool(cfg)
	}

	var tokens, consumedCollateral, consumedFutureCash *big.Int
	if pool.TotalLiquidity.Sign() == 0 {
		proportion, err := poolProportion(futureCashIn, collateralIn)
		if err != nil {
			return nil, err
		}
		if err := checkProportionBounds(proportion, minProportion, maxProportion); err != nil {
			return nil, err
		}
		tokens = new(big.Int).Set(collateralIn)
		consumedCollateral = new(big.Int).Set(collateralIn)
		consumedFutureCash = new(big.Int).Set(futureCashIn)
	} else {
		collateralRatio, err := fixedmath.MulDiv(collateralIn, fixedmath.One, pool.TotalCollateral)
		if err != nil {
			return nil, err
		}
		futureCashRatio, err := fixedmath.MulDiv(futureCashIn, fixedmath.One, pool.TotalFutureCash)
		if err != nil {
			return nil, err
		}
		ratio := collateralRatio
		if futureCashRatio.Cmp(ratio) < 0 {
			ratio = futureCashRatio
		}
		tokens, err = fixedmath.MulDiv(pool.TotalLiquidity, ratio, fixedmath.One)
		if err != nil {
			return nil, err
		}
		if tokens.Sign() == 0 {
			return nil, ErrInvalidAmount
		}
		consumedCollateral, err = fixedmath.MulDiv(pool.TotalCollateral, ratio, fixedmath.One)
		if err != nil {
			return nil, err
		}
		consumedFutureCash, err = fixedmath.MulDiv(pool.TotalFutureCash, ratio, fixedmath.One)
		if err != nil {
			return nil, err
		}
		proportion, err := poolProportion(pool.TotalFutureCash, pool.TotalCollateral)
		if err != nil {
			return nil, err
		}
		if err := checkProportionBounds(proportion, minProportion, maxProportion); err != nil {
			return nil, err
		}
	}

	if err := e.balances.DebitFree(addr, cfg.Currency, consumedCollateral); err != nil {
		return nil, err
	}
	// The debit landed; a storage failure in the remaining writes is fatal
	// corruption of the local store, not a rollback path.
	pool.TotalCollateral = new(big.Int).Add(pool.TotalCollateral, consumedCollateral)
	pool.TotalFutureCash = new(big.Int).Add(pool.TotalFutureCash, consumedFutureCash)
	pool.TotalLiquidity = new(big.Int).Add(pool.TotalLiquidity, tokens)
	if err := e.state.PutPool(groupID, maturity, pool); err != nil {
		return nil, err
	}
	if err := e.positions.AddLiquidityToken(addr, groupID, maturity, tokens); err != nil {
		return nil, err
	}
	if consumedFutureCash.Sign() > 0 {
		if err := e.positions.AddObligation(addr, groupID, maturity, portfolio.CashPayer, consumedFutureCash); err != nil {
			return nil, err
		}
	}
	e.telemetry.ObserveLiquidity(groupID, "add")
	return tokens, nil
}

// RemoveLiquidity burns the caller's liquidity tokens for a pro-rata share of
// both pool legs. The collateral share lands in the free balance; the
// future-cash share becomes a receiver claim that nets against the provider's
// payer obligation. Matured pools remain redeemable so providers can always
// exit frozen positions.
func (e *Engine) RemoveLiquidity(addr types.Address, groupID string, maturity uint64, tokens *big.Int, now int64) (*big.Int, *big.Int, error) {
	if err := e.requireWiring(); err != nil {
		return nil, nil, err
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return nil, nil, err
	}
	if !isPositive(tokens) {
		return nil, nil, ErrInvalidAmount
	}
	cfg, ok := e.groups[groupID]
	if !ok {
		return nil, nil, ErrUnknownGroup
	}
	pool, err := e.loadPool(groupID, maturity)
	if err != nil {
		return nil, nil, err
	}
	if pool == nil || pool.TotalLiquidity.Sign() == 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	if tokens.Cmp(pool.TotalLiquidity) > 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	collateralOut, err := fixedmath.MulDiv(pool.TotalCollateral, tokens, pool.TotalLiquidity)
	if err != nil {
		return nil, nil, err
	}
	futureCashOut, err := fixedmath.MulDiv(pool.TotalFutureCash, tokens, pool.TotalLiquidity)
	if err != nil {
		return nil, nil, err
	}

	if err := e.positions.RemoveLiquidityToken(addr, groupID, maturity, tokens); err != nil {
		return nil, nil, err
	}
	pool.TotalCollateral = new(big.Int).Sub(pool.TotalCollateral, collateralOut)
	pool.TotalFutureCash = new(big.Int).Sub(pool.TotalFutureCash, futureCashOut)
	pool.TotalLiquidity = new(big.Int).Sub(pool.TotalLiquidity, tokens)
	if pool.TotalLiquidity.Sign() == 0 && now >= 0 && maturity <= uint64(now) {
		pool.Settled = true
	}
	if err := e.state.PutPool(groupID, maturity, pool); err != nil {
		return nil, nil, err
	}
	if collateralOut.Sign() > 0 {
		if err := e.balances.CreditFree(addr, cfg.Currency, collateralOut); err != nil {
			return nil, nil, err
		}
	}
	if futureCashOut.Sign() > 0 {
		if err := e.positions.AddObligation(addr, groupID, maturity, portfolio.CashReceiver, futureCashOut); err != nil {
			return nil, nil, err
		}
	}
	e.telemetry.ObserveLiquidity(groupID, "remove")
	return collateralOut, futureCashOut, nil
}

// TakeCollateral borrows: the caller mints a payer obligation of futureCash
// and receives collateral now, priced by moving the pool proportion up the
// curve. maxImpliedRate bounds slippage; nil waives the bound. The
// free-collateral gate runs on the hypothetical post-trade position before
// anything is written.
func (e *Engine) TakeCollateral(addr types.Address, groupID string, maturity uint64, futureCash, maxImpliedRate *big.Int, deadline, now int64) (*big.Int, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return nil, err
	}
	if deadline >= 0 && now > deadline {
		return nil, ErrTradeMaxTime
	}
	if !isPositive(futureCash) {
		return nil, ErrInvalidAmount
	}
	cfg, pool, err := e.tradablePool(groupID, maturity, now)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTradeSize != nil && futureCash.Cmp(cfg.MaxTradeSize) > 0 {
		return nil, ErrTradeTooLarge
	}

	collateralGross, rate, err := borrowPrice(pool, futureCash)
	if err != nil {
		return nil, err
	}
	fee, err := feeAmount(collateralGross, pool.FeeRateBps)
	if err != nil {
		return nil, err
	}
	collateralNet := new(big.Int).Sub(collateralGross, fee)
	implied, err := annualizedRate(rate, maturity, now, cfg.PeriodSize)
	if err != nil {
		return nil, err
	}
	if maxImpliedRate != nil && implied.Cmp(maxImpliedRate) > 0 {
		return nil, ErrTradeSlippage
	}
	if e.gate != nil {
		if err := e.gate.CheckBorrow(addr, cfg.Currency, futureCash, collateralNet, now); err != nil {
			e.telemetry.ObserveCollateralCheck("rejected")
			return nil, err
		}
		e.telemetry.ObserveCollateralCheck("passed")
	}

	pool.TotalFutureCash = new(big.Int).Add(pool.TotalFutureCash, futureCash)
	pool.TotalCollateral = new(big.Int).Sub(pool.TotalCollateral, collateralGross)
	pool.LastImpliedRate = implied
	if err := e.state.PutPool(groupID, maturity, pool); err != nil {
		return nil, err
	}
	if err := e.positions.AddObligation(addr, groupID, maturity, portfolio.CashPayer, futureCash); err != nil {
		return nil, err
	}
	if collateralNet.Sign() > 0 {
		if err := e.balances.CreditFree(addr, cfg.Currency, collateralNet); err != nil {
			return nil, err
		}
	}
	if fee.Sign() > 0 {
		if err := e.balances.CreditReserve(cfg.Currency, fee); err != nil {
			return nil, err
		}
	}
	e.observeTrade(groupID, maturity, "borrow", collateralGross, implied)
	return collateralNet, nil
}

// TakeFutureCash lends: the caller pays collateral now and receives a
// receiver claim on future cash at maturity, priced by moving the pool
// proportion down the curve. minImpliedRate bounds slippage; nil waives the
// bound.
func (e *Engine) TakeFutureCash(addr types.Address, groupID string, maturity uint64, collateral, minImpliedRate *big.Int, deadline, now int64) (*big.Int, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return nil, err
	}
	if deadline >= 0 && now > deadline {
		return nil, ErrTradeMaxTime
	}
	if !isPositive(collateral) {
		return nil, ErrInvalidAmount
	}
	cfg, pool, err := e.tradablePool(groupID, maturity, now)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTradeSize != nil && collateral.Cmp(cfg.MaxTradeSize) > 0 {
		return nil, ErrTradeTooLarge
	}

	futureCash, rate, err := lendPrice(pool, collateral)
	if err != nil {
		return nil, err
	}
	fee, err := feeAmount(collateral, pool.FeeRateBps)
	if err != nil {
		return nil, err
	}
	implied, err := annualizedRate(rate, maturity, now, cfg.PeriodSize)
	if err != nil {
		return nil, err
	}
	if minImpliedRate != nil && implied.Cmp(minImpliedRate) < 0 {
		return nil, ErrTradeSlippage
	}

	if err := e.balances.DebitFree(addr, cfg.Currency, collateral); err != nil {
		return nil, err
	}
	pool.TotalCollateral = new(big.Int).Add(pool.TotalCollateral, new(big.Int).Sub(collateral, fee))
	pool.TotalFutureCash = new(big.Int).Sub(pool.TotalFutureCash, futureCash)
	pool.LastImpliedRate = implied
	if err := e.state.PutPool(groupID, maturity, pool); err != nil {
		return nil, err
	}
	if err := e.positions.AddObligation(addr, groupID, maturity, portfolio.CashReceiver, futureCash); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.balances.CreditReserve(cfg.Currency, fee); err != nil {
			return nil, err
		}
	}
	e.observeTrade(groupID, maturity, "lend", collateral, implied)
	return futureCash, nil
}

func (e *Engine) tradablePool(groupID string, maturity uint64, now int64) (GroupConfig, *MaturityPool, error) {
	cfg, ok := e.groups[groupID]
	if !ok {
		return GroupConfig{}, nil, ErrUnknownGroup
	}
	if !e.isActive(cfg, maturity, now) {
		return GroupConfig{}, nil, ErrMarketInactive
	}
	pool, err := e.loadPool(groupID, maturity)
	if err != nil {
		return GroupConfig{}, nil, err
	}
	if pool == nil || pool.TotalLiquidity.Sign() == 0 {
		return GroupConfig{}, nil, ErrLackOfLiquidity
	}
	return cfg, pool, nil
}

// borrowPrice prices a borrow of futureCash against the pool. The post-trade
// proportion is evaluated over the pre-trade denominator so the rate reflects
// the pool the trade executes into.
func borrowPrice(pool *MaturityPool, futureCash *big.Int) (*big.Int, *big.Int, error) {
	denom, err := fixedmath.Add(pool.TotalFutureCash, pool.TotalCollateral)
	if err != nil {
		return nil, nil, err
	}
	if denom.Sign() == 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	newFutureCash, err := fixedmath.Add(pool.TotalFutureCash, futureCash)
	if err != nil {
		return nil, nil, err
	}
	proportion, err := fixedmath.MulDiv(newFutureCash, fixedmath.RatePrecision, denom)
	if err != nil {
		return nil, nil, err
	}
	if proportion.Cmp(maxTradeProportion) > 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	rate, err := exchangeRate(pool.RateAnchor, pool.RateScalar, proportion)
	if err != nil {
		if errors.Is(err, fixedmath.ErrNegativeLog) {
			return nil, nil, ErrLackOfLiquidity
		}
		return nil, nil, err
	}
	if rate.Cmp(fixedmath.RatePrecision) < 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	collateral, err := fixedmath.MulDiv(futureCash, fixedmath.RatePrecision, rate)
	if err != nil {
		return nil, nil, err
	}
	if collateral.Sign() == 0 || collateral.Cmp(pool.TotalCollateral) >= 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	return collateral, rate, nil
}

// lendPrice prices a lend of collateral into the pool. The proportion is
// evaluated with the deposit already in the denominator, which keeps borrow
// and lend quotes on the same curve without a risk-free round trip.
func lendPrice(pool *MaturityPool, collateral *big.Int) (*big.Int, *big.Int, error) {
	denom, err := fixedmath.Add(pool.TotalFutureCash, pool.TotalCollateral)
	if err != nil {
		return nil, nil, err
	}
	denom, err = fixedmath.Add(denom, collateral)
	if err != nil {
		return nil, nil, err
	}
	proportion, err := fixedmath.MulDiv(pool.TotalFutureCash, fixedmath.RatePrecision, denom)
	if err != nil {
		return nil, nil, err
	}
	rate, err := exchangeRate(pool.RateAnchor, pool.RateScalar, proportion)
	if err != nil {
		if errors.Is(err, fixedmath.ErrNegativeLog) {
			return nil, nil, ErrLackOfLiquidity
		}
		return nil, nil, err
	}
	if rate.Cmp(fixedmath.RatePrecision) < 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	futureCash, err := fixedmath.MulDiv(collateral, rate, fixedmath.RatePrecision)
	if err != nil {
		return nil, nil, err
	}
	if futureCash.Sign() == 0 || futureCash.Cmp(pool.TotalFutureCash) >= 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	return futureCash, rate, nil
}

// QuoteFutureCashToCollateral prices a borrow without executing it, net of
// fee. Returns zero with a nil error when the pool cannot absorb the trade;
// only numeric failures surface as errors.
func (e *Engine) QuoteFutureCashToCollateral(groupID string, maturity uint64, futureCash *big.Int, now int64) (*big.Int, error) {
	if !isPositive(futureCash) {
		return new(big.Int), nil
	}
	_, pool, err := e.tradablePool(groupID, maturity, now)
	if err != nil {
		if errors.Is(err, ErrLackOfLiquidity) || errors.Is(err, ErrMarketInactive) {
			return new(big.Int), nil
		}
		return nil, err
	}
	gross, _, err := borrowPrice(pool, futureCash)
	if err != nil {
		if errors.Is(err, ErrLackOfLiquidity) {
			return new(big.Int), nil
		}
		return nil, err
	}
	fee, err := feeAmount(gross, pool.FeeRateBps)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(gross, fee), nil
}

// QuoteCollateralToFutureCash prices a lend without executing it. Returns
// zero with a nil error when the pool cannot absorb the trade.
func (e *Engine) QuoteCollateralToFutureCash(groupID string, maturity uint64, collateral *big.Int, now int64) (*big.Int, error) {
	if !isPositive(collateral) {
		return new(big.Int), nil
	}
	_, pool, err := e.tradablePool(groupID, maturity, now)
	if err != nil {
		if errors.Is(err, ErrLackOfLiquidity) || errors.Is(err, ErrMarketInactive) {
			return new(big.Int), nil
		}
		return nil, err
	}
	futureCash, _, err := lendPrice(pool, collateral)
	if err != nil {
		if errors.Is(err, ErrLackOfLiquidity) {
			return new(big.Int), nil
		}
		return nil, err
	}
	return futureCash, nil
}

// MaxFutureCashToCollateral sizes the largest borrow notional that keeps the
// annualized rate at or below the supplied limit, via the curve inverse.
// Returns zero when the pool already trades above the limit.
func (e *Engine) MaxFutureCashToCollateral(groupID string, maturity uint64, annualRateLimit *big.Int, now int64) (*big.Int, error) {
	cfg, pool, err := e.tradablePool(groupID, maturity, now)
	if err != nil {
		if errors.Is(err, ErrLackOfLiquidity) || errors.Is(err, ErrMarketInactive) {
			return new(big.Int), nil
		}
		return nil, err
	}
	rateLimit, err := spotRateFromAnnualized(annualRateLimit, maturity, now, cfg.PeriodSize)
	if err != nil {
		return nil, err
	}
	maxProportion, err := proportionFromRate(pool.RateAnchor, pool.RateScalar, rateLimit)
	if err != nil {
		if errors.Is(err, fixedmath.ErrExpOverflow) {
			return new(big.Int), nil
		}
		return nil, err
	}
	if maxProportion.Cmp(maxTradeProportion) > 0 {
		maxProportion = new(big.Int).Set(maxTradeProportion)
	}
	denom, err := fixedmath.Add(pool.TotalFutureCash, pool.TotalCollateral)
	if err != nil {
		return nil, err
	}
	limitFutureCash, err := fixedmath.MulDiv(maxProportion, denom, fixedmath.RatePrecision)
	if err != nil {
		return nil, err
	}
	maxNotional := new(big.Int).Sub(limitFutureCash, pool.TotalFutureCash)
	if maxNotional.Sign() < 0 {
		return new(big.Int), nil
	}
	return maxNotional, nil
}

// GetRate reports the pool's current spot exchange rate and last traded
// annualized rate.
func (e *Engine) GetRate(groupID string, maturity uint64) (RateInfo, error) {
	pool, err := e.Pool(groupID, maturity)
	if err != nil {
		return RateInfo{}, err
	}
	info := RateInfo{Maturity: maturity, SpotRate: new(big.Int), LastImpliedRate: new(big.Int)}
	if pool == nil {
		return info, nil
	}
	info.LastImpliedRate = cloneBigInt(pool.LastImpliedRate)
	proportion, err := poolProportion(pool.TotalFutureCash, pool.TotalCollateral)
	if err != nil {
		return info, nil
	}
	spot, err := exchangeRate(pool.RateAnchor, pool.RateScalar, proportion)
	if err != nil {
		return info, nil
	}
	info.SpotRate = spot
	return info, nil
}

// GetMarketRates snapshots the rates of every active maturity in the group.
func (e *Engine) GetMarketRates(groupID string, now int64) ([]RateInfo, error) {
	maturities, err := e.GetActiveMaturities(groupID, now)
	if err != nil {
		return nil, err
	}
	infos := make([]RateInfo, 0, len(maturities))
	for _, maturity := range maturities {
		info, err := e.GetRate(groupID, maturity)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// PoolShare values a liquidity-token amount as its pro-rata claim on both
// pool legs. Zero holdings and unfunded pools value to zero.
func (e *Engine) PoolShare(groupID string, maturity uint64, tokens *big.Int) (*big.Int, *big.Int, error) {
	pool, err := e.Pool(groupID, maturity)
	if err != nil {
		return nil, nil, err
	}
	if pool == nil || pool.TotalLiquidity.Sign() == 0 || !isPositive(tokens) {
		return new(big.Int), new(big.Int), nil
	}
	collateral, err := fixedmath.MulDiv(pool.TotalCollateral, tokens, pool.TotalLiquidity)
	if err != nil {
		return nil, nil, err
	}
	futureCash, err := fixedmath.MulDiv(pool.TotalFutureCash, tokens, pool.TotalLiquidity)
	if err != nil {
		return nil, nil, err
	}
	return collateral, futureCash, nil
}

// LastImpliedRate reports the annualized rate of the most recent trade in the
// pool, zero when the pool never traded.
func (e *Engine) LastImpliedRate(groupID string, maturity uint64) (*big.Int, error) {
	pool, err := e.Pool(groupID, maturity)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return new(big.Int), nil
	}
	return cloneBigInt(pool.LastImpliedRate), nil
}

// RedeemTokens burns liquidity tokens directly against the pool and returns
// the redeemed legs without touching any account. The settlement engine uses
// this to crystallize matured token positions; the caller owns the resulting
// balance movements.
func (e *Engine) RedeemTokens(groupID string, maturity uint64, tokens *big.Int, now int64) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if !isPositive(tokens) {
		return nil, nil, ErrInvalidAmount
	}
	if _, ok := e.groups[groupID]; !ok {
		return nil, nil, ErrUnknownGroup
	}
	pool, err := e.loadPool(groupID, maturity)
	if err != nil {
		return nil, nil, err
	}
	if pool == nil || pool.TotalLiquidity.Sign() == 0 || tokens.Cmp(pool.TotalLiquidity) > 0 {
		return nil, nil, ErrLackOfLiquidity
	}
	collateral, err := fixedmath.MulDiv(pool.TotalCollateral, tokens, pool.TotalLiquidity)
	if err != nil {
		return nil, nil, err
	}
	futureCash, err := fixedmath.MulDiv(pool.TotalFutureCash, tokens, pool.TotalLiquidity)
	if err != nil {
		return nil, nil, err
	}
	pool.TotalCollateral = new(big.Int).Sub(pool.TotalCollateral, collateral)
	pool.TotalFutureCash = new(big.Int).Sub(pool.TotalFutureCash, futureCash)
	pool.TotalLiquidity = new(big.Int).Sub(pool.TotalLiquidity, tokens)
	if pool.TotalLiquidity.Sign() == 0 && now >= 0 && maturity <= uint64(now) {
		pool.Settled = true
	}
	if err := e.state.PutPool(groupID, maturity, pool); err != nil {
		return nil, nil, err
	}
	return collateral, futureCash, nil
}

// SellReceiverPosition executes a borrow-side trade on behalf of the
// settlement engine to convert an unmatured receiver claim into collateral.
// It skips the free-collateral gate: the payer obligation it mints nets
// against the receiver being sold, and the seller is already
// undercollateralized when this runs.
func (e *Engine) SellReceiverPosition(addr types.Address, groupID string, maturity uint64, futureCash *big.Int, now int64) (*big.Int, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return nil, err
	}
	if !isPositive(futureCash) {
		return nil, ErrInvalidAmount
	}
	cfg, pool, err := e.tradablePool(groupID, maturity, now)
	if err != nil {
		return nil, err
	}
	collateralGross, rate, err := borrowPrice(pool, futureCash)
	if err != nil {
		return nil, err
	}
	fee, err := feeAmount(collateralGross, pool.FeeRateBps)
	if err != nil {
		return nil, err
	}
	collateralNet := new(big.Int).Sub(collateralGross, fee)
	implied, err := annualizedRate(rate, maturity, now, cfg.PeriodSize)
	if err != nil {
		return nil, err
	}
	pool.TotalFutureCash = new(big.Int).Add(pool.TotalFutureCash, futureCash)
	pool.TotalCollateral = new(big.Int).Sub(pool.TotalCollateral, collateralGross)
	pool.LastImpliedRate = implied
	if err := e.state.PutPool(groupID, maturity, pool); err != nil {
		return nil, err
	}
	if err := e.positions.AddObligation(addr, groupID, maturity, portfolio.CashPayer, futureCash); err != nil {
		return nil, err
	}
	if collateralNet.Sign() > 0 {
		if err := e.balances.CreditFree(addr, cfg.Currency, collateralNet); err != nil {
			return nil, err
		}
	}
	if fee.Sign() > 0 {
		if err := e.balances.CreditReserve(cfg.Currency, fee); err != nil {
			return nil, err
		}
	}
	e.observeTrade(groupID, maturity, "settlement_sell", collateralGross, implied)
	return collateralNet, nil
}

func (e *Engine) observeTrade(groupID string, maturity uint64, side string, collateral, implied *big.Int) {
	volume, _ := new(big.Float).SetInt(collateral).Float64()
	e.telemetry.ObserveTrade(groupID, side, volume)
	rate, _ := new(big.Float).SetInt(implied).Float64()
	e.telemetry.SetImpliedRate(groupID, fmt.Sprintf("%d", maturity), rate)
}

func checkProportionBounds(proportion, min, max *big.Int) error {
	if proportion.Sign() <= 0 || proportion.Cmp(fixedmath.RatePrecision) >= 0 {
		return ErrProportionBounds
	}
	if min != nil && proportion.Cmp(min) < 0 {
		return ErrProportionBounds
	}
	if max != nil && max.Sign() > 0 && proportion.Cmp(max) > 0 {
		return ErrProportionBounds
	}
	return nil
}

func isPositive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

func isZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }
