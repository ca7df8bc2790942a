// Package settlement turns matured position records into cash movements and
// enforces solvency on accounts that fall below their collateral requirement.
// Settlement is lazy: nothing happens at the maturity instant, the engine runs
// when invoked against an account. Cash movements route through the reserve
// account, which acts as the clearinghouse counterparty so cash balances stay
// zero-sum across the system.
package settlement

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"cashmarket/core/types"
	"cashmarket/fixedmath"
	"cashmarket/native/common"
	"cashmarket/native/escrow"
	"cashmarket/native/market"
	"cashmarket/native/oracle"
	"cashmarket/native/portfolio"
	"cashmarket/observability/metrics"
)

var (
	errNilMarket    = errors.New("settlement engine: market not configured")
	errNilPositions = errors.New("settlement engine: portfolio ledger not configured")
	errNilBalances  = errors.New("settlement engine: escrow not configured")
	errNilOracle    = errors.New("settlement engine: oracle not configured")

	ErrCannotLiquidate = common.NewError(common.CodeCannotLiquidate, "settlement: account is sufficiently collateralized")
	ErrRaiseCashFailed = common.NewError(common.CodeRaiseCashFailed, "settlement: unable to raise cash")
)

const pauseModule = "settlement"

var bpsDenominator = big.NewInt(10_000)

// Engine composes the market, portfolio and escrow engines into the
// settlement and liquidation operations.
type Engine struct {
	market    *market.Engine
	positions *portfolio.Ledger
	balances  *escrow.Engine
	rates     oracle.ExchangeRateOracle
	pauses    common.PauseView
	// maxRaiseRate caps the annualized rate settlement sales may push a pool
	// to; nil leaves sales unbounded.
	maxRaiseRate *big.Int
	telemetry    *metrics.MarketMetrics
}

func NewEngine() *Engine {
	return &Engine{telemetry: metrics.Market()}
}

// SetMarket wires the market engine used for token redemption and raise-cash
// sales.
func (e *Engine) SetMarket(m *market.Engine) { e.market = m }

// SetPositions wires the portfolio ledger.
func (e *Engine) SetPositions(p *portfolio.Ledger) { e.positions = p }

// SetBalances wires the escrow engine.
func (e *Engine) SetBalances(b *escrow.Engine) { e.balances = b }

// SetOracle wires the exchange-rate capability liquidation prices against.
func (e *Engine) SetOracle(rates oracle.ExchangeRateOracle) { e.rates = rates }

// SetPauses wires the optional pause switchboard.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetMaxSettlementRate caps the annualized rate raise-cash sales may move a
// pool to; nil removes the cap.
func (e *Engine) SetMaxSettlementRate(rate *big.Int) {
	if rate == nil {
		e.maxRaiseRate = nil
		return
	}
	e.maxRaiseRate = new(big.Int).Set(rate)
}

func (e *Engine) requireWiring() error {
	if e == nil || e.market == nil {
		return errNilMarket
	}
	if e.positions == nil {
		return errNilPositions
	}
	if e.balances == nil {
		return errNilBalances
	}
	return nil
}

// AccountOutcome reports what one settlement pass did to an account.
type AccountOutcome struct {
	Address      types.Address
	Crystallized []portfolio.Asset
	Residuals    map[types.Currency]*big.Int
	// RaiseCashErrs records market sales that failed while covering a
	// currency's deficit; the deficit then fell through to the reserve.
	RaiseCashErrs map[types.Currency]error
}

// FullySettled reports whether the account carries no residual cash deficit.
func (o *AccountOutcome) FullySettled() bool {
	if o == nil {
		return false
	}
	for _, residual := range o.Residuals {
		if residual != nil && residual.Sign() > 0 {
			return false
		}
	}
	return true
}

// BatchResult reports a batch settlement run. Accounts settle independently;
// one failing account never reverts the others.
type BatchResult struct {
	BatchID  string
	Outcomes []*AccountOutcome
	Failures map[string]error
}

// SettleAccount crystallizes the account's matured positions into cash
// balances, then resolves any resulting cash deficit: first from the free
// balance, then by selling unmatured receiver claims back to the market, and
// last by drawing on the reserve. A deficit that survives all three steps is
// reported as a residual, never reverted; partial settlement leaves the
// system consistent.
func (e *Engine) SettleAccount(addr types.Address, now int64) (*AccountOutcome, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return nil, err
	}
	removed, err := e.positions.RemoveMatured(addr, now)
	if err != nil {
		return nil, err
	}
	outcome := &AccountOutcome{
		Address:       addr,
		Crystallized:  removed,
		Residuals:     make(map[types.Currency]*big.Int),
		RaiseCashErrs: make(map[types.Currency]error),
	}
	for _, asset := range removed {
		if err := e.crystallize(addr, asset, now); err != nil {
			return nil, err
		}
	}
	for _, currency := range e.currencies() {
		if err := e.resolveCash(addr, currency, now, outcome); err != nil {
			return nil, err
		}
	}
	if outcome.FullySettled() {
		e.telemetry.ObserveSettlement("full")
	} else {
		e.telemetry.ObserveSettlement("partial")
	}
	return outcome, nil
}

// SettleAccountBatch settles each account independently under one batch
// identifier. Failed accounts are recorded and skipped; the batch never
// rolls back.
func (e *Engine) SettleAccountBatch(addrs []types.Address, now int64) (*BatchResult, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	result := &BatchResult{
		BatchID:  uuid.New().String(),
		Failures: make(map[string]error),
	}
	for _, addr := range addrs {
		outcome, err := e.SettleAccount(addr, now)
		if err != nil {
			result.Failures[addr.Hex()] = err
			continue
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

// crystallize converts one matured position record into balance entries.
// Payers owe face value, receivers are owed face value, and liquidity tokens
// split into their collateral share (immediately free) and future-cash share
// (owed at par).
func (e *Engine) crystallize(addr types.Address, asset portfolio.Asset, now int64) error {
	cfg, err := e.market.Group(asset.GroupID)
	if err != nil {
		return err
	}
	switch asset.Kind {
	case portfolio.CashPayer:
		return e.balances.AddCashBalance(addr, cfg.Currency, new(big.Int).Neg(asset.Notional))
	case portfolio.CashReceiver:
		return e.balances.AddCashBalance(addr, cfg.Currency, asset.Notional)
	case portfolio.LiquidityToken:
		collateral, futureCash, err := e.market.RedeemTokens(asset.GroupID, asset.Maturity, asset.Notional, now)
		if err != nil {
			return err
		}
		if collateral.Sign() > 0 {
			if err := e.balances.CreditFree(addr, cfg.Currency, collateral); err != nil {
				return err
			}
		}
		if futureCash.Sign() > 0 {
			return e.balances.AddCashBalance(addr, cfg.Currency, futureCash)
		}
		return nil
	}
	return nil
}

func (e *Engine) currencies() []types.Currency {
	seen := make(map[types.Currency]bool)
	var currencies []types.Currency
	for _, groupID := range e.market.Groups() {
		cfg, err := e.market.Group(groupID)
		if err != nil {
			continue
		}
		if !seen[cfg.Currency] {
			seen[cfg.Currency] = true
			currencies = append(currencies, cfg.Currency)
		}
	}
	return currencies
}

// resolveCash settles the account's cash balance in one currency against the
// reserve clearinghouse.
func (e *Engine) resolveCash(addr types.Address, currency types.Currency, now int64, outcome *AccountOutcome) error {
	acct, err := e.balances.Account(addr, currency)
	if err != nil {
		return err
	}
	if acct.CashBalance.Sign() == 0 {
		return nil
	}
	reserve := e.balances.ReserveAddress()
	if addr == reserve {
		return nil
	}
	if acct.CashBalance.Sign() > 0 {
		return e.payCreditor(addr, currency, acct.CashBalance)
	}

	deficit := new(big.Int).Neg(acct.CashBalance)
	deficit, err = e.absorbFromFree(addr, currency, deficit)
	if err != nil {
		return err
	}
	if deficit.Sign() > 0 {
		deficit, err = e.raiseCash(addr, currency, deficit, now, outcome)
		if err != nil {
			return err
		}
	}
	if deficit.Sign() > 0 {
		deficit, err = e.drawReserve(addr, currency, deficit)
		if err != nil {
			return err
		}
	}
	if deficit.Sign() > 0 {
		outcome.Residuals[currency] = deficit
		e.telemetry.ObserveSettlementResidue(string(currency))
	}
	return nil
}

// payCreditor pays a positive cash claim out of the reserve's free balance,
// as far as it stretches. The remainder stays on the account as a claim.
func (e *Engine) payCreditor(addr types.Address, currency types.Currency, claim *big.Int) error {
	reserve := e.balances.ReserveAddress()
	reserveAcct, err := e.balances.Account(reserve, currency)
	if err != nil {
		return err
	}
	amount := new(big.Int).Set(claim)
	if reserveAcct.FreeBalance.Cmp(amount) < 0 {
		amount = new(big.Int).Set(reserveAcct.FreeBalance)
	}
	if amount.Sign() <= 0 {
		return nil
	}
	if err := e.balances.TransferFree(reserve, addr, currency, amount); err != nil {
		return err
	}
	if err := e.balances.AddCashBalance(addr, currency, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	return e.balances.AddCashBalance(reserve, currency, amount)
}

// absorbFromFree pays down the deficit from the account's own free balance,
// moving the funds to the reserve clearinghouse. Returns the remaining
// deficit.
func (e *Engine) absorbFromFree(addr types.Address, currency types.Currency, deficit *big.Int) (*big.Int, error) {
	acct, err := e.balances.Account(addr, currency)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(deficit)
	if acct.FreeBalance.Cmp(amount) < 0 {
		amount = new(big.Int).Set(acct.FreeBalance)
	}
	if amount.Sign() <= 0 {
		return deficit, nil
	}
	reserve := e.balances.ReserveAddress()
	if err := e.balances.TransferFree(addr, reserve, currency, amount); err != nil {
		return nil, err
	}
	if err := e.balances.AddCashBalance(addr, currency, amount); err != nil {
		return nil, err
	}
	if err := e.balances.AddCashBalance(reserve, currency, new(big.Int).Neg(amount)); err != nil {
		return nil, err
	}
	return new(big.Int).Sub(deficit, amount), nil
}

// raiseCash sells the account's unmatured receiver claims back to the market,
// earliest maturity first, absorbing the proceeds until the deficit clears or
// the claims run out. A failed sale never aborts the pass; it is recorded on
// the outcome and the deficit falls through to the reserve.
func (e *Engine) raiseCash(addr types.Address, currency types.Currency, deficit *big.Int, now int64, outcome *AccountOutcome) (*big.Int, error) {
	receivers, err := e.positions.UnmaturedReceivers(addr, currency, now)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Set(deficit)
	var failure error
	for _, receiver := range receivers {
		if remaining.Sign() <= 0 {
			break
		}
		sellAmount, err := e.sizeSale(receiver, remaining, now)
		if err != nil {
			failure = err
			continue
		}
		if sellAmount.Sign() <= 0 {
			continue
		}
		if _, err := e.market.SellReceiverPosition(addr, receiver.GroupID, receiver.Maturity, sellAmount, now); err != nil {
			failure = err
			continue
		}
		remaining, err = e.absorbFromFree(addr, currency, remaining)
		if err != nil {
			return nil, err
		}
	}
	if failure != nil && remaining.Sign() > 0 {
		outcome.RaiseCashErrs[currency] = fmt.Errorf("%w: %w", ErrRaiseCashFailed, failure)
	}
	return remaining, nil
}

// sizeSale estimates the future-cash notional whose sale proceeds cover the
// deficit, grossing the deficit up by the pool's last implied rate and
// capping at the claim size and the configured settlement rate bound.
func (e *Engine) sizeSale(receiver portfolio.Asset, deficit *big.Int, now int64) (*big.Int, error) {
	amount := new(big.Int).Set(deficit)
	rate, err := e.market.LastImpliedRate(receiver.GroupID, receiver.Maturity)
	if err != nil {
		return nil, err
	}
	period, ok := e.market.PeriodSize(receiver.GroupID)
	if ok && rate.Sign() > 0 && now >= 0 && receiver.Maturity > uint64(now) {
		timeToMaturity := new(big.Int).SetUint64(receiver.Maturity - uint64(now))
		periodRate, err := fixedmath.MulDiv(rate, timeToMaturity, new(big.Int).SetUint64(period))
		if err != nil {
			return nil, err
		}
		factor, err := fixedmath.Add(fixedmath.RatePrecision, periodRate)
		if err != nil {
			return nil, err
		}
		amount, err = fixedmath.MulDiv(deficit, factor, fixedmath.RatePrecision)
		if err != nil {
			return nil, err
		}
	}
	// Verify against the live quote and bump until the net proceeds cover the
	// deficit or the claim is exhausted; the estimate above ignores curve
	// slippage and fees.
	for i := 0; i < 6; i++ {
		if amount.Cmp(receiver.Notional) >= 0 {
			break
		}
		proceeds, err := e.market.QuoteFutureCashToCollateral(receiver.GroupID, receiver.Maturity, amount, now)
		if err != nil {
			return nil, err
		}
		if proceeds.Cmp(deficit) >= 0 {
			break
		}
		amount, err = fixedmath.MulDiv(amount, big.NewInt(5), big.NewInt(4))
		if err != nil {
			return nil, err
		}
	}
	if amount.Cmp(receiver.Notional) > 0 {
		amount = new(big.Int).Set(receiver.Notional)
	}
	if e.maxRaiseRate != nil {
		limit, err := e.market.MaxFutureCashToCollateral(receiver.GroupID, receiver.Maturity, e.maxRaiseRate, now)
		if err != nil {
			return nil, err
		}
		if amount.Cmp(limit) > 0 {
			amount = limit
		}
	}
	return amount, nil
}

// drawReserve forgives the remaining deficit against the reserve's capacity,
// the reserve taking the loss onto its own cash balance. Returns the
// remaining deficit.
func (e *Engine) drawReserve(addr types.Address, currency types.Currency, deficit *big.Int) (*big.Int, error) {
	reserve := e.balances.ReserveAddress()
	reserveAcct, err := e.balances.Account(reserve, currency)
	if err != nil {
		return nil, err
	}
	capacity := new(big.Int).Add(reserveAcct.FreeBalance, reserveAcct.CashBalance)
	if capacity.Sign() <= 0 {
		return deficit, nil
	}
	amount := new(big.Int).Set(deficit)
	if capacity.Cmp(amount) < 0 {
		amount = capacity
	}
	if err := e.balances.AddCashBalance(addr, currency, amount); err != nil {
		return nil, err
	}
	if err := e.balances.AddCashBalance(reserve, currency, new(big.Int).Neg(amount)); err != nil {
		return nil, err
	}
	return new(big.Int).Sub(deficit, amount), nil
}

// Liquidate lets the liquidator buy the debtor's collateral in the supplied
// currency at the oracle rate less the liquidation discount, restoring the
// debtor's free-collateral position. The debtor's liquidity tokens in that
// currency are burned first, which alone may cure the shortfall. Returns the
// collateral amount purchased.
func (e *Engine) Liquidate(liquidator, debtor types.Address, currency types.Currency, now int64) (*big.Int, error) {
	if err := e.requireWiring(); err != nil {
		return nil, err
	}
	if e.rates == nil {
		return nil, errNilOracle
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return nil, err
	}
	aggregate, _, err := e.positions.ComputeFreeCollateral(debtor, now)
	if err != nil {
		return nil, err
	}
	if aggregate.Sign() >= 0 {
		return nil, ErrCannotLiquidate
	}

	if err := e.burnDebtorTokens(debtor, currency, now); err != nil {
		return nil, err
	}
	aggregate, _, err = e.positions.ComputeFreeCollateral(debtor, now)
	if err != nil {
		return nil, err
	}
	if aggregate.Sign() >= 0 {
		e.telemetry.ObserveLiquidation(string(currency))
		return new(big.Int), nil
	}

	base := e.positions.BaseCurrency()
	if currency == base {
		return nil, ErrCannotLiquidate
	}
	deficit := new(big.Int).Neg(aggregate)
	quote, err := e.rates.GetExchangeRate(string(base), string(currency))
	if err != nil {
		return nil, err
	}
	if quote.LiquidationBps <= quote.HaircutBps {
		return nil, ErrCannotLiquidate
	}

	// Each purchased unit raises free collateral by rate*(discount-haircut):
	// the haircut-discounted collateral leaves, base at the discounted price
	// arrives at full weight.
	benefitBps := new(big.Int).SetUint64(quote.LiquidationBps - quote.HaircutBps)
	benefitRate, err := fixedmath.MulDiv(quote.Rate, benefitBps, bpsDenominator)
	if err != nil {
		return nil, err
	}
	if benefitRate.Sign() <= 0 {
		return nil, ErrCannotLiquidate
	}
	amount, err := fixedmath.MulDiv(deficit, quote.RateDecimals, benefitRate)
	if err != nil {
		return nil, err
	}
	_, debtorFree, err := e.balances.Balances(debtor, currency)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(debtorFree) > 0 {
		amount = new(big.Int).Set(debtorFree)
	}
	if amount.Sign() <= 0 {
		return nil, ErrCannotLiquidate
	}

	discountedRate, err := fixedmath.MulDiv(quote.Rate, new(big.Int).SetUint64(quote.LiquidationBps), bpsDenominator)
	if err != nil {
		return nil, err
	}
	basePaid, err := fixedmath.MulDiv(amount, discountedRate, quote.RateDecimals)
	if err != nil {
		return nil, err
	}
	if basePaid.Sign() <= 0 {
		return nil, ErrCannotLiquidate
	}
	if err := e.balances.DebitFree(liquidator, base, basePaid); err != nil {
		return nil, err
	}
	if err := e.balances.CreditFree(debtor, base, basePaid); err != nil {
		return nil, err
	}
	if err := e.balances.DebitFree(debtor, currency, amount); err != nil {
		return nil, err
	}
	if err := e.balances.CreditFree(liquidator, currency, amount); err != nil {
		return nil, err
	}
	e.telemetry.ObserveLiquidation(string(currency))
	return amount, nil
}

// burnDebtorTokens redeems the debtor's liquidity tokens in the deficit
// currency, converting haircut collateral claims into full-weight free
// balance.
func (e *Engine) burnDebtorTokens(debtor types.Address, currency types.Currency, now int64) error {
	holdings, err := e.positions.TokenHoldings(debtor, currency)
	if err != nil {
		return err
	}
	for _, holding := range holdings {
		if _, _, err := e.market.RemoveLiquidity(debtor, holding.GroupID, holding.Maturity, holding.Notional, now); err != nil {
			return err
		}
	}
	return nil
}
