package portfolio

import (
	"math/big"

	"cashmarket/core/types"
	"cashmarket/fixedmath"
)

var bpsDenominator = big.NewInt(10_000)

// ComputeFreeCollateral values the account's entire position set and reports
// the aggregate solvency margin in the base currency alongside the per-currency
// nets in local units. A negative aggregate means the account is
// undercollateralized and eligible for liquidation.
func (l *Ledger) ComputeFreeCollateral(addr types.Address, now int64) (*big.Int, map[types.Currency]*big.Int, error) {
	nets, err := l.currencyNets(addr, now)
	if err != nil {
		return nil, nil, err
	}
	aggregate, err := l.aggregateNets(nets)
	if err != nil {
		return nil, nil, err
	}
	return aggregate, nets, nil
}

// CheckBorrow verifies the account stays collateralized if a payer obligation
// of futureCash were minted against a collateral credit in the same currency.
// Called by the market before any trade state is committed.
func (l *Ledger) CheckBorrow(addr types.Address, currency types.Currency, futureCash, collateralCredit *big.Int, now int64) error {
	delta := new(big.Int).Sub(collateralCredit, futureCash)
	return l.checkWithDelta(addr, currency, delta, now)
}

// CheckWithdraw verifies the account stays collateralized after removing the
// amount from its free balance.
func (l *Ledger) CheckWithdraw(addr types.Address, currency types.Currency, amount *big.Int, now int64) error {
	delta := new(big.Int).Neg(amount)
	return l.checkWithDelta(addr, currency, delta, now)
}

func (l *Ledger) checkWithDelta(addr types.Address, currency types.Currency, delta *big.Int, now int64) error {
	nets, err := l.currencyNets(addr, now)
	if err != nil {
		return err
	}
	net, ok := nets[currency]
	if !ok {
		net = new(big.Int)
	}
	nets[currency] = new(big.Int).Add(net, delta)
	aggregate, err := l.aggregateNets(nets)
	if err != nil {
		return err
	}
	if aggregate.Sign() < 0 {
		return ErrInsufficientCollateral
	}
	return nil
}

func (l *Ledger) currencyNets(addr types.Address, now int64) (map[types.Currency]*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if l.balances == nil {
		return nil, errNilBalances
	}
	if l.market == nil {
		return nil, errNilMarket
	}

	nets := make(map[types.Currency]*big.Int, len(l.currencies))
	for _, currency := range l.currencies {
		cash, free, err := l.balances.Balances(addr, currency)
		if err != nil {
			return nil, err
		}
		net := new(big.Int).Add(cash, free)
		nets[currency] = net
	}

	p, err := l.ensurePortfolio(addr)
	if err != nil {
		return nil, err
	}
	for _, asset := range p.Assets {
		currency, ok := l.groupCurrency[asset.GroupID]
		if !ok {
			return nil, errUnknownGroup
		}
		value, err := l.assetValue(asset, now)
		if err != nil {
			return nil, err
		}
		net, ok := nets[currency]
		if !ok {
			net = new(big.Int)
		}
		nets[currency] = net.Add(net, value)
	}
	return nets, nil
}

// assetValue is the signed local-currency value of one position record.
// Payer obligations are charged at full face value: a debt is never
// discounted in the debtor's favor.
func (l *Ledger) assetValue(asset Asset, now int64) (*big.Int, error) {
	switch asset.Kind {
	case CashPayer:
		return new(big.Int).Neg(asset.Notional), nil
	case CashReceiver:
		if asset.Matured(now) {
			return new(big.Int).Set(asset.Notional), nil
		}
		return l.presentValue(asset.GroupID, asset.Maturity, asset.Notional, now)
	case LiquidityToken:
		collateral, futureCash, err := l.market.PoolShare(asset.GroupID, asset.Maturity, asset.Notional)
		if err != nil {
			return nil, err
		}
		var futureValue *big.Int
		if asset.Matured(now) {
			futureValue = futureCash
		} else {
			futureValue, err = l.presentValue(asset.GroupID, asset.Maturity, futureCash, now)
			if err != nil {
				return nil, err
			}
		}
		return new(big.Int).Add(collateral, futureValue), nil
	}
	return new(big.Int), nil
}

// presentValue prices unmatured future cash through the market quote, falling
// back to discounting at the pool's last implied rate when the quote returns
// its infeasibility sentinel.
func (l *Ledger) presentValue(groupID string, maturity uint64, notional *big.Int, now int64) (*big.Int, error) {
	if notional == nil || notional.Sign() == 0 {
		return new(big.Int), nil
	}
	quote, err := l.market.QuoteFutureCashToCollateral(groupID, maturity, notional, now)
	if err != nil {
		return nil, err
	}
	if quote.Sign() > 0 {
		return quote, nil
	}

	rate, err := l.market.LastImpliedRate(groupID, maturity)
	if err != nil || rate == nil || rate.Sign() <= 0 {
		return new(big.Int), nil
	}
	period, ok := l.market.PeriodSize(groupID)
	if !ok || period == 0 {
		return new(big.Int), nil
	}
	timeToMaturity := new(big.Int).SetUint64(maturity - uint64(now))
	periodRate, err := fixedmath.MulDiv(rate, timeToMaturity, new(big.Int).SetUint64(period))
	if err != nil {
		return nil, err
	}
	denom, err := fixedmath.Add(fixedmath.RatePrecision, periodRate)
	if err != nil {
		return nil, err
	}
	return fixedmath.MulDiv(notional, fixedmath.RatePrecision, denom)
}

func (l *Ledger) aggregateNets(nets map[types.Currency]*big.Int) (*big.Int, error) {
	if l.rates == nil {
		return nil, errNilOracle
	}
	aggregate := new(big.Int)
	for _, currency := range l.currencies {
		net, ok := nets[currency]
		if !ok || net.Sign() == 0 {
			continue
		}
		converted, err := l.convertToBase(currency, net)
		if err != nil {
			return nil, err
		}
		var addErr error
		aggregate, addErr = fixedmath.Add(aggregate, converted)
		if addErr != nil {
			return nil, addErr
		}
	}
	return aggregate, nil
}

// convertToBase converts a local-currency net into the base currency. Positive
// nets are discounted by the pair's haircut; debts convert at the full rate.
func (l *Ledger) convertToBase(currency types.Currency, net *big.Int) (*big.Int, error) {
	if currency == l.baseCurrency {
		return new(big.Int).Set(net), nil
	}
	quote, err := l.rates.GetExchangeRate(string(l.baseCurrency), string(currency))
	if err != nil {
		return nil, err
	}
	converted, err := fixedmath.MulDiv(net, quote.Rate, quote.RateDecimals)
	if err != nil {
		return nil, err
	}
	if net.Sign() > 0 {
		haircut := new(big.Int).SetUint64(quote.HaircutBps)
		converted, err = fixedmath.MulDiv(converted, haircut, bpsDenominator)
		if err != nil {
			return nil, err
		}
	}
	return converted, nil
}
