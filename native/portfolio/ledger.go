package portfolio

import (
	"errors"
	"math/big"
	"sort"

	"cashmarket/core/types"
	"cashmarket/native/common"
	"cashmarket/native/oracle"
)

var (
	errNilState     = errors.New("portfolio ledger: state not configured")
	errNilMarket    = errors.New("portfolio ledger: market view not configured")
	errNilBalances  = errors.New("portfolio ledger: balance view not configured")
	errNilOracle    = errors.New("portfolio ledger: oracle not configured")
	errUnknownGroup = common.NewError(common.CodeUnknownGroup, "portfolio: unknown instrument group")

	ErrInvalidAmount          = common.NewError(common.CodeInvalidAmount, "portfolio: notional must be positive")
	ErrInsufficientBalance    = common.NewError(common.CodeInsufficientBalance, "portfolio: insufficient balance")
	ErrInsufficientCollateral = common.NewError(common.CodeInsufficientFreeCollateral, "portfolio: insufficient free collateral")
)

type ledgerState interface {
	GetPortfolio(addr types.Address) (*Portfolio, error)
	PutPortfolio(addr types.Address, p *Portfolio) error
}

// MarketView is the slice of the market engine the ledger needs to value
// unmatured positions. Quotes are pure and evaluated at the supplied time.
type MarketView interface {
	QuoteFutureCashToCollateral(group string, maturity uint64, futureCash *big.Int, now int64) (*big.Int, error)
	PoolShare(group string, maturity uint64, tokens *big.Int) (collateral, futureCash *big.Int, err error)
	LastImpliedRate(group string, maturity uint64) (*big.Int, error)
	PeriodSize(group string) (uint64, bool)
}

// BalanceView exposes the escrow balances free collateral aggregates over.
type BalanceView interface {
	Balances(addr types.Address, currency types.Currency) (cash, free *big.Int, err error)
}

// Ledger owns the per-account position records and the free-collateral
// valuation over them.
type Ledger struct {
	state         ledgerState
	market        MarketView
	balances      BalanceView
	rates         oracle.ExchangeRateOracle
	baseCurrency  types.Currency
	currencies    []types.Currency
	groupCurrency map[string]types.Currency
}

// NewLedger constructs a ledger reporting free collateral in the supplied base
// currency.
func NewLedger(base types.Currency) *Ledger {
	return &Ledger{
		baseCurrency:  base,
		currencies:    []types.Currency{base},
		groupCurrency: make(map[string]types.Currency),
	}
}

// SetState wires the ledger to the external persistence layer.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetMarketView wires the market used to price unmatured future cash.
func (l *Ledger) SetMarketView(view MarketView) { l.market = view }

// SetBalanceView wires the escrow balances into valuation.
func (l *Ledger) SetBalanceView(view BalanceView) { l.balances = view }

// SetOracle wires the exchange-rate capability.
func (l *Ledger) SetOracle(rates oracle.ExchangeRateOracle) { l.rates = rates }

// RegisterGroup records the denomination currency of an instrument group.
func (l *Ledger) RegisterGroup(groupID string, currency types.Currency) {
	if l == nil || groupID == "" {
		return
	}
	l.groupCurrency[groupID] = currency
	l.registerCurrency(currency)
}

// RegisterCurrency includes a currency in free-collateral valuation even when
// no instrument group is denominated in it. Deposit-only collateral
// currencies need this to count toward the aggregate.
func (l *Ledger) RegisterCurrency(currency types.Currency) {
	if l == nil || currency == "" {
		return
	}
	l.registerCurrency(currency)
}

func (l *Ledger) registerCurrency(currency types.Currency) {
	for _, c := range l.currencies {
		if c == currency {
			return
		}
	}
	l.currencies = append(l.currencies, currency)
}

// BaseCurrency returns the currency free-collateral aggregates are reported in.
func (l *Ledger) BaseCurrency() types.Currency { return l.baseCurrency }

func (l *Ledger) ensurePortfolio(addr types.Address) (*Portfolio, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	p, err := l.state.GetPortfolio(addr)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Portfolio{Address: addr}
	}
	return p, nil
}

// GetAssets returns a deep copy of the account's position records.
func (l *Ledger) GetAssets(addr types.Address) ([]Asset, error) {
	p, err := l.ensurePortfolio(addr)
	if err != nil {
		return nil, err
	}
	assets := make([]Asset, 0, len(p.Assets))
	for _, asset := range p.Assets {
		assets = append(assets, asset.Clone())
	}
	return assets, nil
}

// AddLiquidityToken merges tokens into the account's claim on the pool.
func (l *Ledger) AddLiquidityToken(addr types.Address, groupID string, maturity uint64, notional *big.Int) error {
	return l.mutate(addr, func(p *Portfolio) error {
		return mergeAsset(p, Asset{GroupID: groupID, Maturity: maturity, Kind: LiquidityToken, Notional: notional})
	})
}

// RemoveLiquidityToken burns tokens, failing when the holding is smaller than
// the requested amount.
func (l *Ledger) RemoveLiquidityToken(addr types.Address, groupID string, maturity uint64, notional *big.Int) error {
	if notional == nil || notional.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.mutate(addr, func(p *Portfolio) error {
		idx := findAsset(p, groupID, maturity, LiquidityToken)
		if idx < 0 || p.Assets[idx].Notional.Cmp(notional) < 0 {
			return ErrInsufficientBalance
		}
		p.Assets[idx].Notional = new(big.Int).Sub(p.Assets[idx].Notional, notional)
		dropZero(p)
		return nil
	})
}

// TokenBalance reports the account's liquidity token holding at a maturity.
func (l *Ledger) TokenBalance(addr types.Address, groupID string, maturity uint64) (*big.Int, error) {
	p, err := l.ensurePortfolio(addr)
	if err != nil {
		return nil, err
	}
	idx := findAsset(p, groupID, maturity, LiquidityToken)
	if idx < 0 {
		return new(big.Int), nil
	}
	return new(big.Int).Set(p.Assets[idx].Notional), nil
}

// TokenHoldings lists the account's liquidity tokens in groups denominated in
// the supplied currency, earliest maturity first.
func (l *Ledger) TokenHoldings(addr types.Address, currency types.Currency) ([]Asset, error) {
	p, err := l.ensurePortfolio(addr)
	if err != nil {
		return nil, err
	}
	holdings := make([]Asset, 0)
	for _, asset := range p.Assets {
		if asset.Kind != LiquidityToken {
			continue
		}
		if l.groupCurrency[asset.GroupID] != currency {
			continue
		}
		holdings = append(holdings, asset.Clone())
	}
	return holdings, nil
}

// AddObligation merges a payer or receiver record, netting payer against
// receiver at the same maturity so at most one of the pair survives.
func (l *Ledger) AddObligation(addr types.Address, groupID string, maturity uint64, kind AssetKind, notional *big.Int) error {
	if kind != CashPayer && kind != CashReceiver {
		return ErrInvalidAmount
	}
	return l.mutate(addr, func(p *Portfolio) error {
		if err := mergeAsset(p, Asset{GroupID: groupID, Maturity: maturity, Kind: kind, Notional: notional}); err != nil {
			return err
		}
		netObligations(p, groupID, maturity)
		return nil
	})
}

// RemoveMatured strips every matured asset from the portfolio and returns the
// removed records for the settlement engine to crystallize.
func (l *Ledger) RemoveMatured(addr types.Address, now int64) ([]Asset, error) {
	var removed []Asset
	err := l.mutate(addr, func(p *Portfolio) error {
		kept := p.Assets[:0]
		for _, asset := range p.Assets {
			if asset.Matured(now) {
				removed = append(removed, asset.Clone())
				continue
			}
			kept = append(kept, asset)
		}
		p.Assets = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// UnmaturedReceivers lists the account's unmatured cash-receiver claims in
// groups denominated in the supplied currency, earliest maturity first. The
// settlement engine sells these when raising cash.
func (l *Ledger) UnmaturedReceivers(addr types.Address, currency types.Currency, now int64) ([]Asset, error) {
	p, err := l.ensurePortfolio(addr)
	if err != nil {
		return nil, err
	}
	receivers := make([]Asset, 0)
	for _, asset := range p.Assets {
		if asset.Kind != CashReceiver || asset.Matured(now) {
			continue
		}
		if l.groupCurrency[asset.GroupID] != currency {
			continue
		}
		receivers = append(receivers, asset.Clone())
	}
	return receivers, nil
}

func (l *Ledger) mutate(addr types.Address, fn func(*Portfolio) error) error {
	p, err := l.ensurePortfolio(addr)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	sort.SliceStable(p.Assets, func(i, j int) bool { return assetLess(p.Assets[i], p.Assets[j]) })
	return l.state.PutPortfolio(addr, p)
}

func findAsset(p *Portfolio, groupID string, maturity uint64, kind AssetKind) int {
	for i, asset := range p.Assets {
		if asset.GroupID == groupID && asset.Maturity == maturity && asset.Kind == kind {
			return i
		}
	}
	return -1
}

func mergeAsset(p *Portfolio, add Asset) error {
	if add.Notional == nil || add.Notional.Sign() <= 0 {
		return ErrInvalidAmount
	}
	idx := findAsset(p, add.GroupID, add.Maturity, add.Kind)
	if idx >= 0 {
		p.Assets[idx].Notional = new(big.Int).Add(p.Assets[idx].Notional, add.Notional)
		return nil
	}
	p.Assets = append(p.Assets, add.Clone())
	return nil
}

func netObligations(p *Portfolio, groupID string, maturity uint64) {
	payerIdx := findAsset(p, groupID, maturity, CashPayer)
	receiverIdx := findAsset(p, groupID, maturity, CashReceiver)
	if payerIdx < 0 || receiverIdx < 0 {
		return
	}
	payer := p.Assets[payerIdx].Notional
	receiver := p.Assets[receiverIdx].Notional
	if payer.Cmp(receiver) >= 0 {
		p.Assets[payerIdx].Notional = new(big.Int).Sub(payer, receiver)
		p.Assets[receiverIdx].Notional = new(big.Int)
	} else {
		p.Assets[receiverIdx].Notional = new(big.Int).Sub(receiver, payer)
		p.Assets[payerIdx].Notional = new(big.Int)
	}
	dropZero(p)
}

func dropZero(p *Portfolio) {
	kept := p.Assets[:0]
	for _, asset := range p.Assets {
		if asset.Notional != nil && asset.Notional.Sign() > 0 {
			kept = append(kept, asset)
		}
	}
	p.Assets = kept
}
