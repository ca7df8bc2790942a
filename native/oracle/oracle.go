// Package oracle defines the exchange-rate capability the collateral and
// settlement engines consume. Rate discovery itself is external; the engines
// only ever see the resolved quote and its risk parameters.
package oracle

import (
	"errors"
	"math/big"
	"strings"
	"sync"
)

// ErrPairUnknown indicates no rate is configured for the requested pair.
var ErrPairUnknown = errors.New("oracle: unknown currency pair")

// Quote is an exchange rate from a quote currency into the base currency,
// together with the risk parameters configured for the pair. Rate is scaled by
// RateDecimals. Haircut, LiquidationDiscount and SettlementDiscount are basis
// points of value; haircut < discounts < 10000 is enforced by configuration.
type Quote struct {
	Rate           *big.Int
	RateDecimals   *big.Int
	HaircutBps     uint64
	LiquidationBps uint64
	SettlementBps  uint64
}

// Clone returns a deep copy so callers cannot mutate shared rate state.
func (q Quote) Clone() Quote {
	clone := q
	if q.Rate != nil {
		clone.Rate = new(big.Int).Set(q.Rate)
	}
	if q.RateDecimals != nil {
		clone.RateDecimals = new(big.Int).Set(q.RateDecimals)
	}
	return clone
}

// ExchangeRateOracle resolves the rate for converting the quote currency into
// the base currency.
type ExchangeRateOracle interface {
	GetExchangeRate(base, quote string) (Quote, error)
}

// StaticOracle serves quotes from an in-process table. It backs tests and
// deployments where rates arrive through the administrative surface rather
// than a live feed.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[string]Quote)}
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// SetRate installs or replaces the quote for a pair.
func (o *StaticOracle) SetRate(base, quote string, q Quote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[pairKey(base, quote)] = q.Clone()
}

func (o *StaticOracle) GetExchangeRate(base, quote string) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[pairKey(base, quote)]
	if !ok {
		return Quote{}, ErrPairUnknown
	}
	return q.Clone(), nil
}
