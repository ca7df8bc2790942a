package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type MarketMetrics struct {
	tradesExecuted       *prometheus.CounterVec
	tradeVolume          *prometheus.CounterVec
	liquidityEvents      *prometheus.CounterVec
	liquidations         *prometheus.CounterVec
	settlements          *prometheus.CounterVec
	settlementResidue    *prometheus.CounterVec
	impliedRate          *prometheus.GaugeVec
	freeCollateralChecks *prometheus.CounterVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			tradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_trades_total",
				Help: "Count of executed trades by group and side.",
			}, []string{"group", "side"}),
			tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_trade_volume_wei_total",
				Help: "Collateral-leg volume of executed trades by group and side.",
			}, []string{"group", "side"}),
			liquidityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_liquidity_events_total",
				Help: "Count of liquidity additions and removals by group.",
			}, []string{"group", "action"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_liquidations_total",
				Help: "Count of liquidation executions by currency.",
			}, []string{"currency"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_settlements_total",
				Help: "Count of account settlements by outcome.",
			}, []string{"outcome"}),
			settlementResidue: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_settlement_residue_total",
				Help: "Count of settlements leaving a residual cash deficit.",
			}, []string{"currency"}),
			impliedRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "market_last_implied_rate",
				Help: "Last traded annualized rate per group and maturity.",
			}, []string{"group", "maturity"}),
			freeCollateralChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_free_collateral_checks_total",
				Help: "Count of free-collateral gate evaluations by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			marketRegistry.tradesExecuted,
			marketRegistry.tradeVolume,
			marketRegistry.liquidityEvents,
			marketRegistry.liquidations,
			marketRegistry.settlements,
			marketRegistry.settlementResidue,
			marketRegistry.impliedRate,
			marketRegistry.freeCollateralChecks,
		)
	})
	return marketRegistry
}

func (m *MarketMetrics) ObserveTrade(group, side string, collateralWei float64) {
	if m == nil {
		return
	}
	if group == "" {
		group = "unknown"
	}
	m.tradesExecuted.WithLabelValues(group, side).Inc()
	if collateralWei > 0 {
		m.tradeVolume.WithLabelValues(group, side).Add(collateralWei)
	}
}

func (m *MarketMetrics) ObserveLiquidity(group, action string) {
	if m == nil {
		return
	}
	if group == "" {
		group = "unknown"
	}
	m.liquidityEvents.WithLabelValues(group, action).Inc()
}

func (m *MarketMetrics) ObserveLiquidation(currency string) {
	if m == nil {
		return
	}
	if currency == "" {
		currency = "unknown"
	}
	m.liquidations.WithLabelValues(currency).Inc()
}

func (m *MarketMetrics) ObserveSettlement(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *MarketMetrics) ObserveSettlementResidue(currency string) {
	if m == nil {
		return
	}
	if currency == "" {
		currency = "unknown"
	}
	m.settlementResidue.WithLabelValues(currency).Inc()
}

func (m *MarketMetrics) SetImpliedRate(group, maturity string, rate float64) {
	if m == nil {
		return
	}
	if group == "" {
		group = "unknown"
	}
	m.impliedRate.WithLabelValues(group, maturity).Set(rate)
}

func (m *MarketMetrics) ObserveCollateralCheck(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.freeCollateralChecks.WithLabelValues(result).Inc()
}
