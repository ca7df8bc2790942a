package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the engines would refuse at runtime, so a
// bad file fails at startup rather than on the first trade.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.BaseCurrency) == "" {
		return fmt.Errorf("config: BaseCurrency is required")
	}
	if cfg.MaxSettlementRate < 0 {
		return fmt.Errorf("config: MaxSettlementRate must not be negative")
	}
	if cfg.Quota.MaxTradesPerEpoch < 0 {
		return fmt.Errorf("config: quota MaxTradesPerEpoch must not be negative")
	}
	if _, err := ParseAmount(cfg.Quota.MaxNotionalPerEpoch); err != nil {
		return fmt.Errorf("config: quota: %w", err)
	}
	for i, pair := range cfg.Rates {
		if strings.TrimSpace(pair.Base) == "" || strings.TrimSpace(pair.Quote) == "" {
			return fmt.Errorf("config: rate %d: Base and Quote are required", i)
		}
		if strings.EqualFold(pair.Base, pair.Quote) {
			return fmt.Errorf("config: rate %s/%s: Base and Quote must differ", pair.Base, pair.Quote)
		}
		rate, err := ParseAmount(pair.Rate)
		if err != nil {
			return fmt.Errorf("config: rate %s/%s: %w", pair.Base, pair.Quote, err)
		}
		if rate == nil || rate.Sign() <= 0 {
			return fmt.Errorf("config: rate %s/%s: Rate must be positive", pair.Base, pair.Quote)
		}
		decimals, err := ParseAmount(pair.RateDecimals)
		if err != nil {
			return fmt.Errorf("config: rate %s/%s: %w", pair.Base, pair.Quote, err)
		}
		if decimals != nil && decimals.Sign() <= 0 {
			return fmt.Errorf("config: rate %s/%s: RateDecimals must be positive", pair.Base, pair.Quote)
		}
		if pair.HaircutBps >= 10_000 {
			return fmt.Errorf("config: rate %s/%s: HaircutBps must be below 10000", pair.Base, pair.Quote)
		}
		if pair.LiquidationBps > 0 && (pair.LiquidationBps <= pair.HaircutBps || pair.LiquidationBps >= 10_000) {
			return fmt.Errorf("config: rate %s/%s: LiquidationBps must lie between HaircutBps and 10000", pair.Base, pair.Quote)
		}
		if pair.SettlementBps > 0 && (pair.SettlementBps <= pair.HaircutBps || pair.SettlementBps >= 10_000) {
			return fmt.Errorf("config: rate %s/%s: SettlementBps must lie between HaircutBps and 10000", pair.Base, pair.Quote)
		}
	}
	seen := make(map[string]bool, len(cfg.Groups))
	for i, group := range cfg.Groups {
		if strings.TrimSpace(group.ID) == "" {
			return fmt.Errorf("config: group %d: ID is required", i)
		}
		if seen[group.ID] {
			return fmt.Errorf("config: group %s declared twice", group.ID)
		}
		seen[group.ID] = true
		if strings.TrimSpace(group.Currency) == "" {
			return fmt.Errorf("config: group %s: Currency is required", group.ID)
		}
		if group.PeriodSize == 0 {
			return fmt.Errorf("config: group %s: PeriodSize must be positive", group.ID)
		}
		if group.NumMaturities == 0 {
			return fmt.Errorf("config: group %s: NumMaturities must be positive", group.ID)
		}
		if group.RateAnchor == 0 && group.RateScalar == 0 {
			return fmt.Errorf("config: group %s: rate anchor and scalar must not both be zero", group.ID)
		}
		if group.FeeRateBps >= 10_000 {
			return fmt.Errorf("config: group %s: FeeRateBps must be below 10000", group.ID)
		}
		if _, err := ParseAmount(group.MaxTradeSize); err != nil {
			return fmt.Errorf("config: group %s: %w", group.ID, err)
		}
		if _, err := ParseAmount(group.MaxSupply); err != nil {
			return fmt.Errorf("config: group %s: %w", group.ID, err)
		}
	}
	return nil
}
