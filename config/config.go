package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, decoded from TOML.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`

	// BaseCurrency is the currency free collateral aggregates in.
	BaseCurrency string `toml:"BaseCurrency"`
	// ReserveAddress is the hex address fees accrue to and settlement
	// shortfalls draw from.
	ReserveAddress string `toml:"ReserveAddress"`
	// MaxSettlementRate caps the annualized rate settlement sales may push a
	// pool to, scale 1e9. Zero leaves sales unbounded.
	MaxSettlementRate int64 `toml:"MaxSettlementRate"`

	Log    LogConfig         `toml:"log"`
	Quota  QuotaConfig       `toml:"quota"`
	Groups []InstrumentGroup `toml:"groups"`
	Rates  []RatePair        `toml:"rates"`
}

// RatePair installs one exchange rate into the oracle at startup, pricing the
// quote currency in the base currency.
type RatePair struct {
	Base  string `toml:"Base"`
	Quote string `toml:"Quote"`
	// Rate is scaled by RateDecimals; both are decimal strings. RateDecimals
	// defaults to 1 when empty.
	Rate         string `toml:"Rate"`
	RateDecimals string `toml:"RateDecimals"`
	// HaircutBps discounts the currency's positive value in free collateral.
	HaircutBps uint64 `toml:"HaircutBps"`
	// LiquidationBps and SettlementBps price forced sales of the currency.
	// Each must exceed HaircutBps and stay below par; zero disables the
	// corresponding path.
	LiquidationBps uint64 `toml:"LiquidationBps"`
	SettlementBps  uint64 `toml:"SettlementBps"`
}

// QuotaConfig limits per-address trade submissions per epoch. Zero fields
// disable the corresponding limit.
type QuotaConfig struct {
	MaxTradesPerEpoch int `toml:"MaxTradesPerEpoch"`
	// MaxNotionalPerEpoch caps the summed trade notional, decimal string;
	// empty means uncapped.
	MaxNotionalPerEpoch string `toml:"MaxNotionalPerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level  string `toml:"Level"`
	Format string `toml:"Format"`
	// File enables rotating file output alongside stdout when non-empty.
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// InstrumentGroup declares one tradable instrument group.
type InstrumentGroup struct {
	ID            string `toml:"ID"`
	Currency      string `toml:"Currency"`
	PeriodSize    uint64 `toml:"PeriodSize"`
	NumMaturities uint32 `toml:"NumMaturities"`
	// RateAnchor and RateScalar are the curve factors at scale 1e9.
	RateAnchor int64 `toml:"RateAnchor"`
	RateScalar int64 `toml:"RateScalar"`
	FeeRateBps uint64 `toml:"FeeRateBps"`
	// MaxTradeSize caps a single trade's notional, decimal string; empty
	// means uncapped.
	MaxTradeSize string `toml:"MaxTradeSize"`
	// MaxSupply caps deposits of the group currency, decimal string; empty
	// means uncapped.
	MaxSupply string `toml:"MaxSupply"`
}

// Load reads the configuration from the given path, writing a commented
// default file when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./market-data"
	}
	if strings.TrimSpace(cfg.BaseCurrency) == "" {
		cfg.BaseCurrency = "USDC"
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = "json"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:     ":8080",
		MetricsAddress: ":9090",
		DataDir:        "./market-data",
		BaseCurrency:   "USDC",
		Log:            LogConfig{Level: "info", Format: "json"},
		Groups: []InstrumentGroup{{
			ID:            "USDC-30D",
			Currency:      "USDC",
			PeriodSize:    2_592_000,
			NumMaturities: 4,
			RateAnchor:    1_100_000_000,
			RateScalar:    100_000_000,
			FeeRateBps:    30,
		}},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ParseAmount decodes an optional decimal amount field; empty means absent.
func ParseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid amount %q", s)
	}
	return v, nil
}
