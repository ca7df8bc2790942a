package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cashmarket/config"
	"cashmarket/core/types"
	"cashmarket/native/common"
	"cashmarket/native/escrow"
	"cashmarket/native/market"
	"cashmarket/native/oracle"
	"cashmarket/native/portfolio"
	"cashmarket/native/settlement"
	"cashmarket/observability/logging"
	"cashmarket/rpc"
	"cashmarket/state"
	"cashmarket/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("marketd", logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	keeper := state.NewKeeper(db)
	rates := oracle.NewStaticOracle()

	balances := escrow.NewEngine()
	balances.SetState(keeper)
	balances.SetPauses(keeper)
	balances.SetOracle(rates)
	if cfg.ReserveAddress != "" {
		reserve, err := types.ParseAddress(cfg.ReserveAddress)
		if err != nil {
			logger.Error("invalid reserve address", "err", err)
			os.Exit(1)
		}
		balances.SetReserveAddress(reserve)
	}

	positions := portfolio.NewLedger(types.Currency(cfg.BaseCurrency))
	positions.SetState(keeper)
	positions.SetBalanceView(balances)
	positions.SetOracle(rates)

	for _, pair := range cfg.Rates {
		rate, err := config.ParseAmount(pair.Rate)
		if err != nil {
			logger.Error("invalid rate config", "base", pair.Base, "quote", pair.Quote, "err", err)
			os.Exit(1)
		}
		decimals, err := config.ParseAmount(pair.RateDecimals)
		if err != nil {
			logger.Error("invalid rate config", "base", pair.Base, "quote", pair.Quote, "err", err)
			os.Exit(1)
		}
		if decimals == nil {
			decimals = big.NewInt(1)
		}
		rates.SetRate(pair.Base, pair.Quote, oracle.Quote{
			Rate:           rate,
			RateDecimals:   decimals,
			HaircutBps:     pair.HaircutBps,
			LiquidationBps: pair.LiquidationBps,
			SettlementBps:  pair.SettlementBps,
		})
		positions.RegisterCurrency(types.Currency(pair.Quote))
	}

	mkt := market.NewEngine()
	mkt.SetState(keeper)
	mkt.SetPositions(positions)
	mkt.SetBalances(balances)
	mkt.SetCollateralGate(positions)
	mkt.SetPauses(keeper)

	positions.SetMarketView(mkt)
	balances.SetWithdrawGate(positions)

	for _, group := range cfg.Groups {
		maxTrade, err := config.ParseAmount(group.MaxTradeSize)
		if err != nil {
			logger.Error("invalid group config", "group", group.ID, "err", err)
			os.Exit(1)
		}
		if err := mkt.RegisterGroup(market.GroupConfig{
			ID:            group.ID,
			Currency:      types.Currency(group.Currency),
			PeriodSize:    group.PeriodSize,
			NumMaturities: group.NumMaturities,
			RateAnchor:    big.NewInt(group.RateAnchor),
			RateScalar:    big.NewInt(group.RateScalar),
			FeeRateBps:    group.FeeRateBps,
			MaxTradeSize:  maxTrade,
		}); err != nil {
			logger.Error("register group", "group", group.ID, "err", err)
			os.Exit(1)
		}
		positions.RegisterGroup(group.ID, types.Currency(group.Currency))
		maxSupply, err := config.ParseAmount(group.MaxSupply)
		if err != nil {
			logger.Error("invalid group config", "group", group.ID, "err", err)
			os.Exit(1)
		}
		if maxSupply != nil {
			balances.SetMaxSupply(types.Currency(group.Currency), maxSupply)
		}
	}

	settle := settlement.NewEngine()
	settle.SetMarket(mkt)
	settle.SetPositions(positions)
	settle.SetBalances(balances)
	settle.SetOracle(rates)
	settle.SetPauses(keeper)
	if cfg.MaxSettlementRate > 0 {
		settle.SetMaxSettlementRate(big.NewInt(cfg.MaxSettlementRate))
	}

	quotaNotional, err := config.ParseAmount(cfg.Quota.MaxNotionalPerEpoch)
	if err != nil {
		logger.Error("invalid quota config", "err", err)
		os.Exit(1)
	}
	server := rpc.NewServer(rpc.Config{
		Logger:     logger,
		Market:     mkt,
		Positions:  positions,
		Balances:   balances,
		Settlement: settle,
		TradeQuota: common.Quota{
			MaxRequestsPerEpoch: cfg.Quota.MaxTradesPerEpoch,
			MaxNotionalPerEpoch: quotaNotional,
			EpochSeconds:        cfg.Quota.EpochSeconds,
		},
	})

	apiServer := &http.Server{Addr: cfg.RPCAddress, Handler: server.Router()}
	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}

	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	go func() {
		logger.Info("rpc listening", "address", cfg.RPCAddress)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("rpc shutdown", "err", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics shutdown", "err", err)
	}
}
