package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"spot-core/internal/api"
	"spot-core/internal/decision"
	"spot-core/internal/engine"
	"spot-core/internal/events"
	"spot-core/internal/exchange"
	"spot-core/internal/market"
	"spot-core/internal/position"
	"spot-core/internal/risk"
	"spot-core/internal/state"
	"spot-core/internal/strategy"
	"spot-core/pkg/config"
	"spot-core/pkg/db"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(os.Getenv("SPOT_CORE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Str("mode", cfg.Mode).Str("data_dir", cfg.DataDir).Msg("starting spot-core")

	store, err := state.Open(cfg.DataDir, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("open state store")
	}

	// Seed the paper balance on first run.
	if doc := store.Snapshot(); doc.PaperBalanceUSDT <= 0 {
		initial := cfg.Paper.InitialBalance
		if initial <= 0 {
			initial = cfg.Risk.MaxBotBalance
		}
		_ = store.Update(func(d *state.Document) {
			d.PaperBalanceUSDT = initial
			if d.CapitalUSDT <= 0 {
				d.CapitalUSDT = cfg.Risk.MaxBotBalance
			}
		})
	}

	journal, err := db.New(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open trade journal")
	}
	defer journal.Close()

	bus := events.NewBus()

	// Orders and balances need keys; the history preload runs against the
	// public kline endpoint either way, so keyless paper mode still warms
	// the indicators before the first live tick.
	timeout := time.Duration(cfg.Binance.TimeoutSec) * time.Second
	var exch *exchange.Client
	if cfg.Binance.APIKey != "" && cfg.Binance.APISecret != "" {
		exch, err = exchange.NewClient(
			cfg.Binance.APIKey,
			cfg.Binance.APISecret,
			cfg.Binance.UseTestnet,
			timeout,
			log.Logger,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("init exchange client")
		}
	} else if !cfg.PaperMode() {
		log.Fatal().Msg("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
	} else {
		exch = exchange.NewPublicClient(cfg.Binance.UseTestnet, timeout, log.Logger)
	}

	mkt := market.NewManager(cfg.MarketData, exch, cfg.Binance.UseTestnet, log.Logger)

	strat := strategy.NewEngine(cfg.Strategy, bus, log.Logger)

	doc := store.Snapshot()
	ledger := position.NewLedger(doc.OpenPositions, doc.ClosedPositions, cfg.Risk, store, bus, log.Logger)
	riskGate := risk.NewGate(cfg.Risk, doc.RiskMeta, store, log.Logger)
	decider := decision.NewGate(cfg.Decision, strat)

	core := engine.NewCore(cfg, store, ledger, riskGate, decider, strat, mkt, exch, journal, bus, log.Logger)

	mkt.AddCandleListener("strategy", strat.OnCandleUpdate)
	mkt.AddPriceListener("ledger", func(symbol string, price, change24h float64) {
		ledger.UpdatePrice(symbol, price)
		bus.Publish(events.EventPriceTick, events.PriceTick{
			Symbol:    symbol,
			Price:     price,
			Change24h: change24h,
		})
	})
	mkt.AddConnListener("engine", core.OnConnState)

	server := api.NewServer(core, mkt, strat, ledger, journal, bus, cfg.JWTSecret, log.Logger)
	go func() {
		if err := server.Run(cfg.APIAddr); err != nil {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exch.LoadExchangeInfo(ctx); err != nil {
			log.Warn().Err(err).Msg("exchange info load failed")
		}
	}()

	if cfg.Engine.AutoStart {
		core.Start()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	core.Stop()
}
