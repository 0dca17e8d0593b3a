// Trading engine core — a venue-agnostic execution engine for automated
// trading strategies.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires venues, waits for SIGINT/SIGTERM
//	engine/                  — orchestrator: strategy lifecycle, event dispatch, order pipeline
//	subscription/            — ref-counted market-data subscriptions, push with poll fallback
//	orders/                  — in-memory order mirror + background venue reconciliation
//	risk/                    — pre-trade gate: position size, daily loss, drawdown, leverage
//	precision/               — rounds and validates quantities/prices against venue rules
//	symbols/                 — TTL cache of per-symbol trading rules with stale fallback
//	exchange/                — generic REST + WebSocket venue connector (HMAC auth, rate limits)
//	events/                  — typed publish/subscribe hub every component shares
//	store/                   — JSON file persistence for orders, positions, and performance
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecore/internal/config"
	"tradecore/internal/engine"
	"tradecore/internal/events"
	"tradecore/internal/exchange"
	"tradecore/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	db, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}
	defer db.Close()

	bus := events.New()
	eng := engine.New(engine.Config{
		RiskLimits:   cfg.RiskLimits(),
		SyncInterval: cfg.Sync.Interval,
	}, db, bus, logger)

	for _, ex := range cfg.Exchanges {
		connector := exchange.NewConnector(exchange.Config{
			Name:    ex.Name,
			BaseURL: ex.BaseURL,
			WSURL:   ex.WSURL,
			Credentials: exchange.Credentials{
				APIKey: ex.APIKey,
				Secret: ex.APISecret,
			},
		}, logger)
		if err := eng.AddVenue(connector); err != nil {
			logger.Error("failed to register venue", "exchange", ex.Name, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.Start(ctx)
	cancel()
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("trading engine started",
		"exchanges", eng.VenueNames(),
		"sync_interval", cfg.Sync.Interval,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := eng.Stop(); err != nil {
		logger.Error("engine stop failed", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
