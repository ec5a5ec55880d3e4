// Command bot runs the crypto trading engine: it loads configuration, wires
// the Market Data Adapter, Indicator Engine, Scoring Engine, Allocator,
// Order Executor, and Risk Engine behind a cooperative scheduler, and serves
// them until SIGINT/SIGTERM.
//
// Architecture:
//
//	main.go                     — entry point: loads config, starts engine, waits for shutdown signal
//	internal/engine/engine.go   — orchestrator: wires every component and registers the six scheduled jobs
//	internal/marketdata        — candle/ticker/orderbook/balance reads, cached with stale fallback
//	internal/indicator         — RSI/EMA/Bollinger/ATR/VWAP/OBV derived from candles
//	internal/scoring           — weighted factor score -> BUY/STRONG_BUY/HOLD/SELL signal
//	internal/allocator         — pre-flight portfolio gates + notional sizing of BUY candidates
//	internal/executor          — order placement and fill bookkeeping, simulated or live
//	internal/risk              — per-position stop/take/trailing cascade + daily circuit breaker
//	internal/position          — single-writer open-position state, persisted
//	internal/reconcile         — heals Position Tracker vs. exchange divergence
//	internal/scheduler         — single-loop cooperative dispatcher for the six jobs
//	internal/exchange          — REST client + bearer auth + request pacing
//	internal/store             — JSON file persistence for wallet/positions/trade log
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cryptoengine/internal/config"
	"cryptoengine/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BOT_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("crypto trading engine started",
		"trading_mode", cfg.TradingMode,
		"instruments", cfg.Instruments.Targets,
		"metrics_enabled", cfg.Metrics.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
