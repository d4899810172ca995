// Tickflow — a real-time crypto market-data and trading pipeline.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the app, waits for SIGINT/SIGTERM
//	app/app.go           — orchestrator: wires store → cache → bus → feed → consumers → trading
//	feed/feed.go         — supervised venue WebSocket loops publishing onto per-instrument topics
//	persist/persist.go   — consumer groups draining market data into TimescaleDB + the hot cache
//	footprint/           — folds raw trades into footprint candles (OHLC, POC, value area, imbalances)
//	strategy/engine.go   — runs user strategy instances against cached data, emits trading signals
//	executor/            — consumes signals into risk-checked exchange orders with replay-safe ids
//	oracle/oracle.go     — periodic order-book imbalance insights on the bus
//	exchange/            — venue adapters (Binance REST+WS, paper), sealed credentials, rate limits
//	ops/server.go        — /healthz, /metrics, /subscriptions listener
//
// Data flow:
//
//	Venue streams land on Kafka topics keyed by symbol, so every consumer
//	sees one instrument's events in order. Persist writes are idempotent
//	upserts and offsets commit only after a successful write, which makes
//	the whole pipeline safe under at-least-once delivery. The trading side
//	reads the Redis hot cache only — a database outage degrades history,
//	not signal latency.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tickflow/internal/app"
	"tickflow/internal/config"
	"tickflow/internal/ops"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TICKFLOW_CONFIG"); p != "" {
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

	ctx := context.Background()

	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	// Start ops listener if enabled
	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(cfg.Ops, pipeline, logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops listener started", "url", fmt.Sprintf("http://localhost:%d", cfg.Ops.Port))
	}

	if err := pipeline.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		pipeline.Stop()
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — orders route to the paper adapter")
	}

	logger.Info("tickflow started",
		"subscriptions", len(cfg.Feed.Subscriptions),
		"footprint_interval", cfg.Footprint.Interval,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the ops listener first so health checks fail fast
	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}

	pipeline.Stop()
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
