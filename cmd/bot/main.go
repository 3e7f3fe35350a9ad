// Polymarket Up/Down Bot — an automated trader for Polymarket's 15-minute
// crypto up/down binary markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feed → registry → strategy → risk, owns all goroutines
//	feed/feed.go         — activity trade WebSocket with dual-silence detection and auto-reconnect
//	market/registry.go   — discovers the current and next 15-minute market per coin via the Gamma API
//	market/book.go       — local order book cache for the score-based entry model
//	strategy/engine.go   — filters counterparty fills, aggregates bursts, emits sized entry decisions
//	strategy/aggregator  — debounced per-outcome fill window with USD-weighted average price
//	risk/controller.go   — executes entries, stop-loss, flip, resolution, and daily loss limits
//	exchange/client.go   — REST client for the CLOB API (FOK market orders, books, midpoints)
//	exchange/auth.go     — L1 (EIP-712) and L2 (HMAC) authentication
//	store/store.go       — JSON file persistence for positions (survives restarts)
//	report/report.go     — SQLite trade and period ledger
//	settle/settle.go     — out-of-band claim runner for resolved winning positions
//
// How it trades:
//
//	The bot watches fills from configured counterparty wallets on up/down
//	markets. Fill bursts are aggregated over a short silence window; when a
//	burst clears the active entry phase's price and size gates, the bot buys
//	the same outcome with a fixed, scaled, or Kelly-sized clip. Near expiry
//	it cuts losers via stop-loss and optionally flips the recovered capital
//	into the opposite outcome when that side is near certainty.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polymarket-updown/internal/config"
	"polymarket-updown/internal/engine"
)

func main() {
	// Optional .env for wallet/API secrets; absence is fine.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("UPDOWN_CONFIG"); p != "" {
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

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("polymarket up/down bot started",
		"coins", cfg.Registry.Coins,
		"sizing", cfg.Strategy.Sizing,
		"score_mode", cfg.Strategy.Score.Enabled,
		"max_per_market", cfg.Risk.MaxPerMarketUSD,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := eng.Run(ctx)
	eng.Stop()

	if runErr != nil {
		logger.Error("engine exited with error", "error", runErr)
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
