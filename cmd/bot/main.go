// Kalshi LIP Market Maker — an automated liquidity provider for binary
// prediction markets running an exchange liquidity-incentive program.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: discovery → strategy → exchange, single-scheduler tick loop
//	strategy/maker.go    — per-market quoting state machine (tracked → quoting ⇄ blocked → exiting → closed)
//	strategy/policy.go   — qualifying band + discrete quote-level policy (join touch / one tick behind / skip)
//	strategy/inventory   — signed YES-equivalent position, avg entry, realized PnL, fill dedupe
//	strategy/cashout.go  — resolved-market detection and IOC flattening
//	market/scanner.go    — polls the incentive-program listing, filters candidates
//	market/book.go       — local order book mirror fed by WebSocket snapshots + deltas
//	exchange/client.go   — REST client (place/cancel orders, books, candles, program listings)
//	exchange/ws.go       — WebSocket feeds (orderbook + fills) with auto-reconnect
//	vol/engine.go        — logit-space volatility estimation and cross-market percentile ranking
//	risk/scorer.go       — time-to-expiry × volatility risk score
//	risk/breaker.go      — latching circuit breaker (errors, PnL, inventory imbalance)
//	store/store.go       — JSON file persistence for positions and breaker state
//
// How it makes money:
//
//	The exchange pays rebates for size resting at or near the best bid and
//	ask. The bot rests qualifying size on both sides of each admitted
//	market, never improving the touch, backing off as risk rises, and
//	flattening the moment a market's outcome becomes certain.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/engine"
)

func main() {
	resetBreaker := flag.Bool("reset-breaker", false, "close a tripped circuit breaker and exit")
	flag.Parse()

	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("LIP_CONFIG"); p != "" {
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

	// The breaker latches across restarts; closing it is an explicit
	// operator action, never automatic.
	if *resetBreaker {
		if !eng.Breaker().Tripped() {
			logger.Info("breaker already closed")
			return
		}
		logger.Info("resetting breaker", "reason", eng.Breaker().Reason())
		eng.Breaker().Reset()
		return
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("lip market maker started",
		"markets_max", cfg.Trading.MaxMarketsWithOrders,
		"max_position", cfg.Trading.MaxPosition,
		"dt", cfg.Trading.Dt,
		"dry_run", cfg.DryRun,
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
