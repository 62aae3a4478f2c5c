// Command coordinatord is the platform coordinator daemon: it wires the
// risk gate, capital allocators, priority queue, duplicate guard, position
// aggregator, idempotency store and exchange adapter into a coordinator.Coordinator
// and runs its event loop until signalled to stop. The wiring itself lives in
// internal/daemon, shared with coordinatorctl's own `run` subcommand.
//
// Architecture:
//
//	main.go                     — entry point: loads config, delegates to internal/daemon
//	internal/daemon             — wires every component, waits for SIGINT/SIGTERM
//	internal/coordinator        — the central event loop (order/state/control channels, three tickers)
//	internal/risk               — admission gate, circuit breaker, daily PnL ledger
//	internal/allocator          — crypto/sports capital reservation
//	internal/queue              — bounded priority order queue
//	internal/dupguard           — duplicate-intent suppression window
//	internal/position           — process-wide open-position book
//	internal/idempotency        — sqlite-backed submission dedup
//	internal/persistence        — sqlite-backed audit trail
//	internal/exchange           — normalized execution adapter (Polymarket CLOB binding)
//	internal/health             — component heartbeat registry + liveness/readiness/metrics HTTP
//	internal/agent/reference    — a structural reference agent exercising the contract end to end
package main

import (
	"log/slog"
	"os"

	"predictcoord/internal/config"
	"predictcoord/internal/daemon"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COORD_CONFIG"); p != "" {
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

	logger := daemon.NewLogger(cfg.Logging)

	if err := daemon.Run(*cfg, logger, os.Getenv("COORD_DEMO") == "1"); err != nil {
		logger.Error("coordinatord exited with error", "error", err)
		os.Exit(1)
	}
}
