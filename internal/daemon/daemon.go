// Package daemon wires every coordinator subsystem together and runs the
// platform until signalled to stop. It is the shared body behind both
// cmd/coordinatord (a standalone process) and coordinatorctl's own `run`
// subcommand (spec.md §6's CLI table has the operator CLI start the
// coordinator directly, the way the teacher's cmd/bot/main.go does).
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
	"golang.org/x/sync/errgroup"

	"predictcoord/internal/agent"
	"predictcoord/internal/agent/reference"
	"predictcoord/internal/allocator"
	"predictcoord/internal/config"
	"predictcoord/internal/controlapi"
	"predictcoord/internal/coordinator"
	"predictcoord/internal/dupguard"
	"predictcoord/internal/exchange"
	"predictcoord/internal/health"
	"predictcoord/internal/idempotency"
	"predictcoord/internal/persistence"
	"predictcoord/internal/position"
	"predictcoord/internal/queue"
	"predictcoord/internal/risk"
	"predictcoord/pkg/types"
)

// NewLogger builds the process's slog handler from the logging config,
// matching the teacher's text-or-json handler selection.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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

// Run wires every coordinator subsystem and blocks until SIGINT/SIGTERM or
// a component failure, then shuts down in reverse dependency order.
func Run(cfg config.Config, logger *slog.Logger, demo bool) error {
	db, err := sql.Open("sqlite", cfg.Persistence.DSN)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persist := persistence.NewManager(db)
	if err := persist.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure persistence schema: %w", err)
	}

	idemStore := idempotency.NewStore(db, cfg.Idempotency.TTL, logger)
	if err := idemStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure idempotency schema: %w", err)
	}
	cleanupCron, err := idemStore.StartCleanupSweep(cfg.Idempotency.CleanupCron)
	if err != nil {
		return fmt.Errorf("start idempotency cleanup sweep: %w", err)
	}
	defer idemStore.Stop()

	riskGate := risk.New(buildRiskConfig(cfg.Risk), logger)
	allocators := buildAllocators(cfg.Allocator)
	orderQueue := queue.New(cfg.Queue.MaxSize)
	dupGuard := dupguard.New(time.Duration(cfg.DupGuard.WindowMs) * time.Millisecond)
	positions := position.New()

	auth, err := exchange.NewAuth(cfg.Exchanges.Polymarket)
	if err != nil {
		return fmt.Errorf("build polymarket auth: %w", err)
	}

	var bookFeed *exchange.BookFeed
	if cfg.Exchanges.Polymarket.WSMarketURL != "" {
		bookFeed = exchange.NewBookFeed(cfg.Exchanges.Polymarket.WSMarketURL, logger)
	}
	exClient := exchange.NewClient(cfg.Exchanges.Polymarket, auth, bookFeed, cfg.Account.DryRun, logger)
	executor := exchange.NewExecutor(exClient)

	metrics := coordinator.NewMetrics(nil)

	coord := coordinator.New(coordinator.Config{
		AccountID:            cfg.Account.ID,
		Equity:               decimal.NewFromFloat(cfg.Risk.MaxPlatformExposure),
		OrderChannelSize:     cfg.Coordinator.OrderChannelSize,
		StateChannelSize:     cfg.Coordinator.StateChannelSize,
		ControlChannelSize:   cfg.Coordinator.ControlChannelSize,
		AgentCmdChannelSize:  cfg.Coordinator.AgentCmdChannelSize,
		BatchSize:            cfg.Queue.BatchSize,
		QueueDrainInterval:   time.Duration(cfg.Coordinator.QueueDrainMs) * time.Millisecond,
		StateRefreshInterval: time.Duration(cfg.Coordinator.StateRefreshMs) * time.Millisecond,
		ReconcileInterval:    time.Duration(cfg.Coordinator.ReconcileMs) * time.Millisecond,
		HeartbeatTimeout:     time.Duration(cfg.Coordinator.HeartbeatTimeoutMs) * time.Millisecond,
	}, coordinator.Deps{
		Queue:       orderQueue,
		DupGuard:    dupGuard,
		Risk:        riskGate,
		Positions:   positions,
		Allocators:  allocators,
		Persistence: persist,
		Idempotency: idemStore,
		Executor:    executor,
		Metrics:     metrics,
		Log:         logger,
	})

	registry := health.New(2*time.Duration(cfg.Coordinator.HeartbeatTimeoutMs)*time.Millisecond, persist, logger)
	var healthSrv *health.Server
	if cfg.Dashboard.Enabled {
		healthSrv = health.NewServer(registry, fmt.Sprintf(":%d", cfg.Dashboard.Port), logger)
	}

	var controlSrv *controlapi.Server
	if cfg.ControlAPI.Enabled {
		controlSrv = controlapi.NewServer(coord, fmt.Sprintf(":%d", cfg.ControlAPI.Port), logger)
	}

	var cryptoAgent *reference.CryptoAgent
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return coord.Run(gctx)
	})

	if demo {
		cryptoHandle, cryptoCmdRx := coord.RegisterAgent("crypto-reference-1", types.Domain{Kind: types.DomainCrypto}, defaultCryptoRiskParams())
		cryptoAgent = reference.New("crypto-reference-1", "crypto reference agent", defaultCryptoRiskParams(), cryptoHandle)
		g.Go(func() error {
			return runAgentCommandLoop(gctx, cryptoAgent, cryptoCmdRx)
		})
	}

	if bookFeed != nil {
		g.Go(func() error {
			return bookFeed.Run(gctx)
		})
	}

	if healthSrv != nil {
		g.Go(func() error {
			if err := healthSrv.Start(); err != nil {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}

	if controlSrv != nil {
		g.Go(func() error {
			if err := controlSrv.Start(); err != nil {
				return fmt.Errorf("control api: %w", err)
			}
			return nil
		})
	}

	if cryptoAgent != nil {
		cryptoAgent.Start()
	}
	registry.Report(ctx, "coordinator", health.Healthy, "")
	logger.Info("coordinatord started",
		"account", cfg.Account.ID,
		"dry_run", cfg.Account.DryRun,
		"dashboard_enabled", cfg.Dashboard.Enabled,
		"demo_agent", demo,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-gctx.Done():
		logger.Warn("a coordinator component stopped unexpectedly")
	}

	if cryptoAgent != nil {
		cryptoAgent.Stop()
	}
	cleanupCron.Stop()
	cancel()

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthSrv.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop health server", "error", err)
		}
	}
	if controlSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := controlSrv.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop control api", "error", err)
		}
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// runAgentCommandLoop drains the coordinator's per-agent control channel and
// applies lifecycle transitions to the DomainAgent. Agents only expose
// Start/Stop/Pause/Resume; something outside the agent itself must translate
// the coordinator's CoordinatorCommand stream into calls against them, since
// agent.Handle is push-only (SubmitOrder/UpdateAgentState).
func runAgentCommandLoop(ctx context.Context, a agent.DomainAgent, cmdRx <-chan types.CoordinatorCommand) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmdRx:
			if !ok {
				return nil
			}
			switch cmd {
			case types.AgentCmdPause:
				a.Pause()
			case types.AgentCmdResume:
				a.Resume()
			case types.AgentCmdForceClose, types.AgentCmdShutdown:
				a.Stop()
			}
		}
	}
}

func buildRiskConfig(rc config.RiskConfig) risk.Config {
	domainExposure := make(map[types.DomainKind]decimal.Decimal, len(rc.DomainExposureCap))
	for k, v := range rc.DomainExposureCap {
		domainExposure[parseDomainKind(k)] = decimal.NewFromFloat(v)
	}
	domainLoss := make(map[types.DomainKind]decimal.Decimal, len(rc.DomainLossLimit))
	for k, v := range rc.DomainLossLimit {
		domainLoss[parseDomainKind(k)] = decimal.NewFromFloat(v)
	}
	return risk.Config{
		MaxPlatformExposure:       decimal.NewFromFloat(rc.MaxPlatformExposure),
		MaxConsecutiveFailures:    rc.MaxConsecutiveFailures,
		DailyLossLimit:            decimal.NewFromFloat(rc.DailyLossLimit),
		MaxSpreadBps:              rc.MaxSpreadBps,
		DomainExposureCap:         domainExposure,
		DomainLossLimit:           domainLoss,
		CircuitBreakerAutoRecover: rc.CircuitBreakerAutoRecover,
		CircuitBreakerCooldown:    time.Duration(rc.CircuitBreakerCooldownSecs) * time.Second,
	}
}

func buildAllocators(ac config.AllocatorConfig) map[types.DomainKind]coordinator.DomainAllocator {
	coinCaps := make(map[string]decimal.Decimal, len(ac.Crypto.CoinCapPct))
	for k, v := range ac.Crypto.CoinCapPct {
		coinCaps[k] = decimal.NewFromFloat(v)
	}
	horizonCaps := make(map[allocator.Horizon]decimal.Decimal, len(ac.Crypto.HorizonCapPct))
	for k, v := range ac.Crypto.HorizonCapPct {
		horizonCaps[allocator.Horizon(k)] = decimal.NewFromFloat(v)
	}

	crypto := allocator.NewCrypto(allocator.CryptoConfig{
		TotalCapPct:   decimal.NewFromFloat(ac.Crypto.TotalCapPct),
		CoinCapPct:    coinCaps,
		HorizonCapPct: horizonCaps,
	})
	sports := allocator.NewSports(allocator.SportsConfig{
		TotalCapPct:       decimal.NewFromFloat(ac.Sports.TotalCapPct),
		MarketCapPct:      decimal.NewFromFloat(ac.Sports.MarketCapPct),
		AutoSplitByActive: ac.Sports.AutoSplitByActive,
	})

	return map[types.DomainKind]coordinator.DomainAllocator{
		types.DomainCrypto: crypto,
		types.DomainSports: sports,
	}
}

func parseDomainKind(name string) types.DomainKind {
	switch name {
	case "crypto":
		return types.DomainCrypto
	case "sports":
		return types.DomainSports
	case "politics":
		return types.DomainPolitics
	case "economics":
		return types.DomainEconomics
	default:
		return types.DomainCustom
	}
}

func defaultCryptoRiskParams() risk.AgentRiskParams {
	return risk.AgentRiskParams{
		MaxOrderValue:    decimal.NewFromInt(1000),
		MaxTotalExposure: decimal.NewFromInt(10000),
	}
}
