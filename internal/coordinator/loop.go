package coordinator

import (
	"context"
	"time"

	"predictcoord/pkg/types"
)

// Run drives the coordinator's single select loop until ctx is cancelled or
// a ShutdownAll control command is processed. Missed ticks do not burst: a
// time.Ticker's channel has capacity 1, so a slow iteration simply coalesces
// into one catch-up tick rather than queuing a backlog.
func (c *Coordinator) Run(ctx context.Context) error {
	drainTicker := time.NewTicker(c.cfg.QueueDrainInterval)
	defer drainTicker.Stop()
	refreshTicker := time.NewTicker(c.cfg.StateRefreshInterval)
	defer refreshTicker.Stop()
	reconcileTicker := time.NewTicker(c.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	c.log.Info("coordinator loop starting",
		"order_channel", c.cfg.OrderChannelSize,
		"batch_size", c.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator loop stopping: context cancelled")
			c.broadcastShutdown()
			return ctx.Err()

		case cmd := <-c.controlRx:
			halt := c.handleControlCommand(cmd)
			if halt {
				c.log.Info("coordinator loop stopping: shutdown_all received")
				return nil
			}

		case intent := <-c.orderRx:
			c.handleOrderIntent(ctx, intent)

		case snapshot := <-c.stateRx:
			c.handleAgentSnapshot(snapshot)

		case now := <-drainTicker.C:
			c.drainAndExecute(ctx, now)

		case now := <-reconcileTicker.C:
			c.reconcileInFlight(ctx, now)

		case now := <-refreshTicker.C:
			c.refreshState(now)
		}
	}
}

// broadcastShutdown fans a Shutdown command out to every registered agent,
// best-effort, when the loop exits via context cancellation rather than an
// explicit ShutdownAll control command.
func (c *Coordinator) broadcastShutdown() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.agents {
		select {
		case a.cmdTx <- types.AgentCmdShutdown:
		default:
			c.log.Warn("agent command channel full during shutdown broadcast", "agent_id", a.id)
		}
	}
}
