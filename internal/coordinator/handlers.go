package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"predictcoord/internal/coordfail"
	"predictcoord/internal/idempotency"
	"predictcoord/internal/persistence"
	"predictcoord/internal/risk"
	"predictcoord/pkg/types"
)

// handleControlCommand applies a ControlCommand's ingress transition and
// fans the corresponding agent command out to the affected agents (spec.md
// §4.8's control semantics table). Returns true if the loop should exit
// (ShutdownAll).
func (c *Coordinator) handleControlCommand(cmd types.ControlCommand) bool {
	c.mu.Lock()
	switch cmd.Kind {
	case types.CmdPauseAll:
		c.globalIngress = types.IngressPaused
		c.domainIngress = make(map[string]types.IngressMode)
	case types.CmdResumeAll:
		c.globalIngress = types.IngressRunning
		c.domainIngress = make(map[string]types.IngressMode)
	case types.CmdForceCloseAll:
		c.globalIngress = types.IngressHalted
	case types.CmdShutdownAll:
		c.globalIngress = types.IngressHalted
	case types.CmdPauseDomain:
		if cmd.Domain != nil {
			c.domainIngress[cmd.Domain.Key()] = types.IngressPaused
		}
	case types.CmdResumeDomain:
		if cmd.Domain != nil {
			delete(c.domainIngress, cmd.Domain.Key())
		}
	case types.CmdForceCloseDomain:
		if cmd.Domain != nil {
			c.domainIngress[cmd.Domain.Key()] = types.IngressHalted
		}
	case types.CmdShutdownDomain:
		if cmd.Domain != nil {
			c.domainIngress[cmd.Domain.Key()] = types.IngressHalted
		}
	}
	c.fanOutLocked(cmd)
	c.mu.Unlock()

	c.log.Info("control command applied", "kind", controlKindName(cmd.Kind), "domain", domainLabel(cmd.Domain))
	return cmd.Kind == types.CmdShutdownAll
}

// fanOutLocked pushes the agent command implied by cmd to every matching
// agent's command channel, non-blocking. Caller must hold c.mu.
func (c *Coordinator) fanOutLocked(cmd types.ControlCommand) {
	agentCmd, ok := agentCommandFor(cmd.Kind)
	if !ok {
		return
	}
	for _, a := range c.agents {
		if cmd.Domain != nil && a.domain.Key() != cmd.Domain.Key() {
			continue
		}
		select {
		case a.cmdTx <- agentCmd:
		default:
			c.log.Warn("agent command channel full, dropping fan-out", "agent_id", a.id, "command", agentCmd)
		}
	}
}

func agentCommandFor(kind types.ControlKind) (types.CoordinatorCommand, bool) {
	switch kind {
	case types.CmdPauseAll, types.CmdPauseDomain:
		return types.AgentCmdPause, true
	case types.CmdResumeAll, types.CmdResumeDomain:
		return types.AgentCmdResume, true
	case types.CmdForceCloseAll, types.CmdForceCloseDomain:
		return types.AgentCmdForceClose, true
	case types.CmdShutdownAll, types.CmdShutdownDomain:
		return types.AgentCmdShutdown, true
	default:
		return 0, false
	}
}

func controlKindName(kind types.ControlKind) string {
	switch kind {
	case types.CmdPauseAll:
		return "pause_all"
	case types.CmdResumeAll:
		return "resume_all"
	case types.CmdForceCloseAll:
		return "force_close_all"
	case types.CmdShutdownAll:
		return "shutdown_all"
	case types.CmdPauseDomain:
		return "pause_domain"
	case types.CmdResumeDomain:
		return "resume_domain"
	case types.CmdForceCloseDomain:
		return "force_close_domain"
	case types.CmdShutdownDomain:
		return "shutdown_domain"
	default:
		return "unknown"
	}
}

func domainLabel(d *types.Domain) string {
	if d == nil {
		return "platform"
	}
	return d.Key()
}

// handleOrderIntent runs the full admission flow of spec.md §4.8 for a
// freshly received intent: ingress gate, audit trail, dedup guard, risk
// gate, allocator reservation, queue admission.
func (c *Coordinator) handleOrderIntent(ctx context.Context, intent types.OrderIntent) {
	now := time.Now()
	log := c.log.With("intent_id", intent.IntentID, "agent_id", intent.AgentID, "domain", intent.Domain.Key())

	c.mu.RLock()
	ingress := c.ingressForLocked(intent.Domain)
	c.mu.RUnlock()

	if ingress != types.IngressRunning {
		log.Info("intent dropped: ingress not running", "ingress", ingress)
		c.persistBlocked(ctx, intent, coordfail.ReasonIngressBlocked, now)
		c.deps.Metrics.IntentBlocked(intent.Domain, string(coordfail.ReasonIngressBlocked))
		return
	}

	if err := c.deps.Persistence.RecordSignalHistory(ctx, intent.IntentID.String(), intent.AgentID,
		intent.Domain.Key(), intent.MarketSlug, intent.Priority.String(), now); err != nil {
		log.Warn("failed to persist signal history", "error", err)
	}

	if !intent.IsBuy {
		if reason, ok := intent.Meta(types.MetaExitReason); ok {
			if err := c.deps.Persistence.RecordExitReason(ctx, intent.IntentID.String(), reason, "intent", now); err != nil {
				log.Warn("failed to persist exit reason intent row", "error", err)
			}
		}
	}

	if err := c.deps.DupGuard.Check(intent, now); err != nil {
		log.Info("intent dropped: duplicate", "error", err)
		c.persistBlocked(ctx, intent, coordfail.ReasonDuplicateIntent, now)
		c.deps.Metrics.IntentBlocked(intent.Domain, string(coordfail.ReasonDuplicateIntent))
		return
	}

	decision := c.deps.Risk.CheckOrder(intent, now)
	switch decision.Outcome {
	case risk.Blocked:
		log.Info("intent blocked by risk gate", "reason", decision.Reason)
		c.persistBlocked(ctx, intent, decision.Reason, now)
		c.deps.Metrics.IntentBlocked(intent.Domain, string(decision.Reason))
		return
	case risk.Adjusted:
		log.Info("intent adjusted by risk gate, expecting resubmission", "reason", decision.Reason, "max_shares", decision.MaxShares)
		if err := c.deps.Persistence.RecordRiskDecision(ctx, intent.IntentID.String(), persistence.DecisionAdjusted, string(decision.Reason), decision.MaxShares, now); err != nil {
			log.Warn("failed to persist adjusted risk decision", "error", err)
		}
		c.deps.Metrics.IntentAdjusted(intent.Domain)
		return
	}

	if intent.IsBuy {
		if allocator, ok := c.deps.Allocators[intent.Domain.Kind]; ok {
			if err := allocator.ReserveBuy(intent, c.cfg.Equity); err != nil {
				log.Info("intent blocked by allocator", "error", err)
				c.persistBlocked(ctx, intent, coordfail.ReasonAllocatorRejected, now)
				c.deps.Metrics.IntentBlocked(intent.Domain, string(coordfail.ReasonAllocatorRejected))
				return
			}
		}
	}

	if err := c.deps.Queue.Enqueue(intent, now); err != nil {
		log.Warn("intent failed to enqueue after passing admission, releasing any reservation", "error", err)
		if intent.IsBuy {
			if allocator, ok := c.deps.Allocators[intent.Domain.Kind]; ok {
				allocator.ReleaseBuyReservation(intent)
			}
		}
		c.persistBlocked(ctx, intent, coordfail.ReasonQueueFull, now)
		c.deps.Metrics.IntentBlocked(intent.Domain, string(coordfail.ReasonQueueFull))
		return
	}

	if err := c.deps.Persistence.RecordRiskDecision(ctx, intent.IntentID.String(), persistence.DecisionPassed, "", 0, now); err != nil {
		log.Warn("failed to persist passed risk decision", "error", err)
	}
	c.deps.Metrics.IntentAdmitted(intent.Domain)
}

func (c *Coordinator) persistBlocked(ctx context.Context, intent types.OrderIntent, reason coordfail.BlockReason, now time.Time) {
	if err := c.deps.Persistence.RecordRiskDecision(ctx, intent.IntentID.String(), persistence.DecisionBlocked, string(reason), 0, now); err != nil {
		c.log.Warn("failed to persist blocked risk decision", "intent_id", intent.IntentID, "error", err)
	}
}

// handleAgentSnapshot folds an agent's heartbeat into the risk gate's live
// exposure view and the coordinator's last-known-state map.
func (c *Coordinator) handleAgentSnapshot(snapshot types.AgentSnapshot) {
	c.deps.Risk.UpdateAgentExposure(snapshot.AgentID, snapshot.Exposure, snapshot.UnrealizedPnL,
		snapshot.PositionCount, 0)

	c.mu.Lock()
	if a, ok := c.agents[snapshot.AgentID]; ok {
		a.lastHeartbeat = snapshot.LastHeartbeat
		a.warnedStale = false
	}
	c.mu.Unlock()

	c.stateMu.Lock()
	c.state.Agents[snapshot.AgentID] = snapshot
	c.stateMu.Unlock()
}

// drainAndExecute implements spec.md §4.9's queue drain: expire stale
// entries, pop up to BatchSize, and execute each.
func (c *Coordinator) drainAndExecute(ctx context.Context, now time.Time) {
	c.deps.Queue.CleanupExpired(now)
	batch := c.deps.Queue.DequeueBatch(c.cfg.BatchSize, now)
	for _, intent := range batch {
		c.executeIntent(ctx, intent, now)
	}
}

// executeIntent builds the exchange-facing OrderRequest for a dequeued
// intent, runs it through the idempotency store, and submits it via the
// execution adapter.
func (c *Coordinator) executeIntent(ctx context.Context, intent types.OrderIntent, dequeuedAt time.Time) {
	log := c.log.With("intent_id", intent.IntentID, "agent_id", intent.AgentID)
	queueDelayMs := dequeuedAt.Sub(intent.CreatedAt).Milliseconds()
	if queueDelayMs < 0 {
		queueDelayMs = 0
	}

	orderSide := types.OrderSideSell
	if intent.IsBuy {
		orderSide = types.OrderSideBuy
	}

	key := idempotency.DeriveKey(intent, c.cfg.AccountID)
	req := types.OrderRequest{
		ClientOrderID:  "intent:" + intent.IntentID.String(),
		IdempotencyKey: key,
		TokenID:        intent.TokenID,
		MarketSide:     intent.Side,
		OrderSide:      orderSide,
		Shares:         intent.Shares,
		LimitPrice:     intent.LimitPrice,
		OrderType:      types.OrderTypeLimit,
		TimeInForce:    types.TIFGTC,
	}

	if c.deps.Idempotency != nil {
		inserted, cached, err := c.deps.Idempotency.TryBeginSubmission(ctx, c.cfg.AccountID, key, intent.IntentID.String(), time.Now())
		if err != nil {
			log.Warn("idempotency store lookup failed, proceeding without dedup", "error", err)
		} else if !inserted {
			log.Info("intent deduplicated against in-flight/completed submission", "idempotency_key", key, "cached_status", cached.Status)
			return
		}
	}

	result, err := c.deps.Executor.Execute(ctx, req)
	if err != nil {
		c.handleExecutionFailure(ctx, intent, result, err, queueDelayMs, key)
		return
	}
	c.handleExecutionSuccess(ctx, intent, result, queueDelayMs, key)
}

// handleExecutionSuccess settles the allocator, applies the fill to the
// position book, and persists the execution trail.
func (c *Coordinator) handleExecutionSuccess(ctx context.Context, intent types.OrderIntent, result types.ExecutionResult, queueDelayMs int64, idemKey string) {
	log := c.log.With("intent_id", intent.IntentID, "agent_id", intent.AgentID)
	now := time.Now()

	avgFillPrice := intent.LimitPrice
	if result.AvgFillPrice != nil {
		avgFillPrice = *result.AvgFillPrice
	}

	realizedPnL := decimal.Zero
	if intent.IsBuy {
		if allocator, ok := c.deps.Allocators[intent.Domain.Kind]; ok {
			allocator.SettleBuyExecution(intent, result.FilledShares, avgFillPrice)
		}
		if result.FilledShares > 0 {
			c.deps.Positions.OpenPosition(intent.AgentID, intent.Domain, intent.MarketSlug, intent.TokenID,
				intent.Side, result.FilledShares, avgFillPrice, now)
		}
	} else {
		if allocator, ok := c.deps.Allocators[intent.Domain.Kind]; ok {
			allocator.SettleSellExecution(intent, result.FilledShares, avgFillPrice)
		}
		if result.FilledShares > 0 {
			realized, residual := c.deps.Positions.ReduceFIFO(intent.AgentID, intent.Domain, intent.MarketSlug,
				intent.TokenID, intent.Side, result.FilledShares, avgFillPrice, now)
			realizedPnL = realized
			if residual > 0 {
				log.Warn("sell execution exceeded known open position shares", "residual_shares", residual)
			}
			if reason, ok := intent.Meta(types.MetaExitReason); ok {
				if err := c.deps.Persistence.RecordExitReason(ctx, intent.IntentID.String(), reason, "completed", now); err != nil {
					log.Warn("failed to persist completed exit reason", "error", err)
				}
			}
		}
	}

	c.deps.Risk.RecordSuccess(intent.AgentID, realizedPnL, now)
	c.deps.Metrics.OrderExecuted(intent.Domain, result.Status)

	if c.deps.Idempotency != nil {
		if err := c.deps.Idempotency.MarkCompleted(ctx, c.cfg.AccountID, idemKey, result.OrderID, string(result.Status)); err != nil {
			log.Warn("failed to mark idempotency row completed", "error", err)
		}
	}

	rec := persistence.OrderExecutionRecord{
		IntentID:        intent.IntentID.String(),
		AgentID:         intent.AgentID,
		MarketSlug:      intent.MarketSlug,
		Side:            string(intent.Side),
		Shares:          intent.Shares,
		LimitPrice:      intent.LimitPrice.String(),
		FilledShares:    result.FilledShares,
		AvgFillPrice:    avgFillPrice.String(),
		Status:          string(result.Status),
		ExchangeOrderID: result.OrderID,
		QueueDelayMs:    queueDelayMs,
		ElapsedMs:       result.ElapsedMs,
	}
	if err := c.deps.Persistence.RecordOrderExecution(ctx, rec, now); err != nil {
		log.Warn("failed to persist order execution", "error", err)
	}

	slippage := slippageBps(intent.LimitPrice, avgFillPrice, intent.IsBuy)
	if err := c.deps.Persistence.RecordExecutionAnalysis(ctx, intent.IntentID.String(), slippage, result.ElapsedMs, now); err != nil {
		log.Warn("failed to persist execution analysis", "error", err)
	}
}

// handleExecutionFailure releases any buy reservation, records the failure
// against the risk gate, and persists the failed attempt.
func (c *Coordinator) handleExecutionFailure(ctx context.Context, intent types.OrderIntent, result types.ExecutionResult, execErr error, queueDelayMs int64, idemKey string) {
	log := c.log.With("intent_id", intent.IntentID, "agent_id", intent.AgentID)
	now := time.Now()

	if intent.IsBuy {
		if allocator, ok := c.deps.Allocators[intent.Domain.Kind]; ok {
			allocator.ReleaseBuyReservation(intent)
		}
	}

	c.deps.Risk.RecordFailure(intent.AgentID, execErr.Error(), now)
	c.deps.Metrics.OrderFailed(intent.Domain)

	if c.deps.Idempotency != nil {
		if err := c.deps.Idempotency.MarkFailed(ctx, c.cfg.AccountID, idemKey, execErr.Error()); err != nil {
			log.Warn("failed to mark idempotency row failed", "error", err)
		}
	}

	rec := persistence.OrderExecutionRecord{
		IntentID:     intent.IntentID.String(),
		AgentID:      intent.AgentID,
		MarketSlug:   intent.MarketSlug,
		Side:         string(intent.Side),
		Shares:       intent.Shares,
		LimitPrice:   intent.LimitPrice.String(),
		FilledShares: result.FilledShares,
		Status:       string(types.StatusFailed),
		QueueDelayMs: queueDelayMs,
		ElapsedMs:    result.ElapsedMs,
	}
	if err := c.deps.Persistence.RecordOrderExecution(ctx, rec, now); err != nil {
		log.Warn("failed to persist failed order execution", "error", err)
	}
	if err := c.deps.Persistence.RecordEvent(ctx, "coordinator", "order_execution_failed",
		fmt.Sprintf("intent=%s agent=%s error=%v", intent.IntentID, intent.AgentID, execErr), now); err != nil {
		log.Warn("failed to persist execution-failure event", "error", err)
	}
	log.Warn("order execution failed", "error", execErr)
}

// slippageBps measures fill slippage against the intent's limit price in
// basis points, signed so a worse-than-limit fill is always positive.
func slippageBps(limitPrice, fillPrice decimal.Decimal, isBuy bool) float64 {
	if limitPrice.IsZero() {
		return 0
	}
	diff := fillPrice.Sub(limitPrice)
	if !isBuy {
		diff = diff.Neg()
	}
	bps := diff.Div(limitPrice).Mul(decimal.NewFromInt(10000))
	f, _ := bps.Float64()
	return f
}

// reconcileInFlight polls the execution adapter for every non-terminal
// order and persists any status change (spec.md §4.14's order-monitor
// fold-in).
func (c *Coordinator) reconcileInFlight(ctx context.Context, now time.Time) {
	pending, err := c.deps.Persistence.NonTerminalExecutions(ctx)
	if err != nil {
		c.log.Warn("reconcile tick: failed to list non-terminal executions", "error", err)
		return
	}

	for _, rec := range pending {
		if rec.ExchangeOrderID == "" {
			continue
		}
		result, err := c.deps.Executor.GetOrder(ctx, rec.ExchangeOrderID)
		if err != nil {
			c.log.Warn("reconcile tick: get_order failed", "intent_id", rec.IntentID, "error", err)
			continue
		}
		if string(result.Status) == rec.Status && result.FilledShares == rec.FilledShares {
			continue
		}

		avgFillPrice := rec.AvgFillPrice
		if result.AvgFillPrice != nil {
			avgFillPrice = result.AvgFillPrice.String()
		}
		if err := c.deps.Persistence.UpdateExecutionStatus(ctx, rec.IntentID, string(result.Status), result.FilledShares, avgFillPrice); err != nil {
			c.log.Warn("reconcile tick: failed to persist reconciled status", "intent_id", rec.IntentID, "error", err)
			continue
		}
		c.log.Info("reconcile tick: updated in-flight order", "intent_id", rec.IntentID, "status", result.Status)
	}
}

// refreshState rebuilds the periodically-polled GlobalState view and warns
// on any agent whose heartbeat has gone stale.
func (c *Coordinator) refreshState(now time.Time) {
	c.mu.RLock()
	globalIngress := c.globalIngress
	domainIngress := make(map[string]types.IngressMode, len(c.domainIngress))
	for k, v := range c.domainIngress {
		domainIngress[k] = v
	}
	for _, a := range c.agents {
		if now.Sub(a.lastHeartbeat) > c.cfg.HeartbeatTimeout && !a.warnedStale {
			c.log.Warn("agent heartbeat stale", "agent_id", a.id, "last_heartbeat", a.lastHeartbeat)
			a.warnedStale = true
		}
	}
	c.mu.RUnlock()

	queueStats := c.deps.Queue.Stats()
	for priority, depth := range queueStats.PerPriority {
		c.deps.Metrics.SetQueueDepth(priority, depth)
	}
	c.deps.Metrics.SetCircuitState(c.deps.Risk.State())

	c.stateMu.Lock()
	agentsCopy := make(map[string]types.AgentSnapshot, len(c.state.Agents))
	for k, v := range c.state.Agents {
		agentsCopy[k] = v
	}
	c.state = GlobalState{
		Ingress:       globalIngress,
		DomainIngress: domainIngress,
		RiskState:     c.deps.Risk.State(),
		QueueStats:    queueStats,
		Positions:     c.deps.Positions.Aggregate(),
		Agents:        agentsCopy,
		RefreshedAt:   now,
	}
	c.stateMu.Unlock()
}
