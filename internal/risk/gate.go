// Package risk implements the coordinator's admission gate (spec.md §4.5):
// a multi-layer check_order decision, a platform circuit breaker, and
// per-agent/per-domain daily PnL accounting.
package risk

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"predictcoord/internal/coordfail"
	"predictcoord/pkg/types"
)

// PlatformState is the overall admission posture of the gate.
type PlatformState string

const (
	StateNormal   PlatformState = "normal"
	StateElevated PlatformState = "elevated"
	StateHalted   PlatformState = "halted"
)

// Decision is the outcome of check_order.
type Decision struct {
	Outcome   DecisionOutcome
	Reason    coordfail.BlockReason
	MaxShares uint64 // populated only for Adjusted
}

type DecisionOutcome int

const (
	Passed DecisionOutcome = iota
	Blocked
	Adjusted
)

// AgentRiskParams bounds a single agent's order and exposure behavior.
type AgentRiskParams struct {
	MaxOrderValue    decimal.Decimal
	MaxTotalExposure decimal.Decimal
	AllowedMarkets   map[string]struct{} // nil/empty means all markets allowed
}

// IsMarketAllowed reports whether slug may be traded under these params.
func (p AgentRiskParams) IsMarketAllowed(slug string) bool {
	if len(p.AllowedMarkets) == 0 {
		return true
	}
	_, ok := p.AllowedMarkets[slug]
	return ok
}

func defaultAgentRiskParams() AgentRiskParams {
	return AgentRiskParams{
		MaxOrderValue:    decimal.NewFromInt(1000),
		MaxTotalExposure: decimal.NewFromInt(10000),
	}
}

// AgentStats is the gate's live view of one agent's exposure and PnL.
type AgentStats struct {
	Exposure            decimal.Decimal
	UnrealizedPnL       decimal.Decimal
	RealizedPnL         decimal.Decimal
	PositionCount       int
	UnhedgedCount       int
	ConsecutiveFailures int
	LastUpdate          time.Time
}

// dailyStats is the calendar-date-keyed PnL/order ledger.
type dailyStats struct {
	date         string
	totalPnL     decimal.Decimal
	domainPnL    map[types.DomainKind]decimal.Decimal
	orderCount   uint64
	successCount uint64
	failureCount uint64
}

func newDailyStats(date string) *dailyStats {
	return &dailyStats{date: date, domainPnL: make(map[types.DomainKind]decimal.Decimal)}
}

// CircuitBreakerEvent records a state transition of the platform breaker.
type CircuitBreakerEvent struct {
	Timestamp time.Time
	Reason    string
	NewState  PlatformState
}

// Config bundles the gate's static thresholds.
type Config struct {
	MaxPlatformExposure       decimal.Decimal
	MaxConsecutiveFailures    int
	DailyLossLimit            decimal.Decimal
	MaxSpreadBps              int
	DomainExposureCap         map[types.DomainKind]decimal.Decimal
	DomainLossLimit           map[types.DomainKind]decimal.Decimal
	CircuitBreakerAutoRecover bool
	CircuitBreakerCooldown    time.Duration
}

const circuitEventRingSize = 100

// Gate is the multi-layer order-admission decision engine.
type Gate struct {
	cfg Config
	log *slog.Logger

	mu              sync.RWMutex
	state           PlatformState
	agentStats      map[string]*AgentStats
	agentParams     map[string]AgentRiskParams
	agentDomain     map[string]types.DomainKind
	warnedDefault   map[string]bool
	totalExposure   decimal.Decimal
	domainExposure  map[types.DomainKind]decimal.Decimal
	daily           *dailyStats
	circuitEvents   []CircuitBreakerEvent
	haltedAt        time.Time

	consecutiveFailures atomic.Int64
}

// New builds a risk gate in the Normal state.
func New(cfg Config, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		cfg:            cfg,
		log:            log.With("component", "risk_gate"),
		state:          StateNormal,
		agentStats:     make(map[string]*AgentStats),
		agentParams:    make(map[string]AgentRiskParams),
		agentDomain:    make(map[string]types.DomainKind),
		warnedDefault:  make(map[string]bool),
		domainExposure: make(map[types.DomainKind]decimal.Decimal),
		daily:          newDailyStats(dateKey(time.Now())),
	}
}

func dateKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// RegisterAgent records an agent's risk params and domain ahead of trading.
func (g *Gate) RegisterAgent(agentID string, domain types.DomainKind, params AgentRiskParams) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agentParams[agentID] = params
	g.agentDomain[agentID] = domain
	if _, ok := g.agentStats[agentID]; !ok {
		g.agentStats[agentID] = &AgentStats{LastUpdate: time.Now()}
	}
}

func (g *Gate) rollDailyLocked(now time.Time) {
	today := dateKey(now)
	if g.daily.date != today {
		g.daily = newDailyStats(today)
	}
}

// CheckOrder runs the admission flow of spec.md §4.5 for a single intent.
func (g *Gate) CheckOrder(intent types.OrderIntent, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeAutoRecoverLocked(now)

	if intent.ExpiresAt != nil && intent.ExpiresAt.Before(now) {
		return Decision{Outcome: Blocked, Reason: coordfail.ReasonOrderExpired}
	}
	if !intent.IsBuy {
		return Decision{Outcome: Passed}
	}
	if g.state == StateHalted {
		return Decision{Outcome: Blocked, Reason: coordfail.ReasonCircuitBreakerTripped}
	}

	params, ok := g.agentParams[intent.AgentID]
	if !ok {
		params = defaultAgentRiskParams()
		if !g.warnedDefault[intent.AgentID] {
			g.log.Warn("agent has no registered risk params, using defaults", "agent_id", intent.AgentID)
			g.warnedDefault[intent.AgentID] = true
		}
	}
	if !params.IsMarketAllowed(intent.MarketSlug) {
		return Decision{Outcome: Blocked, Reason: coordfail.ReasonMarketNotAllowed}
	}

	orderValue := intent.LimitPrice.Mul(decimal.NewFromInt(int64(intent.Shares)))
	if orderValue.Cmp(params.MaxOrderValue) > 0 {
		maxShares := uint64(0)
		if intent.LimitPrice.Sign() > 0 {
			maxShares = params.MaxOrderValue.Div(intent.LimitPrice).Truncate(0).BigInt().Uint64()
		}
		if maxShares > 0 {
			return Decision{Outcome: Adjusted, Reason: coordfail.ReasonExceedsSingleLimit, MaxShares: maxShares}
		}
		return Decision{Outcome: Blocked, Reason: coordfail.ReasonExceedsSingleLimit}
	}

	stats := g.statsLocked(intent.AgentID)
	if stats.Exposure.Add(orderValue).Cmp(params.MaxTotalExposure) > 0 {
		return Decision{Outcome: Blocked, Reason: coordfail.ReasonExceedsTotalExposure}
	}

	domain := intent.Domain.Kind
	if cap, ok := g.cfg.DomainExposureCap[domain]; ok {
		if g.domainExposure[domain].Add(orderValue).Cmp(cap) > 0 {
			return Decision{Outcome: Blocked, Reason: coordfail.ReasonDomainExposureExceeded}
		}
	}

	if g.totalExposure.Add(orderValue).Cmp(g.cfg.MaxPlatformExposure) > 0 {
		return Decision{Outcome: Blocked, Reason: coordfail.ReasonExceedsTotalExposure}
	}

	g.rollDailyLocked(now)
	if g.daily.totalPnL.Sign() < 0 && g.daily.totalPnL.Abs().Cmp(g.cfg.DailyLossLimit) >= 0 {
		return Decision{Outcome: Blocked, Reason: coordfail.ReasonDailyLossExceeded}
	}
	if limit, ok := g.cfg.DomainLossLimit[domain]; ok {
		domainPnL := g.daily.domainPnL[domain]
		if domainPnL.Sign() < 0 && domainPnL.Abs().Cmp(limit) >= 0 {
			return Decision{Outcome: Blocked, Reason: coordfail.ReasonDomainDailyLossExceeded}
		}
	}

	return Decision{Outcome: Passed}
}

func (g *Gate) statsLocked(agentID string) *AgentStats {
	s, ok := g.agentStats[agentID]
	if !ok {
		s = &AgentStats{LastUpdate: time.Now()}
		g.agentStats[agentID] = s
	}
	return s
}

func (g *Gate) maybeAutoRecoverLocked(now time.Time) {
	if g.state != StateHalted || !g.cfg.CircuitBreakerAutoRecover {
		return
	}
	if now.Sub(g.haltedAt) < g.cfg.CircuitBreakerCooldown {
		return
	}
	g.state = StateNormal
	g.consecutiveFailures.Store(0)
	g.haltedAt = time.Time{}
	g.pushEventLocked(now, "auto_recover_cooldown_elapsed")
}

func (g *Gate) pushEventLocked(now time.Time, reason string) {
	ev := CircuitBreakerEvent{Timestamp: now, Reason: reason, NewState: g.state}
	g.circuitEvents = append(g.circuitEvents, ev)
	if len(g.circuitEvents) > circuitEventRingSize {
		g.circuitEvents = g.circuitEvents[len(g.circuitEvents)-circuitEventRingSize:]
	}
}

// RecordSuccess clears failure counters and rolls realized PnL into the
// daily ledger.
func (g *Gate) RecordSuccess(agentID string, pnl decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFailures.Store(0)
	stats := g.statsLocked(agentID)
	stats.ConsecutiveFailures = 0
	stats.RealizedPnL = stats.RealizedPnL.Add(pnl)
	stats.LastUpdate = now

	g.rollDailyLocked(now)
	g.daily.totalPnL = g.daily.totalPnL.Add(pnl)
	if domain, ok := g.agentDomain[agentID]; ok {
		g.daily.domainPnL[domain] = g.daily.domainPnL[domain].Add(pnl)
	}
	g.daily.orderCount++
	g.daily.successCount++

	if g.state == StateElevated {
		g.state = StateNormal
	}
}

// RecordFailure bumps global and per-agent failure counters and may trip
// the circuit breaker or elevate the platform state.
func (g *Gate) RecordFailure(agentID string, reason string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	global := g.consecutiveFailures.Add(1)
	stats := g.statsLocked(agentID)
	stats.ConsecutiveFailures++
	stats.LastUpdate = now

	g.rollDailyLocked(now)
	g.daily.orderCount++
	g.daily.failureCount++

	if int(global) >= g.cfg.MaxConsecutiveFailures {
		g.triggerCircuitBreakerLocked(reason, now)
	} else if int(global)*2 >= g.cfg.MaxConsecutiveFailures {
		g.state = StateElevated
	}
}

// RecordLoss applies a realized loss to the agent and daily ledgers and
// trips the breaker if the daily loss limit is breached.
func (g *Gate) RecordLoss(agentID string, loss decimal.Decimal, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	absLoss := loss.Abs()
	stats := g.statsLocked(agentID)
	stats.RealizedPnL = stats.RealizedPnL.Sub(absLoss)
	stats.LastUpdate = now

	g.rollDailyLocked(now)
	g.daily.totalPnL = g.daily.totalPnL.Sub(absLoss)
	if domain, ok := g.agentDomain[agentID]; ok {
		g.daily.domainPnL[domain] = g.daily.domainPnL[domain].Sub(absLoss)
	}

	if g.daily.totalPnL.Abs().Cmp(g.cfg.DailyLossLimit) >= 0 {
		g.triggerCircuitBreakerLocked("daily_loss_limit_breached", now)
	}
}

// TriggerCircuitBreaker halts the platform. Idempotent.
func (g *Gate) TriggerCircuitBreaker(reason string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.triggerCircuitBreakerLocked(reason, now)
}

func (g *Gate) triggerCircuitBreakerLocked(reason string, now time.Time) {
	if g.state == StateHalted {
		return
	}
	g.state = StateHalted
	g.haltedAt = now
	g.pushEventLocked(now, reason)
	g.log.Warn("circuit breaker tripped", "reason", reason)
}

// UpdateAgentExposure atomically replaces an agent's exposure figures,
// adjusting the running total/domain aggregates by the delta and
// saturating at zero.
func (g *Gate) UpdateAgentExposure(agentID string, exposure, unrealized decimal.Decimal, positionCount, unhedged int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := g.statsLocked(agentID)
	delta := exposure.Sub(stats.Exposure)

	stats.Exposure = exposure
	stats.UnrealizedPnL = unrealized
	stats.PositionCount = positionCount
	stats.UnhedgedCount = unhedged
	stats.LastUpdate = time.Now()

	g.totalExposure = saturateAtZero(g.totalExposure.Add(delta))
	if domain, ok := g.agentDomain[agentID]; ok {
		g.domainExposure[domain] = saturateAtZero(g.domainExposure[domain].Add(delta))
	}
}

func saturateAtZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}

// RestoreRuntimeCounters installs recovered state after a crash, deriving
// the resulting platform state from the restored totals.
func (g *Gate) RestoreRuntimeCounters(date string, totalPnL decimal.Decimal, globalFailures int, agentFailures map[string]int, lastEventAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.daily = newDailyStats(date)
	g.daily.totalPnL = totalPnL
	g.consecutiveFailures.Store(int64(globalFailures))
	for agentID, failures := range agentFailures {
		stats := g.statsLocked(agentID)
		stats.ConsecutiveFailures = failures
	}

	switch {
	case totalPnL.Sign() < 0 && totalPnL.Abs().Cmp(g.cfg.DailyLossLimit) >= 0:
		g.state = StateHalted
		g.haltedAt = lastEventAt
	case globalFailures >= g.cfg.MaxConsecutiveFailures:
		g.state = StateHalted
		g.haltedAt = lastEventAt
	case globalFailures*2 >= g.cfg.MaxConsecutiveFailures:
		g.state = StateElevated
	default:
		g.state = StateNormal
	}
}

// State returns the current platform risk state.
func (g *Gate) State() PlatformState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// AgentSnapshot returns a copy of an agent's current stats, or false if unknown.
func (g *Gate) AgentSnapshot(agentID string) (AgentStats, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.agentStats[agentID]
	if !ok {
		return AgentStats{}, false
	}
	return *s, true
}

// TotalExposure returns the platform-wide running exposure total.
func (g *Gate) TotalExposure() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.totalExposure
}

// CircuitEvents returns a copy of the breaker's event ring.
func (g *Gate) CircuitEvents() []CircuitBreakerEvent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]CircuitBreakerEvent, len(g.circuitEvents))
	copy(out, g.circuitEvents)
	return out
}
