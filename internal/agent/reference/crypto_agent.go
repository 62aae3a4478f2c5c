// Package reference provides a minimal crypto-domain agent that satisfies
// the DomainAgent contract structurally without any prediction logic — a
// reference implementation for exercising the coordinator end to end.
package reference

import (
	"sync"

	"github.com/shopspring/decimal"

	"predictcoord/internal/agent"
	"predictcoord/internal/risk"
	"predictcoord/pkg/types"
)

const maxConsecutiveFailuresBeforeSelfPause = 3

// CryptoAgent is a structural reference agent for the crypto domain. It
// never emits intents on its own; it exists to exercise lifecycle,
// heartbeat, and execution-report handling in tests and local runs.
type CryptoAgent struct {
	mu     sync.Mutex
	id     string
	name   string
	domain types.Domain
	status types.AgentStatus
	params risk.AgentRiskParams
	handle agent.Handle

	positionCount       int
	totalExposure       decimal.Decimal
	dailyPnL            decimal.Decimal
	consecutiveFailures int
}

// New creates a crypto reference agent with the given identity and handle.
func New(id, name string, params risk.AgentRiskParams, handle agent.Handle) *CryptoAgent {
	return &CryptoAgent{
		id:            id,
		name:          name,
		domain:        types.Domain{Kind: types.DomainCrypto},
		status:        types.AgentInitializing,
		params:        params,
		handle:        handle,
		totalExposure: decimal.Zero,
		dailyPnL:      decimal.Zero,
	}
}

func (a *CryptoAgent) ID() string                     { return a.id }
func (a *CryptoAgent) Name() string                   { return a.name }
func (a *CryptoAgent) Domain() types.Domain           { return a.domain }
func (a *CryptoAgent) RiskParams() risk.AgentRiskParams { return a.params }

func (a *CryptoAgent) Status() types.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// OnEvent returns no intents: this agent carries no trading signal logic.
// It exists only to prove out the contract's can_trade gating and the
// coordinator's event dispatch.
func (a *CryptoAgent) OnEvent(event types.DomainEvent) []types.OrderIntent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.status.CanTrade() {
		return nil
	}
	return nil
}

// OnExecution updates the agent's private shadow state and applies a
// small consecutive-failure self-pause policy.
func (a *CryptoAgent) OnExecution(report types.ExecutionReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if report.Err != nil || report.Result.Status == types.StatusFailed || report.Result.Status == types.StatusRejected {
		a.consecutiveFailures++
		if a.consecutiveFailures >= maxConsecutiveFailuresBeforeSelfPause && a.status == types.AgentRunning {
			a.status = types.AgentPaused
		}
		return
	}

	a.consecutiveFailures = 0
	if report.Result.AvgFillPrice != nil && report.Result.FilledShares > 0 {
		notional := report.Result.AvgFillPrice.Mul(decimal.NewFromInt(int64(report.Result.FilledShares)))
		a.totalExposure = a.totalExposure.Add(notional)
	}
}

func (a *CryptoAgent) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = types.AgentRunning
}

func (a *CryptoAgent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = types.AgentStopped
}

func (a *CryptoAgent) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == types.AgentRunning {
		a.status = types.AgentPaused
	}
}

func (a *CryptoAgent) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == types.AgentPaused {
		a.status = types.AgentRunning
		a.consecutiveFailures = 0
	}
}

func (a *CryptoAgent) PositionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positionCount
}

func (a *CryptoAgent) TotalExposure() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalExposure
}

func (a *CryptoAgent) DailyPnL() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dailyPnL
}

var _ agent.DomainAgent = (*CryptoAgent)(nil)
