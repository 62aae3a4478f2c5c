// Package agent defines the strategy contract every domain agent
// implements (spec.md §4.7) and the clonable handle the Coordinator hands
// agents for pushing intents and state back in.
package agent

import (
	"github.com/shopspring/decimal"

	"predictcoord/internal/risk"
	"predictcoord/pkg/types"
)

// DomainAgent is the trait surface every strategy implements. Agents must
// never block on I/O inside OnEvent; they push intents through their
// Handle and return.
type DomainAgent interface {
	ID() string
	Name() string
	Domain() types.Domain
	Status() types.AgentStatus
	RiskParams() risk.AgentRiskParams

	// OnEvent reacts to a domain or lifecycle event, returning zero or more
	// intents to submit. Must return empty when Status().CanTrade() is false.
	OnEvent(event types.DomainEvent) []types.OrderIntent

	// OnExecution informs the agent of an execution outcome so it can
	// update its private position shadow and apply self-pause policy.
	OnExecution(report types.ExecutionReport)

	Start()
	Stop()
	Pause()
	Resume()

	PositionCount() int
	TotalExposure() decimal.Decimal
	DailyPnL() decimal.Decimal
}

// Handle is the clonable collaborator the Coordinator gives every agent:
// a narrow channel-backed surface for submitting intents and heartbeats,
// independent of the coordinator's internal state.
type Handle struct {
	agentID string
	orderTx chan<- types.OrderIntent
	stateTx chan<- types.AgentSnapshot
}

// NewHandle builds a handle bound to the coordinator's ingress channels.
func NewHandle(agentID string, orderTx chan<- types.OrderIntent, stateTx chan<- types.AgentSnapshot) Handle {
	return Handle{agentID: agentID, orderTx: orderTx, stateTx: stateTx}
}

// SubmitOrder pushes an intent into the coordinator's order channel,
// non-blocking: a full channel drops the intent and reports false so the
// agent can decide whether to retry on the next tick.
func (h Handle) SubmitOrder(intent types.OrderIntent) bool {
	select {
	case h.orderTx <- intent:
		return true
	default:
		return false
	}
}

// UpdateAgentState pushes a heartbeat snapshot, non-blocking.
func (h Handle) UpdateAgentState(snapshot types.AgentSnapshot) bool {
	select {
	case h.stateTx <- snapshot:
		return true
	default:
		return false
	}
}
