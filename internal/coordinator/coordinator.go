// Package coordinator implements the central event loop (spec.md §4.8):
// a single select loop reacting to control commands, order intents, agent
// snapshots, and three tickers (drain, refresh, reconcile), wiring the
// priority queue, duplicate guard, risk gate, capital allocators, position
// aggregator, execution adapter, idempotency layer and persistence trail
// together.
package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predictcoord/internal/agent"
	"predictcoord/internal/dupguard"
	"predictcoord/internal/exchange"
	"predictcoord/internal/idempotency"
	"predictcoord/internal/persistence"
	"predictcoord/internal/position"
	"predictcoord/internal/queue"
	"predictcoord/internal/risk"
	"predictcoord/pkg/types"
)

// DomainAllocator is the reserve/settle capital allocator contract a domain
// plugs into the coordinator. allocator.Crypto and allocator.Sports both
// satisfy it; domains with no registered allocator simply skip reservation.
type DomainAllocator interface {
	ReserveBuy(intent types.OrderIntent, equity decimal.Decimal) error
	ReleaseBuyReservation(intent types.OrderIntent)
	SettleBuyExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal)
	SettleSellExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal)
}

// Config bundles the coordinator's channel sizes and tick periods.
type Config struct {
	AccountID string
	Equity    decimal.Decimal // account-equity figure allocators size caps against

	OrderChannelSize    int
	StateChannelSize    int
	ControlChannelSize  int
	AgentCmdChannelSize int

	BatchSize            int
	QueueDrainInterval   time.Duration
	StateRefreshInterval time.Duration
	ReconcileInterval    time.Duration

	HeartbeatTimeout      time.Duration
	HeartbeatWarnCooldown time.Duration
}

// Deps bundles the coordinator's collaborators. All are required except
// Allocators (missing domain entries simply skip allocator reservation).
type Deps struct {
	Queue       *queue.Queue
	DupGuard    *dupguard.Guard
	Risk        *risk.Gate
	Positions   *position.Aggregator
	Allocators  map[types.DomainKind]DomainAllocator
	Persistence persistence.TransactionManager
	Idempotency *idempotency.Store
	Executor    *exchange.Executor
	Metrics     *Metrics
	Log         *slog.Logger
}

// registeredAgent is the coordinator's bookkeeping record for one agent.
type registeredAgent struct {
	id            string
	domain        types.Domain
	cmdTx         chan types.CoordinatorCommand
	lastHeartbeat time.Time
	warnedStale   bool
}

// GlobalState is the periodically-rebuilt platform-wide view spec.md §4.8's
// refresh tick produces, consumed by the health/status HTTP surface.
type GlobalState struct {
	Ingress       types.IngressMode
	DomainIngress map[string]types.IngressMode
	RiskState     risk.PlatformState
	QueueStats    queue.Stats
	Positions     position.Summary
	Agents        map[string]types.AgentSnapshot
	RefreshedAt   time.Time
}

// Coordinator is the platform's single orchestration loop.
type Coordinator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	orderRx   chan types.OrderIntent
	stateRx   chan types.AgentSnapshot
	controlRx chan types.ControlCommand

	mu            sync.RWMutex
	agents        map[string]*registeredAgent
	globalIngress types.IngressMode
	domainIngress map[string]types.IngressMode

	stateMu sync.RWMutex
	state   GlobalState
}

// New wires a Coordinator. Call RegisterAgent for every agent before Run.
func New(cfg Config, deps Deps) *Coordinator {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	return &Coordinator{
		cfg:           cfg,
		deps:          deps,
		log:           log.With("component", "coordinator"),
		orderRx:       make(chan types.OrderIntent, cfg.OrderChannelSize),
		stateRx:       make(chan types.AgentSnapshot, cfg.StateChannelSize),
		controlRx:     make(chan types.ControlCommand, cfg.ControlChannelSize),
		agents:        make(map[string]*registeredAgent),
		globalIngress: types.IngressRunning,
		domainIngress: make(map[string]types.IngressMode),
		state:         GlobalState{Ingress: types.IngressRunning, DomainIngress: make(map[string]types.IngressMode), Agents: make(map[string]types.AgentSnapshot)},
	}
}

// RegisterAgent records an agent's risk params and domain, and returns the
// handle it should submit intents/heartbeats through plus the per-agent
// command channel it should select on.
func (c *Coordinator) RegisterAgent(id string, domain types.Domain, params risk.AgentRiskParams) (agent.Handle, <-chan types.CoordinatorCommand) {
	c.deps.Risk.RegisterAgent(id, domain.Kind, params)

	cmdTx := make(chan types.CoordinatorCommand, c.cfg.AgentCmdChannelSize)
	c.mu.Lock()
	c.agents[id] = &registeredAgent{id: id, domain: domain, cmdTx: cmdTx, lastHeartbeat: time.Now()}
	c.mu.Unlock()

	return agent.NewHandle(id, c.orderRx, c.stateRx), cmdTx
}

// SubmitControl pushes a control command, non-blocking. Used by the CLI /
// control-API layer which runs out-of-process from the event loop.
func (c *Coordinator) SubmitControl(cmd types.ControlCommand) bool {
	select {
	case c.controlRx <- cmd:
		return true
	default:
		return false
	}
}

// State returns a copy of the most recently refreshed global state.
func (c *Coordinator) State() GlobalState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Coordinator) ingressForLocked(domain types.Domain) types.IngressMode {
	if c.globalIngress != types.IngressRunning {
		return c.globalIngress
	}
	if override, ok := c.domainIngress[domain.Key()]; ok {
		return override
	}
	return types.IngressRunning
}
