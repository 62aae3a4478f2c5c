package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"predictcoord/internal/dupguard"
	"predictcoord/internal/exchange"
	"predictcoord/internal/persistence"
	"predictcoord/internal/position"
	"predictcoord/internal/queue"
	"predictcoord/internal/risk"
	"predictcoord/pkg/types"
)

// fakePersistence is an in-memory no-op TransactionManager double recording
// the calls the coordinator's handlers make, for assertion.
type fakePersistence struct {
	riskDecisions []string
	executions    []persistence.OrderExecutionRecord
	events        []string
	nonTerminal   []persistence.OrderExecutionRecord
	updated       map[string]string
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{updated: make(map[string]string)}
}

func (f *fakePersistence) Begin(ctx context.Context) (*persistence.ManagedTransaction, error) {
	return nil, nil
}
func (f *fakePersistence) RecordRiskDecision(ctx context.Context, intentID string, decision persistence.RiskDecision, blockReason string, maxShares uint64, now time.Time) error {
	f.riskDecisions = append(f.riskDecisions, string(decision)+":"+blockReason)
	return nil
}
func (f *fakePersistence) RecordSignalHistory(ctx context.Context, intentID, agentID, domain, marketSlug, priority string, now time.Time) error {
	return nil
}
func (f *fakePersistence) RecordExitReason(ctx context.Context, intentID, reasonCode, status string, now time.Time) error {
	return nil
}
func (f *fakePersistence) RecordOrderExecution(ctx context.Context, rec persistence.OrderExecutionRecord, now time.Time) error {
	f.executions = append(f.executions, rec)
	return nil
}
func (f *fakePersistence) RecordExecutionAnalysis(ctx context.Context, intentID string, slippageBps float64, latencyMs int64, now time.Time) error {
	return nil
}
func (f *fakePersistence) TransitionState(ctx context.Context, from, to, component, reason string, now time.Time) error {
	return nil
}
func (f *fakePersistence) RecordHeartbeat(ctx context.Context, component, status string, metadata map[string]string, now time.Time) error {
	return nil
}
func (f *fakePersistence) RecordEvent(ctx context.Context, component, kind, message string, now time.Time) error {
	f.events = append(f.events, kind)
	return nil
}
func (f *fakePersistence) RecentEvents(ctx context.Context, limit int) ([]persistence.SystemEvent, error) {
	return nil, nil
}
func (f *fakePersistence) AddToDLQ(ctx context.Context, operation string, payload []byte, maxRetries int, now time.Time) (int64, error) {
	return 0, nil
}
func (f *fakePersistence) ResolveDLQ(ctx context.Context, id int64, now time.Time) error      { return nil }
func (f *fakePersistence) IncrementDLQRetry(ctx context.Context, id int64, now time.Time) error { return nil }
func (f *fakePersistence) MarkDLQPermanentFailure(ctx context.Context, id int64, now time.Time) error {
	return nil
}
func (f *fakePersistence) SaveSnapshot(ctx context.Context, snapshotType, component string, version int, payload []byte, now time.Time) error {
	return nil
}
func (f *fakePersistence) GetLatestSnapshot(ctx context.Context, snapshotType, component string) (persistence.StateSnapshot, bool, error) {
	return persistence.StateSnapshot{}, false, nil
}
func (f *fakePersistence) NonTerminalExecutions(ctx context.Context) ([]persistence.OrderExecutionRecord, error) {
	return f.nonTerminal, nil
}
func (f *fakePersistence) UpdateExecutionStatus(ctx context.Context, intentID, status string, filledShares uint64, avgFillPrice string) error {
	f.updated[intentID] = status
	return nil
}

var _ persistence.TransactionManager = (*fakePersistence)(nil)

// fakeExchangeClient is an in-memory exchange.ExchangeClient double.
type fakeExchangeClient struct {
	submitResp exchange.OrderResponse
	submitErr  error
	getResp    exchange.OrderResponse
}

func (f *fakeExchangeClient) SubmitOrderGateway(ctx context.Context, req types.OrderRequest) (exchange.OrderResponse, error) {
	return f.submitResp, f.submitErr
}
func (f *fakeExchangeClient) GetOrder(ctx context.Context, id string) (exchange.OrderResponse, error) {
	return f.getResp, nil
}
func (f *fakeExchangeClient) CancelOrder(ctx context.Context, id string) error { return nil }
func (f *fakeExchangeClient) GetBestPrices(ctx context.Context, tokenID string) (exchange.BestPrices, error) {
	return exchange.BestPrices{}, nil
}
func (f *fakeExchangeClient) InferOrderStatus(resp exchange.OrderResponse) types.OrderStatus {
	if resp.FilledShares == 0 {
		return types.StatusSubmitted
	}
	return types.StatusFilled
}
func (f *fakeExchangeClient) CalculateFill(resp exchange.OrderResponse) (uint64, *decimal.Decimal) {
	return resp.FilledShares, resp.AvgFillPrice
}
func (f *fakeExchangeClient) GetBalances(ctx context.Context) ([]exchange.Balance, error) { return nil, nil }
func (f *fakeExchangeClient) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}
func (f *fakeExchangeClient) GetOrderHistory(ctx context.Context, tokenID string, limit int) ([]exchange.OrderResponse, error) {
	return nil, nil
}

var _ exchange.ExchangeClient = (*fakeExchangeClient)(nil)

// fakeAllocator is a minimal DomainAllocator double recording calls.
type fakeAllocator struct {
	reserveErr    error
	reserved      int
	released      int
	settledBuys   int
	settledSells  int
}

func (a *fakeAllocator) ReserveBuy(intent types.OrderIntent, equity decimal.Decimal) error {
	a.reserved++
	return a.reserveErr
}
func (a *fakeAllocator) ReleaseBuyReservation(intent types.OrderIntent) { a.released++ }
func (a *fakeAllocator) SettleBuyExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal) {
	a.settledBuys++
}
func (a *fakeAllocator) SettleSellExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal) {
	a.settledSells++
}

func testConfig() Config {
	return Config{
		AccountID:           "acct-1",
		Equity:              decimal.NewFromInt(100000),
		OrderChannelSize:    16,
		StateChannelSize:    16,
		ControlChannelSize:  8,
		AgentCmdChannelSize: 4,
		BatchSize:           10,
		QueueDrainInterval:  50 * time.Millisecond,
		StateRefreshInterval: 50 * time.Millisecond,
		ReconcileInterval:   50 * time.Millisecond,
		HeartbeatTimeout:    time.Minute,
	}
}

func buildTestCoordinator(t *testing.T, client *fakeExchangeClient) (*Coordinator, *fakePersistence, *fakeAllocator) {
	t.Helper()
	persist := newFakePersistence()
	alloc := &fakeAllocator{}
	riskGate := risk.New(risk.Config{
		MaxPlatformExposure:    decimal.NewFromInt(1000000),
		MaxConsecutiveFailures: 5,
		DailyLossLimit:         decimal.NewFromInt(100000),
	}, nil)

	deps := Deps{
		Queue:       queue.New(100),
		DupGuard:    dupguard.New(time.Minute),
		Risk:        riskGate,
		Positions:   position.New(),
		Allocators:  map[types.DomainKind]DomainAllocator{types.DomainCrypto: alloc},
		Persistence: persist,
		Executor:    exchange.NewExecutor(client),
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}
	c := New(testConfig(), deps)
	riskGate.RegisterAgent("agent-1", types.DomainCrypto, risk.AgentRiskParams{
		MaxOrderValue:    decimal.NewFromInt(10000),
		MaxTotalExposure: decimal.NewFromInt(50000),
	})
	c.agents["agent-1"] = &registeredAgent{id: "agent-1", domain: types.Domain{Kind: types.DomainCrypto}, cmdTx: make(chan types.CoordinatorCommand, 4), lastHeartbeat: time.Now()}
	return c, persist, alloc
}

func buyIntent() types.OrderIntent {
	return types.OrderIntent{
		IntentID:   uuid.New(),
		AgentID:    "agent-1",
		Domain:     types.Domain{Kind: types.DomainCrypto},
		MarketSlug: "btc-up-15m",
		TokenID:    "tok-1",
		Side:       types.Up,
		IsBuy:      true,
		Shares:     100,
		LimitPrice: decimal.NewFromFloat(0.5),
		Priority:   types.PriorityNormal,
		CreatedAt:  time.Now(),
	}
}

func TestHandleOrderIntentDroppedWhenIngressPaused(t *testing.T) {
	t.Parallel()
	c, persist, alloc := buildTestCoordinator(t, &fakeExchangeClient{})
	c.globalIngress = types.IngressPaused

	c.handleOrderIntent(context.Background(), buyIntent())

	if len(persist.riskDecisions) != 1 || persist.riskDecisions[0] != "blocked:ingress_blocked" {
		t.Errorf("expected one ingress_blocked decision, got %v", persist.riskDecisions)
	}
	if alloc.reserved != 0 {
		t.Errorf("expected no allocator reservation attempt, got %d", alloc.reserved)
	}
	if c.deps.Queue.Stats().Size != 0 {
		t.Errorf("expected nothing enqueued")
	}
}

func TestHandleOrderIntentDroppedOnDuplicate(t *testing.T) {
	t.Parallel()
	c, persist, _ := buildTestCoordinator(t, &fakeExchangeClient{})
	intent := buyIntent()

	c.handleOrderIntent(context.Background(), intent)
	dup := intent
	dup.IntentID = uuid.New()
	c.handleOrderIntent(context.Background(), dup)

	if len(persist.riskDecisions) != 2 {
		t.Fatalf("expected two recorded decisions, got %d", len(persist.riskDecisions))
	}
	if persist.riskDecisions[1] != "blocked:duplicate_intent" {
		t.Errorf("expected second intent blocked as duplicate, got %q", persist.riskDecisions[1])
	}
}

func TestHandleOrderIntentPassedReservesAndEnqueues(t *testing.T) {
	t.Parallel()
	c, persist, alloc := buildTestCoordinator(t, &fakeExchangeClient{})

	c.handleOrderIntent(context.Background(), buyIntent())

	if alloc.reserved != 1 {
		t.Errorf("expected one reservation attempt, got %d", alloc.reserved)
	}
	if c.deps.Queue.Stats().Size != 1 {
		t.Errorf("expected one queued intent, got %d", c.deps.Queue.Stats().Size)
	}
	if len(persist.riskDecisions) != 1 || persist.riskDecisions[0] != "passed:" {
		t.Errorf("expected one passed decision, got %v", persist.riskDecisions)
	}
}

func TestHandleOrderIntentAllocatorRejectionBlocksWithoutEnqueue(t *testing.T) {
	t.Parallel()
	c, persist, alloc := buildTestCoordinator(t, &fakeExchangeClient{})
	alloc.reserveErr = context.DeadlineExceeded

	c.handleOrderIntent(context.Background(), buyIntent())

	if c.deps.Queue.Stats().Size != 0 {
		t.Errorf("expected nothing enqueued after allocator rejection")
	}
	if persist.riskDecisions[0] != "blocked:allocator_rejected" {
		t.Errorf("expected allocator_rejected block, got %v", persist.riskDecisions)
	}
}

func TestDrainAndExecuteSuccessOpensPosition(t *testing.T) {
	t.Parallel()
	price := decimal.NewFromFloat(0.5)
	client := &fakeExchangeClient{submitResp: exchange.OrderResponse{
		ExchangeOrderID: "ex-1", FilledShares: 100, AvgFillPrice: &price,
	}}
	c, persist, alloc := buildTestCoordinator(t, client)

	intent := buyIntent()
	c.handleOrderIntent(context.Background(), intent)
	c.drainAndExecute(context.Background(), time.Now())

	if alloc.settledBuys != 1 {
		t.Errorf("expected one settled buy, got %d", alloc.settledBuys)
	}
	positions := c.deps.Positions.ByAgent("agent-1")
	if len(positions) != 1 || positions[0].Shares != 100 {
		t.Errorf("expected one open position of 100 shares, got %+v", positions)
	}
	if len(persist.executions) != 1 || persist.executions[0].Status != string(types.StatusFilled) {
		t.Errorf("expected one filled execution record, got %+v", persist.executions)
	}
}

func TestDrainAndExecuteFailureReleasesReservation(t *testing.T) {
	t.Parallel()
	client := &fakeExchangeClient{submitErr: context.DeadlineExceeded}
	c, persist, alloc := buildTestCoordinator(t, client)

	c.handleOrderIntent(context.Background(), buyIntent())
	c.drainAndExecute(context.Background(), time.Now())

	if alloc.released != 1 {
		t.Errorf("expected reservation released on execution failure, got %d", alloc.released)
	}
	found := false
	for _, ev := range persist.events {
		if ev == "order_execution_failed" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an order_execution_failed event, got %v", persist.events)
	}
}

func TestControlCommandPauseAllFansOutToAgents(t *testing.T) {
	t.Parallel()
	c, _, _ := buildTestCoordinator(t, &fakeExchangeClient{})

	halt := c.handleControlCommand(types.ControlCommand{Kind: types.CmdPauseAll})
	if halt {
		t.Fatal("PauseAll must not halt the loop")
	}
	if c.globalIngress != types.IngressPaused {
		t.Errorf("expected global ingress paused, got %v", c.globalIngress)
	}

	select {
	case cmd := <-c.agents["agent-1"].cmdTx:
		if cmd != types.AgentCmdPause {
			t.Errorf("expected AgentCmdPause, got %v", cmd)
		}
	default:
		t.Error("expected a fanned-out pause command")
	}
}

func TestControlCommandPauseDomainOnlyAffectsMatchingAgents(t *testing.T) {
	t.Parallel()
	c, _, _ := buildTestCoordinator(t, &fakeExchangeClient{})
	c.agents["agent-2"] = &registeredAgent{id: "agent-2", domain: types.Domain{Kind: types.DomainSports}, cmdTx: make(chan types.CoordinatorCommand, 4), lastHeartbeat: time.Now()}

	cryptoDomain := types.Domain{Kind: types.DomainCrypto}
	c.handleControlCommand(types.ControlCommand{Kind: types.CmdPauseDomain, Domain: &cryptoDomain})

	select {
	case <-c.agents["agent-1"].cmdTx:
	default:
		t.Error("expected crypto agent to receive pause command")
	}
	select {
	case cmd := <-c.agents["agent-2"].cmdTx:
		t.Errorf("sports agent should not have received a command, got %v", cmd)
	default:
	}
}

func TestShutdownAllHaltsLoop(t *testing.T) {
	t.Parallel()
	c, _, _ := buildTestCoordinator(t, &fakeExchangeClient{})

	halt := c.handleControlCommand(types.ControlCommand{Kind: types.CmdShutdownAll})
	if !halt {
		t.Error("expected ShutdownAll to signal loop exit")
	}
	if c.globalIngress != types.IngressHalted {
		t.Errorf("expected global ingress halted, got %v", c.globalIngress)
	}
}

func TestReconcileInFlightUpdatesStaleExecution(t *testing.T) {
	t.Parallel()
	price := decimal.NewFromFloat(0.55)
	client := &fakeExchangeClient{getResp: exchange.OrderResponse{
		ExchangeOrderID: "ex-9", FilledShares: 100, AvgFillPrice: &price,
	}}
	c, persist, _ := buildTestCoordinator(t, client)
	persist.nonTerminal = []persistence.OrderExecutionRecord{
		{IntentID: "intent-9", ExchangeOrderID: "ex-9", Status: string(types.StatusSubmitted), FilledShares: 0},
	}

	c.reconcileInFlight(context.Background(), time.Now())

	if persist.updated["intent-9"] != string(types.StatusFilled) {
		t.Errorf("expected intent-9 updated to filled, got %v", persist.updated)
	}
}

func TestRefreshStateRebuildsGlobalState(t *testing.T) {
	t.Parallel()
	c, _, _ := buildTestCoordinator(t, &fakeExchangeClient{})
	c.handleOrderIntent(context.Background(), buyIntent())

	c.refreshState(time.Now())

	state := c.State()
	if state.QueueStats.Size != 1 {
		t.Errorf("expected queue stats to reflect one queued intent, got %+v", state.QueueStats)
	}
	if state.RiskState != risk.StateNormal {
		t.Errorf("expected normal risk state, got %v", state.RiskState)
	}
}
