// Package exchange defines the normalized execution-adapter interface
// (spec.md §4.9) and the adapters that implement it against concrete
// prediction-market exchanges.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"predictcoord/pkg/types"
)

// OrderResponse is an exchange's raw reply to submit/get/cancel, normalized
// just enough for InferOrderStatus/CalculateFill to work from.
type OrderResponse struct {
	ExchangeOrderID string
	RawStatus       string
	FilledShares    uint64
	AvgFillPrice    *decimal.Decimal
	ErrorMessage    string
}

// BestPrices is a top-of-book snapshot for a single token.
type BestPrices struct {
	Bid *decimal.Decimal
	Ask *decimal.Decimal
}

// Balance is a single account balance line.
type Balance struct {
	Asset  string
	Amount decimal.Decimal
}

// ExchangeClient is the polymorphic execution-adapter surface. Concrete
// adapters (Polymarket, Kalshi) normalize exchange-specific payloads into
// these common shapes and translate token-id formats (e.g. Kalshi's
// "<ticker>:yes|no").
type ExchangeClient interface {
	SubmitOrderGateway(ctx context.Context, req types.OrderRequest) (OrderResponse, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (OrderResponse, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetBestPrices(ctx context.Context, tokenID string) (BestPrices, error)

	InferOrderStatus(resp OrderResponse) types.OrderStatus
	CalculateFill(resp OrderResponse) (filledShares uint64, avgPrice *decimal.Decimal)

	GetBalances(ctx context.Context) ([]Balance, error)
	GetOpenPositions(ctx context.Context) ([]types.Position, error)
	GetOrderHistory(ctx context.Context, tokenID string, limit int) ([]OrderResponse, error)
}

// Executor wraps an ExchangeClient with the per-call shape drain_and_execute
// consumes: submit, normalize, and report elapsed time.
type Executor struct {
	client ExchangeClient
}

// NewExecutor wraps client for use by the coordinator's drain loop.
func NewExecutor(client ExchangeClient) *Executor {
	return &Executor{client: client}
}

// GetOrder polls the adapter for an order's current state, normalizing the
// status the same way Execute does. Used by the coordinator's reconcile
// tick to catch up on in-flight (Submitted/PartiallyFilled) orders.
func (e *Executor) GetOrder(ctx context.Context, exchangeOrderID string) (types.ExecutionResult, error) {
	resp, err := e.client.GetOrder(ctx, exchangeOrderID)
	if err != nil {
		return types.ExecutionResult{Status: types.StatusFailed}, err
	}
	status := e.client.InferOrderStatus(resp)
	filled, avgPrice := e.client.CalculateFill(resp)
	return types.ExecutionResult{
		OrderID:      resp.ExchangeOrderID,
		Status:       status,
		FilledShares: filled,
		AvgFillPrice: avgPrice,
	}, nil
}

// Execute submits req and returns a normalized ExecutionResult, tracking
// the call's wall-clock latency.
func (e *Executor) Execute(ctx context.Context, req types.OrderRequest) (types.ExecutionResult, error) {
	start := time.Now()
	resp, err := e.client.SubmitOrderGateway(ctx, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return types.ExecutionResult{Status: types.StatusFailed, ElapsedMs: elapsed}, err
	}

	status := e.client.InferOrderStatus(resp)
	filled, avgPrice := e.client.CalculateFill(resp)
	return types.ExecutionResult{
		OrderID:      resp.ExchangeOrderID,
		Status:       status,
		FilledShares: filled,
		AvgFillPrice: avgPrice,
		ElapsedMs:    elapsed,
	}, nil
}
