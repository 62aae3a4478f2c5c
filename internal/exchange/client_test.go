package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"predictcoord/internal/config"
	"predictcoord/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

func testAuth(t *testing.T) *Auth {
	t.Helper()
	auth, err := NewAuth(config.PolymarketConfig{
		PrivateKey:    "0x1111111111111111111111111111111111111111111111111111111111111111",
		ChainID:       137,
		SignatureType: 0,
		ApiKey:        "test-key",
		Secret:        "dGVzdC1zZWNyZXQ", // base64url, arbitrary
		Passphrase:    "test-pass",
	})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return auth
}

func TestDryRunSubmitOrderGateway(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.SubmitOrderGateway(context.Background(), types.OrderRequest{
		ClientOrderID: "intent:abc",
		TokenID:       "tok1",
		OrderSide:     types.OrderSideBuy,
		Shares:        10,
		LimitPrice:    decimal.NewFromFloat(0.5),
		OrderType:     types.OrderTypeLimit,
		TimeInForce:   types.TIFGTC,
	})
	if err != nil {
		t.Fatalf("SubmitOrderGateway: %v", err)
	}
	if resp.ExchangeOrderID == "" {
		t.Error("expected non-empty exchange order id in dry-run")
	}
	if resp.RawStatus != "live" {
		t.Errorf("RawStatus = %q, want \"live\"", resp.RawStatus)
	}
}

func TestDryRunCancelOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.CancelOrder(context.Background(), "order-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestBuildOrderPayloadBuy(t *testing.T) {
	t.Parallel()
	auth := testAuth(t)
	c := NewClient(config.PolymarketConfig{CLOBBaseURL: "http://localhost"}, auth, nil, true, nil)

	payload := c.buildOrderPayload(types.OrderRequest{
		TokenID:     "12345678901234567890",
		OrderSide:   types.OrderSideBuy,
		Shares:      10,
		LimitPrice:  decimal.NewFromFloat(0.55),
		TimeInForce: types.TIFGTC,
	})

	if payload.Order.Side != "BUY" {
		t.Errorf("Side = %q, want BUY", payload.Order.Side)
	}
	if payload.Order.MakerAmount != "5500000" {
		t.Errorf("MakerAmount = %q, want 5500000", payload.Order.MakerAmount)
	}
	if payload.Order.TakerAmount != "10000000" {
		t.Errorf("TakerAmount = %q, want 10000000", payload.Order.TakerAmount)
	}
	if payload.Order.Maker != auth.FunderAddress().Hex() {
		t.Errorf("Maker = %q, want funder address", payload.Order.Maker)
	}
}

func TestInferOrderStatus(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	cases := []struct {
		resp OrderResponse
		want types.OrderStatus
	}{
		{OrderResponse{RawStatus: "matched"}, types.StatusFilled},
		{OrderResponse{RawStatus: "live"}, types.StatusSubmitted},
		{OrderResponse{RawStatus: "live", FilledShares: 5}, types.StatusPartiallyFilled},
		{OrderResponse{RawStatus: "cancelled"}, types.StatusCancelled},
		{OrderResponse{RawStatus: ""}, types.StatusFailed},
		{OrderResponse{RawStatus: "rejected"}, types.StatusRejected},
	}
	for _, tc := range cases {
		if got := c.InferOrderStatus(tc.resp); got != tc.want {
			t.Errorf("InferOrderStatus(%+v) = %v, want %v", tc.resp, got, tc.want)
		}
	}
}

func TestBestFromLevels(t *testing.T) {
	t.Parallel()
	best := bestFromLevels(
		[]rawBookLevel{{Price: "0.48", Size: "100"}},
		[]rawBookLevel{{Price: "0.52", Size: "50"}},
	)
	if best.Bid == nil || !best.Bid.Equal(decimal.NewFromFloat(0.48)) {
		t.Errorf("Bid = %v, want 0.48", best.Bid)
	}
	if best.Ask == nil || !best.Ask.Equal(decimal.NewFromFloat(0.52)) {
		t.Errorf("Ask = %v, want 0.52", best.Ask)
	}
}
