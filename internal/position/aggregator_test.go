package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predictcoord/pkg/types"
)

func TestOpenAndReducePositionToZeroRemovesIt(t *testing.T) {
	t.Parallel()
	a := New()
	now := time.Now()

	id := a.OpenPosition("agent-1", types.Domain{Kind: types.DomainCrypto}, "btc-up-5m", "tok-1", types.Up, 100, decimal.NewFromFloat(0.5), now)

	realized, ok := a.ReducePosition(id, 100, decimal.NewFromFloat(0.6), now.Add(time.Minute))
	if !ok {
		t.Fatal("expected position to exist")
	}
	if !realized.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected realized pnl 10, got %s", realized)
	}
	if _, ok := a.GetPosition(id); ok {
		t.Error("expected position removed after reducing to zero")
	}
	if got := a.RealizedPnLFor("agent-1"); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected agent realized ledger 10, got %s", got)
	}
}

func TestReducePositionPartialKeepsRemainder(t *testing.T) {
	t.Parallel()
	a := New()
	now := time.Now()
	id := a.OpenPosition("agent-1", types.Domain{Kind: types.DomainCrypto}, "btc-up-5m", "tok-1", types.Up, 100, decimal.NewFromFloat(0.5), now)

	a.ReducePosition(id, 40, decimal.NewFromFloat(0.6), now)

	pos, ok := a.GetPosition(id)
	if !ok || pos.Shares != 60 {
		t.Fatalf("expected 60 shares remaining, got %+v ok=%v", pos, ok)
	}
}

func TestReducePositionDownSideNoSignFlip(t *testing.T) {
	t.Parallel()
	a := New()
	now := time.Now()
	id := a.OpenPosition("agent-1", types.Domain{Kind: types.DomainCrypto}, "btc-down-5m", "tok-2", types.Down, 100, decimal.NewFromFloat(0.5), now)

	realized, _ := a.ReducePosition(id, 100, decimal.NewFromFloat(0.6), now)
	if !realized.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected realized 10 (exit-entry)*shares with no side adjustment, got %s", realized)
	}
}

func TestReduceFIFOOrdersByEntryTimeAscending(t *testing.T) {
	t.Parallel()
	a := New()
	now := time.Now()
	domain := types.Domain{Kind: types.DomainCrypto}

	older := a.OpenPosition("agent-1", domain, "btc-up-5m", "tok-1", types.Up, 50, decimal.NewFromFloat(0.4), now)
	_ = older
	a.OpenPosition("agent-1", domain, "btc-up-5m", "tok-1", types.Up, 50, decimal.NewFromFloat(0.6), now.Add(time.Minute))

	realized, residual := a.ReduceFIFO("agent-1", domain, "btc-up-5m", "tok-1", types.Up, 70, decimal.NewFromFloat(0.7), now.Add(2*time.Minute))
	if residual != 0 {
		t.Errorf("expected no residual, got %d", residual)
	}
	// 50 shares from older (entry 0.4) + 20 shares from newer (entry 0.6):
	// (0.7-0.4)*50 + (0.7-0.6)*20 = 15 + 2 = 17
	if !realized.Equal(decimal.NewFromInt(17)) {
		t.Errorf("expected realized 17, got %s", realized)
	}

	remaining := a.ByAgent("agent-1")
	if len(remaining) != 1 || remaining[0].Shares != 30 {
		t.Fatalf("expected 30 shares remaining on newer position, got %+v", remaining)
	}
}

func TestReduceFIFOReportsResidualWhenOversold(t *testing.T) {
	t.Parallel()
	a := New()
	now := time.Now()
	domain := types.Domain{Kind: types.DomainCrypto}
	a.OpenPosition("agent-1", domain, "btc-up-5m", "tok-1", types.Up, 30, decimal.NewFromFloat(0.5), now)

	_, residual := a.ReduceFIFO("agent-1", domain, "btc-up-5m", "tok-1", types.Up, 100, decimal.NewFromFloat(0.6), now)
	if residual != 70 {
		t.Errorf("expected residual 70, got %d", residual)
	}
}

func TestAggregateComputesExposureAndUnhedgedCount(t *testing.T) {
	t.Parallel()
	a := New()
	now := time.Now()
	domain := types.Domain{Kind: types.DomainCrypto}

	id1 := a.OpenPosition("agent-1", domain, "btc-up-5m", "tok-1", types.Up, 100, decimal.NewFromFloat(0.5), now)
	a.OpenPosition("agent-2", domain, "eth-up-5m", "tok-2", types.Up, 200, decimal.NewFromFloat(0.25), now)
	a.MarkHedged(id1)

	summary := a.Aggregate()
	if !summary.Exposure.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected total exposure 100 (50+50), got %s", summary.Exposure)
	}
	if summary.UnhedgedCount != 1 {
		t.Errorf("expected 1 unhedged position, got %d", summary.UnhedgedCount)
	}
	if !summary.ExposureByAgent["agent-2"].Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected agent-2 exposure 50, got %s", summary.ExposureByAgent["agent-2"])
	}
}

func TestUpdateMarketPricesAppliesToMatchingTokens(t *testing.T) {
	t.Parallel()
	a := New()
	now := time.Now()
	domain := types.Domain{Kind: types.DomainCrypto}
	id := a.OpenPosition("agent-1", domain, "btc-up-5m", "tok-1", types.Up, 100, decimal.NewFromFloat(0.5), now)

	a.UpdateMarketPrices("btc-up-5m", map[string]decimal.Decimal{"tok-1": decimal.NewFromFloat(0.7)})

	pos, _ := a.GetPosition(id)
	if pos.CurrentPrice == nil || !pos.CurrentPrice.Equal(decimal.NewFromFloat(0.7)) {
		t.Errorf("expected current price updated to 0.7, got %+v", pos.CurrentPrice)
	}
}
