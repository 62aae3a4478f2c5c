package allocator

import (
	"testing"

	"github.com/shopspring/decimal"

	"predictcoord/pkg/types"
)

func cryptoCfg() CryptoConfig {
	return CryptoConfig{
		TotalCapPct: decimal.NewFromFloat(0.50),
		CoinCapPct: map[string]decimal.Decimal{
			"BTC":   decimal.NewFromFloat(0.20),
			"ETH":   decimal.NewFromFloat(0.20),
			"SOL":   decimal.NewFromFloat(0.10),
			"XRP":   decimal.NewFromFloat(0.10),
			"OTHER": decimal.NewFromFloat(0.05),
		},
		HorizonCapPct: map[Horizon]decimal.Decimal{
			HorizonM5:    decimal.NewFromFloat(0.30),
			HorizonM15:   decimal.NewFromFloat(0.30),
			HorizonOther: decimal.NewFromFloat(0.10),
		},
	}
}

func cryptoBuyIntent(agent, slug, coin string, shares int64, price float64) types.OrderIntent {
	return types.OrderIntent{
		AgentID:    agent,
		MarketSlug: slug,
		IsBuy:      true,
		Shares:     uint64(shares),
		LimitPrice: decimal.NewFromFloat(price),
		Metadata:   map[string]string{types.MetaCoin: coin, types.MetaHorizon: "5m"},
	}
}

// Scenario 1 (spec.md §8): happy-path buy, fill, later matching sell closes
// the position and fully releases exposure.
func TestCryptoHappyPathBuyFillThenSell(t *testing.T) {
	t.Parallel()
	c := NewCrypto(cryptoCfg())
	equity := decimal.NewFromInt(100000)

	intent := cryptoBuyIntent("agent-1", "btc-up-5m", "BTC", 100, 0.50)
	if err := c.ReserveBuy(intent, equity); err != nil {
		t.Fatalf("reserve should succeed: %v", err)
	}
	if got := c.PendingExposure(); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected pending 50, got %s", got)
	}

	c.SettleBuyExecution(intent, 100, decimal.NewFromFloat(0.50))
	if got := c.PendingExposure(); !got.IsZero() {
		t.Errorf("expected pending drained to 0, got %s", got)
	}
	if got := c.OpenExposure(); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected open 50, got %s", got)
	}

	sell := intent
	sell.IsBuy = false
	c.SettleSellExecution(sell, 100, decimal.NewFromFloat(0.55))
	if got := c.OpenExposure(); !got.IsZero() {
		t.Errorf("expected open exposure fully released, got %s", got)
	}
}

// Scenario 2 (spec.md §8): a second buy that would push the BTC coin bucket
// over its cap is rejected even though the total cap has headroom.
func TestCryptoCoinCapRejection(t *testing.T) {
	t.Parallel()
	c := NewCrypto(cryptoCfg())
	equity := decimal.NewFromInt(100000) // total cap = 50000, BTC cap = 0.20*50000 = 10000

	first := cryptoBuyIntent("agent-1", "btc-up-5m", "BTC", 16000, 0.50) // notional 8000
	if err := c.ReserveBuy(first, equity); err != nil {
		t.Fatalf("first reserve should succeed: %v", err)
	}

	second := cryptoBuyIntent("agent-2", "btc-down-5m", "BTC", 12000, 0.50) // notional 6000, total 14000 > 10000 coin cap (but well under the 50000 total cap)
	if err := c.ReserveBuy(second, equity); err == nil {
		t.Fatal("expected coin cap rejection")
	}

	if got := c.PendingExposure(); !got.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("rejected reservation must not mutate pending book, got %s", got)
	}
}

func TestCryptoTotalCapRejection(t *testing.T) {
	t.Parallel()
	cfg := cryptoCfg()
	c := NewCrypto(cfg)
	equity := decimal.NewFromInt(1000) // total cap = 500

	intent := cryptoBuyIntent("agent-1", "btc-up-5m", "BTC", 2000, 1.0) // notional 2000, way over total cap
	if err := c.ReserveBuy(intent, equity); err == nil {
		t.Fatal("expected total cap rejection")
	}
}

func TestCryptoReserveReleaseRoundTrip(t *testing.T) {
	t.Parallel()
	c := NewCrypto(cryptoCfg())
	equity := decimal.NewFromInt(100000)

	intent := cryptoBuyIntent("agent-1", "eth-up-15m", "ETH", 1000, 1.0)
	if err := c.ReserveBuy(intent, equity); err != nil {
		t.Fatal(err)
	}
	c.ReleaseBuyReservation(intent)

	if got := c.PendingExposure(); !got.IsZero() {
		t.Errorf("expected pending zero after release, got %s", got)
	}
}

func TestCryptoClassifyCoinFallbackChain(t *testing.T) {
	t.Parallel()

	withMeta := types.OrderIntent{Metadata: map[string]string{types.MetaCoin: "sol"}}
	if got := ClassifyCoin(withMeta); got != "SOL" {
		t.Errorf("expected SOL from metadata coin, got %s", got)
	}

	withSymbol := types.OrderIntent{Metadata: map[string]string{types.MetaSymbol: "ETHUSDT"}}
	if got := ClassifyCoin(withSymbol); got != "ETH" {
		t.Errorf("expected ETH from symbol strip, got %s", got)
	}

	withSlug := types.OrderIntent{MarketSlug: "xrp-above-2-dollars"}
	if got := ClassifyCoin(withSlug); got != "XRP" {
		t.Errorf("expected XRP from slug match, got %s", got)
	}

	unknown := types.OrderIntent{MarketSlug: "some-other-market"}
	if got := ClassifyCoin(unknown); got != "OTHER" {
		t.Errorf("expected OTHER fallback, got %s", got)
	}
}

func TestCryptoClassifyHorizon(t *testing.T) {
	t.Parallel()

	m15 := types.OrderIntent{Metadata: map[string]string{types.MetaHorizon: "15m"}}
	if got := ClassifyHorizon(m15); got != HorizonM15 {
		t.Errorf("expected M15, got %s", got)
	}

	m5 := types.OrderIntent{MarketSlug: "btc-up-5m-2026"}
	if got := ClassifyHorizon(m5); got != HorizonM5 {
		t.Errorf("expected M5, got %s", got)
	}

	other := types.OrderIntent{MarketSlug: "btc-eoy-target"}
	if got := ClassifyHorizon(other); got != HorizonOther {
		t.Errorf("expected OTHER, got %s", got)
	}
}

func TestCryptoSellReleaseFallsBackToBucketOnResidual(t *testing.T) {
	t.Parallel()
	c := NewCrypto(cryptoCfg())
	equity := decimal.NewFromInt(1000000)

	a := cryptoBuyIntent("agent-a", "btc-up-5m", "BTC", 100, 1.0)
	b := cryptoBuyIntent("agent-b", "btc-down-5m", "BTC", 100, 1.0)
	for _, in := range []types.OrderIntent{a, b} {
		if err := c.ReserveBuy(in, equity); err != nil {
			t.Fatal(err)
		}
		c.SettleBuyExecution(in, 100, decimal.NewFromFloat(1.0))
	}

	bucket := coinHorizonBucket("BTC", HorizonM5)
	if got := c.open.BucketValue(bucket); !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected bucket total 200 before release, got %s", got)
	}

	// Sell more than agent-a's own position (150 > 100): the extra 50 must
	// drain from the shared bucket, not agent-b's position key.
	sell := a
	sell.IsBuy = false
	c.SettleSellExecution(sell, 150, decimal.NewFromFloat(1.0))

	if got := c.open.PositionValue(positionKey(b)); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("agent-b's own position aggregate must be untouched, got %s", got)
	}
	if got := c.open.BucketValue(bucket); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected bucket total 50 after 150 released from 200, got %s", got)
	}
}
