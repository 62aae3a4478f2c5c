package allocator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"predictcoord/pkg/types"
)

// Horizon classifies a crypto intent's holding-period bucket (spec.md §4.3).
type Horizon string

const (
	HorizonM15   Horizon = "M15"
	HorizonM5    Horizon = "M5"
	HorizonOther Horizon = "OTHER"
)

var knownCoins = []string{"BTC", "ETH", "SOL", "XRP"}

// CryptoConfig holds the total and per-bucket cap percentages (of an
// account-equity figure supplied at check time) for the crypto allocator.
type CryptoConfig struct {
	TotalCapPct   decimal.Decimal
	CoinCapPct    map[string]decimal.Decimal // key: coin symbol, "OTHER" for unrecognized
	HorizonCapPct map[Horizon]decimal.Decimal
}

// Crypto is the two-phase reserve/settle capital allocator for the crypto
// domain: caps are enforced against total notional, a coin bucket, and a
// horizon bucket simultaneously.
type Crypto struct {
	mu      sync.Mutex
	cfg     CryptoConfig
	open    *book
	pending *book
}

// NewCrypto builds a crypto allocator from cfg.
func NewCrypto(cfg CryptoConfig) *Crypto {
	return &Crypto{
		cfg:     cfg,
		open:    newBook(),
		pending: newBook(),
	}
}

// ClassifyCoin resolves the coin bucket for an intent per spec.md §4.3:
// metadata["coin"], else metadata["symbol"] with a USDT/USD suffix
// stripped, else the first known coin appearing anywhere in the slug, else
// "OTHER".
func ClassifyCoin(intent types.OrderIntent) string {
	if coin, ok := intent.Meta(types.MetaCoin); ok {
		return strings.ToUpper(coin)
	}
	if sym, ok := intent.Meta(types.MetaSymbol); ok {
		sym = strings.ToUpper(sym)
		sym = strings.TrimSuffix(sym, "USDT")
		sym = strings.TrimSuffix(sym, "USD")
		if sym != "" {
			return sym
		}
	}
	slug := strings.ToUpper(intent.MarketSlug)
	for _, coin := range knownCoins {
		if strings.Contains(slug, coin) {
			return coin
		}
	}
	return "OTHER"
}

// ClassifyHorizon resolves the horizon bucket for an intent per spec.md
// §4.3, consulting metadata["horizon"], then event_series_id/series_id,
// then the slug, for a "15m"/"5m" substring hint.
func ClassifyHorizon(intent types.OrderIntent) Horizon {
	hint := ""
	if h, ok := intent.Meta(types.MetaHorizon); ok {
		hint = h
	} else if s, ok := intent.Meta(types.MetaEventSeriesID); ok {
		hint = s
	} else if s, ok := intent.Meta(types.MetaSeriesID); ok {
		hint = s
	} else {
		hint = intent.MarketSlug
	}
	hint = strings.ToLower(hint)
	switch {
	case strings.Contains(hint, "15m"):
		return HorizonM15
	case strings.Contains(hint, "5m"):
		return HorizonM5
	default:
		return HorizonOther
	}
}

// positionKey identifies a single (agent, market, token, side) position for
// the per-position aggregate.
func positionKey(intent types.OrderIntent) string {
	return fmt.Sprintf("%s|%s|%s|%s", intent.AgentID, intent.MarketSlug, intent.TokenID, intent.Side)
}

func coinHorizonBucket(coin string, horizon Horizon) string {
	return coin + "|" + string(horizon)
}

// ReserveBuy admits or rejects a pending buy reservation against the
// total/coin/horizon caps: total cap is pct × equity, coin and horizon caps
// are each pct × total cap. On acceptance, the notional is added to the
// pending book under both the coin-horizon bucket and the position key.
func (c *Crypto) ReserveBuy(intent types.OrderIntent, equity decimal.Decimal) error {
	notional := intent.NotionalValue()
	coin := ClassifyCoin(intent)
	horizon := ClassifyHorizon(intent)
	bucket := coinHorizonBucket(coin, horizon)
	posKey := positionKey(intent)

	c.mu.Lock()
	defer c.mu.Unlock()

	totalCap := clampPct(c.cfg.TotalCapPct).Mul(equity)
	projectedTotal := c.open.Total().Add(c.pending.Total()).Add(notional)
	if projectedTotal.Cmp(totalCap) > 0 {
		return fmt.Errorf("crypto allocator: total exposure cap exceeded: projected=%s cap=%s", projectedTotal, totalCap)
	}

	coinCapPct, ok := c.cfg.CoinCapPct[coin]
	if !ok {
		coinCapPct = c.cfg.CoinCapPct["OTHER"]
	}
	coinCap := clampPct(coinCapPct).Mul(totalCap)
	projectedCoin := notional
	for _, h := range []Horizon{HorizonM15, HorizonM5, HorizonOther} {
		coinBucket := coinHorizonBucket(coin, h)
		projectedCoin = projectedCoin.Add(c.open.BucketValue(coinBucket)).Add(c.pending.BucketValue(coinBucket))
	}
	if projectedCoin.Cmp(coinCap) > 0 {
		return fmt.Errorf("crypto allocator: coin cap exceeded for %s: projected=%s cap=%s", coin, projectedCoin, coinCap)
	}

	horizonCapPct, ok := c.cfg.HorizonCapPct[horizon]
	if ok {
		horizonCap := clampPct(horizonCapPct).Mul(totalCap)
		projectedHorizon := c.horizonExposureLocked(horizon).Add(notional)
		if projectedHorizon.Cmp(horizonCap) > 0 {
			return fmt.Errorf("crypto allocator: horizon cap exceeded for %s: projected=%s cap=%s", horizon, projectedHorizon, horizonCap)
		}
	}

	c.pending.Add(bucket, posKey, notional)
	return nil
}

// horizonExposureLocked sums every coin bucket sharing horizon. Caller must
// hold c.mu. Cheap in practice: bucket count is coins × horizons, a small
// constant.
func (c *Crypto) horizonExposureLocked(horizon Horizon) decimal.Decimal {
	total := decimal.Zero
	suffix := "|" + string(horizon)
	for _, b := range []*book{c.open, c.pending} {
		b.mu.Lock()
		for key, v := range b.bucket {
			if strings.HasSuffix(key, suffix) {
				total = total.Add(v)
			}
		}
		b.mu.Unlock()
	}
	return total
}

// ReleaseBuyReservation undoes a ReserveBuy that did not result in a fill
// (rejected, expired, or cancelled order).
func (c *Crypto) ReleaseBuyReservation(intent types.OrderIntent) {
	coin := ClassifyCoin(intent)
	horizon := ClassifyHorizon(intent)
	bucket := coinHorizonBucket(coin, horizon)
	posKey := positionKey(intent)
	c.pending.Remove(bucket, posKey, intent.NotionalValue())
}

// SettleBuyExecution moves a filled buy from pending to open, using the
// actual fill notional (filledShares × avgFillPrice) rather than the
// original reservation notional.
func (c *Crypto) SettleBuyExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal) {
	coin := ClassifyCoin(intent)
	horizon := ClassifyHorizon(intent)
	bucket := coinHorizonBucket(coin, horizon)
	posKey := positionKey(intent)

	c.pending.Remove(bucket, posKey, intent.NotionalValue())

	filledNotional := avgFillPrice.Mul(decimal.NewFromInt(int64(filledShares)))
	c.open.Add(bucket, posKey, filledNotional)
}

// SettleSellExecution releases open exposure on a closing sell, draining
// the position key first and falling back to the coin/horizon bucket for
// any residual, per spec.md §4.3.
func (c *Crypto) SettleSellExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal) {
	coin := ClassifyCoin(intent)
	horizon := ClassifyHorizon(intent)
	bucket := coinHorizonBucket(coin, horizon)
	posKey := positionKey(intent)

	releaseAmount := avgFillPrice.Mul(decimal.NewFromInt(int64(filledShares)))
	c.open.ReleaseWithFallback(bucket, posKey, releaseAmount)
}

// OpenExposure returns current open (filled) total notional, for reporting.
func (c *Crypto) OpenExposure() decimal.Decimal {
	return c.open.Total()
}

// PendingExposure returns current pending (reserved, unfilled) total notional.
func (c *Crypto) PendingExposure() decimal.Decimal {
	return c.pending.Total()
}
