package allocator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"predictcoord/pkg/types"
)

// SportsConfig holds the sports allocator's cap parameters (spec.md §4.4).
type SportsConfig struct {
	TotalCapPct       decimal.Decimal
	MarketCapPct      decimal.Decimal
	AutoSplitByActive bool
}

// Sports is the reserve/settle capital allocator for the sports domain:
// same contract as Crypto, specialized by market rather than coin/horizon,
// with an optional dynamic cap that shrinks as more markets go active.
type Sports struct {
	mu      sync.Mutex
	cfg     SportsConfig
	open    *book
	pending *book
}

// NewSports builds a sports allocator from cfg.
func NewSports(cfg SportsConfig) *Sports {
	return &Sports{
		cfg:     cfg,
		open:    newBook(),
		pending: newBook(),
	}
}

func marketKey(intent types.OrderIntent) string {
	return strings.ToLower(intent.MarketSlug)
}

func sportsPositionKey(intent types.OrderIntent) string {
	return fmt.Sprintf("%s|%s|%s|%s", intent.AgentID, marketKey(intent), intent.TokenID, intent.Side)
}

// activeMarketsLocked counts distinct markets with nonzero open-or-pending
// exposure, unioned with requested. Caller must hold s.mu. Iterates the
// open/pending bucket maps directly since market keys are the bucket keys.
func (s *Sports) activeMarketsLocked(requested string) int {
	active := map[string]struct{}{requested: {}}
	for k, v := range s.openBuckets() {
		if v.Sign() > 0 {
			active[k] = struct{}{}
		}
	}
	for k, v := range s.pendingBuckets() {
		if v.Sign() > 0 {
			active[k] = struct{}{}
		}
	}
	return len(active)
}

func (s *Sports) openBuckets() map[string]decimal.Decimal {
	return s.open.bucket
}

func (s *Sports) pendingBuckets() map[string]decimal.Decimal {
	return s.pending.bucket
}

// effectiveMarketCapLocked resolves fixed_cap vs the dynamic
// total_cap/active_count split per spec.md §4.4. Caller must hold s.mu.
func (s *Sports) effectiveMarketCapLocked(market string, totalCap decimal.Decimal) decimal.Decimal {
	fixedCap := clampPct(s.cfg.MarketCapPct).Mul(totalCap)
	if !s.cfg.AutoSplitByActive {
		return fixedCap
	}
	activeCount := s.activeMarketsLocked(market)
	if activeCount <= 0 {
		activeCount = 1
	}
	dynamicCap := totalCap.Div(decimal.NewFromInt(int64(activeCount)))
	return minDec(fixedCap, dynamicCap)
}

// ReserveBuy admits or rejects a pending buy reservation against the total
// cap and the (possibly dynamically split) per-market cap.
func (s *Sports) ReserveBuy(intent types.OrderIntent, equity decimal.Decimal) error {
	notional := intent.NotionalValue()
	market := marketKey(intent)
	posKey := sportsPositionKey(intent)

	s.mu.Lock()
	defer s.mu.Unlock()

	totalCap := clampPct(s.cfg.TotalCapPct).Mul(equity)
	projectedTotal := s.open.Total().Add(s.pending.Total()).Add(notional)
	if projectedTotal.Cmp(totalCap) > 0 {
		return fmt.Errorf("sports allocator: total exposure cap exceeded: projected=%s cap=%s", projectedTotal, totalCap)
	}

	marketCap := s.effectiveMarketCapLocked(market, totalCap)
	projectedMarket := s.open.BucketValue(market).Add(s.pending.BucketValue(market)).Add(notional)
	if projectedMarket.Cmp(marketCap) > 0 {
		return fmt.Errorf("sports allocator: market cap exceeded for %s: projected=%s cap=%s", market, projectedMarket, marketCap)
	}

	s.pending.Add(market, posKey, notional)
	return nil
}

// ReleaseBuyReservation undoes a ReserveBuy that did not result in a fill.
func (s *Sports) ReleaseBuyReservation(intent types.OrderIntent) {
	s.pending.Remove(marketKey(intent), sportsPositionKey(intent), intent.NotionalValue())
}

// SettleBuyExecution moves a filled buy from pending to open using the
// actual fill notional.
func (s *Sports) SettleBuyExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal) {
	market := marketKey(intent)
	posKey := sportsPositionKey(intent)

	s.pending.Remove(market, posKey, intent.NotionalValue())

	filledNotional := avgFillPrice.Mul(decimal.NewFromInt(int64(filledShares)))
	s.open.Add(market, posKey, filledNotional)
}

// SettleSellExecution releases open exposure on a closing sell, draining
// the position key first and falling back to the market bucket for any
// residual.
func (s *Sports) SettleSellExecution(intent types.OrderIntent, filledShares uint64, avgFillPrice decimal.Decimal) {
	market := marketKey(intent)
	posKey := sportsPositionKey(intent)
	releaseAmount := avgFillPrice.Mul(decimal.NewFromInt(int64(filledShares)))
	s.open.ReleaseWithFallback(market, posKey, releaseAmount)
}

// OpenExposure returns current open (filled) total notional.
func (s *Sports) OpenExposure() decimal.Decimal {
	return s.open.Total()
}

// PendingExposure returns current pending (reserved, unfilled) total notional.
func (s *Sports) PendingExposure() decimal.Decimal {
	return s.pending.Total()
}
