// Package position implements the coordinator's process-wide open-position
// book (spec.md §4.6): an RW-locked store with per-agent/market/domain
// aggregates and FIFO-on-reduce realized PnL accounting.
package position

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"predictcoord/pkg/types"
)

// Aggregator is the process-wide book of open positions.
type Aggregator struct {
	mu              sync.RWMutex
	positions       map[uuid.UUID]*types.Position
	realizedByAgent map[string]decimal.Decimal
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		positions:       make(map[uuid.UUID]*types.Position),
		realizedByAgent: make(map[string]decimal.Decimal),
	}
}

// OpenPosition creates and stores a new position, returning its ID.
func (a *Aggregator) OpenPosition(agentID string, domain types.Domain, marketSlug, tokenID string, side types.Side, shares uint64, entryPrice decimal.Decimal, now time.Time) uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := uuid.New()
	a.positions[id] = &types.Position{
		PositionID: id,
		AgentID:    agentID,
		Domain:     domain,
		MarketSlug: marketSlug,
		TokenID:    tokenID,
		Side:       side,
		Shares:     shares,
		EntryPrice: entryPrice,
		EntryTime:  now,
		UpdatedAt:  now,
	}
	return id
}

// ReducePosition subtracts shares from an open position at exitPrice,
// removing it entirely if it hits zero, and attributes the realized
// difference to the owning agent's realized ledger. Returns the realized
// PnL for this reduction and whether the position existed.
func (a *Aggregator) ReducePosition(positionID uuid.UUID, shares uint64, exitPrice decimal.Decimal, now time.Time) (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos, ok := a.positions[positionID]
	if !ok {
		return decimal.Zero, false
	}

	reduced := shares
	if reduced > pos.Shares {
		reduced = pos.Shares
	}

	realized := exitPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(int64(reduced)))
	a.realizedByAgent[pos.AgentID] = a.realizedByAgent[pos.AgentID].Add(realized)

	pos.Shares -= reduced
	pos.UpdatedAt = now
	if pos.Shares == 0 {
		delete(a.positions, positionID)
	}

	return realized, true
}

// ReduceFIFO reduces the agent's oldest matching positions (same
// domain/market/token/side) by up to targetShares, oldest entry_time
// first, returning total realized PnL and any residual unfilled shares
// (a residual means the agent held fewer shares than the sell requested).
func (a *Aggregator) ReduceFIFO(agentID string, domain types.Domain, marketSlug, tokenID string, side types.Side, targetShares uint64, exitPrice decimal.Decimal, now time.Time) (decimal.Decimal, uint64) {
	a.mu.Lock()
	matches := make([]*types.Position, 0)
	for _, pos := range a.positions {
		if pos.AgentID == agentID && pos.Domain.Key() == domain.Key() && pos.MarketSlug == marketSlug && pos.TokenID == tokenID && pos.Side == side {
			matches = append(matches, pos)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].EntryTime.Before(matches[j].EntryTime) })
	a.mu.Unlock()

	totalRealized := decimal.Zero
	remaining := targetShares
	for _, pos := range matches {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > pos.Shares {
			take = pos.Shares
		}
		realized, ok := a.ReducePosition(pos.PositionID, take, exitPrice, now)
		if !ok {
			continue
		}
		totalRealized = totalRealized.Add(realized)
		remaining -= take
	}

	return totalRealized, remaining
}

// UpdatePrice sets the current market price on a single position.
func (a *Aggregator) UpdatePrice(positionID uuid.UUID, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pos, ok := a.positions[positionID]; ok {
		p := price
		pos.CurrentPrice = &p
	}
}

// UpdateMarketPrices applies a price map (tokenID -> price) to every open
// position in marketSlug.
func (a *Aggregator) UpdateMarketPrices(marketSlug string, prices map[string]decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pos := range a.positions {
		if pos.MarketSlug != marketSlug {
			continue
		}
		if price, ok := prices[pos.TokenID]; ok {
			p := price
			pos.CurrentPrice = &p
		}
	}
}

// MarkHedged flags a position as hedged.
func (a *Aggregator) MarkHedged(positionID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pos, ok := a.positions[positionID]; ok {
		pos.IsHedged = true
	}
}

// GetPosition returns a copy of a position by ID.
func (a *Aggregator) GetPosition(positionID uuid.UUID) (types.Position, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pos, ok := a.positions[positionID]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// ByAgent returns copies of every open position owned by agentID.
func (a *Aggregator) ByAgent(agentID string) []types.Position {
	return a.filter(func(p *types.Position) bool { return p.AgentID == agentID })
}

// ByMarket returns copies of every open position in marketSlug.
func (a *Aggregator) ByMarket(marketSlug string) []types.Position {
	return a.filter(func(p *types.Position) bool { return p.MarketSlug == marketSlug })
}

// ByDomain returns copies of every open position in domain.
func (a *Aggregator) ByDomain(domain types.Domain) []types.Position {
	key := domain.Key()
	return a.filter(func(p *types.Position) bool { return p.Domain.Key() == key })
}

func (a *Aggregator) filter(pred func(*types.Position) bool) []types.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Position, 0)
	for _, pos := range a.positions {
		if pred(pos) {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// Summary is the aggregate exposure/PnL view spec.md §4.6 calls for.
type Summary struct {
	Exposure         decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	ExposureByDomain map[string]decimal.Decimal
	ExposureByAgent  map[string]decimal.Decimal
	ExposureByMarket map[string]decimal.Decimal
	UnhedgedCount    int
}

// Aggregate computes the platform-wide exposure/PnL summary.
func (a *Aggregator) Aggregate() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	summary := Summary{
		ExposureByDomain: make(map[string]decimal.Decimal),
		ExposureByAgent:  make(map[string]decimal.Decimal),
		ExposureByMarket: make(map[string]decimal.Decimal),
		Exposure:         decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
	}

	for _, pos := range a.positions {
		notional := pos.NotionalValue()
		summary.Exposure = summary.Exposure.Add(notional)
		summary.ExposureByDomain[pos.Domain.Key()] = summary.ExposureByDomain[pos.Domain.Key()].Add(notional)
		summary.ExposureByAgent[pos.AgentID] = summary.ExposureByAgent[pos.AgentID].Add(notional)
		summary.ExposureByMarket[pos.MarketSlug] = summary.ExposureByMarket[pos.MarketSlug].Add(notional)

		if pos.CurrentPrice != nil {
			diff := pos.CurrentPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(int64(pos.Shares)))
			summary.UnrealizedPnL = summary.UnrealizedPnL.Add(diff)
		}
		if !pos.IsHedged {
			summary.UnhedgedCount++
		}
	}

	for _, realized := range a.realizedByAgent {
		summary.RealizedPnL = summary.RealizedPnL.Add(realized)
	}

	return summary
}

// RealizedPnLFor returns an agent's cumulative realized PnL ledger value.
func (a *Aggregator) RealizedPnLFor(agentID string) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.realizedByAgent[agentID]
}
