// Package allocator implements the two-phase reserve/settle capital
// allocators (spec.md §4.3, §4.4): crypto (coin × horizon caps) and sports
// (per-market caps with dynamic splitting), sharing a common exposure-book
// primitive.
package allocator

import (
	"sync"

	"github.com/shopspring/decimal"
)

// book is the shared three-aggregate exposure ledger spec.md §3 describes:
// a running total, a per-bucket aggregate (coin/horizon or market), and a
// per-position-key aggregate, each able to add/subtract independently with
// saturating-at-zero semantics. The three views are kept approximately, not
// strictly, consistent — by design (see ReleaseWithFallback).
type book struct {
	mu       sync.Mutex
	total    decimal.Decimal
	bucket   map[string]decimal.Decimal
	position map[string]decimal.Decimal
}

func newBook() *book {
	return &book{
		bucket:   make(map[string]decimal.Decimal),
		position: make(map[string]decimal.Decimal),
	}
}

func (b *book) Total() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *book) BucketValue(key string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bucket[key]
}

func (b *book) PositionValue(key string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position[key]
}

// Add records a new reservation or fill under both the bucket and the
// position key, and adds to the running total.
func (b *book) Add(bucketKey, posKey string, amt decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = b.total.Add(amt)
	b.bucket[bucketKey] = b.bucket[bucketKey].Add(amt)
	b.position[posKey] = b.position[posKey].Add(amt)
}

// Remove exactly reverses a prior Add of amt (used to release a pending
// reservation), saturating each dimension independently at zero.
func (b *book) Remove(bucketKey, posKey string, amt decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = saturateSub(b.total, amt)
	b.bucket[bucketKey] = saturateSub(b.bucket[bucketKey], amt)
	b.position[posKey] = saturateSub(b.position[posKey], amt)
}

// ReleaseWithFallback implements the sell-settlement release algorithm from
// spec.md §4.3: drain the position key's aggregate first (and its
// proportional share of the bucket + total); any residual drains the
// bucket aggregate (and total) across other position keys until exhausted.
func (b *book) ReleaseWithFallback(bucketKey, posKey string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fromPosition := minDec(amount, b.position[posKey])
	b.position[posKey] = b.position[posKey].Sub(fromPosition)
	b.bucket[bucketKey] = saturateSub(b.bucket[bucketKey], fromPosition)
	b.total = saturateSub(b.total, fromPosition)

	residual := amount.Sub(fromPosition)
	if residual.Sign() > 0 {
		fromBucket := minDec(residual, b.bucket[bucketKey])
		b.bucket[bucketKey] = b.bucket[bucketKey].Sub(fromBucket)
		b.total = saturateSub(b.total, fromBucket)
	}
}

func saturateSub(a, amt decimal.Decimal) decimal.Decimal {
	r := a.Sub(amt)
	if r.Sign() < 0 {
		return decimal.Zero
	}
	return r
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

// clampPct clamps a percentage value into [0,1] per spec.md §4.3.
func clampPct(p decimal.Decimal) decimal.Decimal {
	if p.Sign() < 0 {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if p.Cmp(one) > 0 {
		return one
	}
	return p
}
