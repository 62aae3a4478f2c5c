// Package queue implements the coordinator's bounded priority order queue
// (spec.md §4.1): four priority levels, FIFO within a level, expiry-aware
// dequeue, and bounded-capacity preemption of the worst item on overflow.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"predictcoord/pkg/types"
)

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Size            int
	Max             int
	EnqueuedTotal   uint64
	DequeuedTotal   uint64
	ExpiredTotal    uint64
	PerPriority     map[types.OrderPriority]int
}

// item is one heap slot. sequence is the monotonically increasing
// enqueue-order tie-break within a priority level.
type item struct {
	intent   types.OrderIntent
	sequence uint64
	index    int // heap.Interface bookkeeping
}

// minHeap orders by (priority ascending, sequence ascending) so Pop returns
// the highest-priority, earliest-enqueued item first.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].intent.Priority != h[j].intent.Priority {
		return h[i].intent.Priority < h[j].intent.Priority
	}
	return h[i].sequence < h[j].sequence
}
func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// worstIndex returns the index of the lowest-priority (highest numeric value),
// latest-enqueued item — the eviction candidate on overflow.
func (h minHeap) worstIndex() int {
	worst := 0
	for i := 1; i < len(h); i++ {
		if h[i].intent.Priority > h[worst].intent.Priority ||
			(h[i].intent.Priority == h[worst].intent.Priority && h[i].sequence > h[worst].sequence) {
			worst = i
		}
	}
	return worst
}

// Queue is a bounded, thread-safe priority queue of order intents.
type Queue struct {
	mu       sync.Mutex
	h        minHeap
	max      int
	nextSeq  uint64
	enqueued uint64
	dequeued uint64
	expired  uint64
}

// New creates a queue bounded to maxSize entries.
func New(maxSize int) *Queue {
	q := &Queue{max: maxSize}
	heap.Init(&q.h)
	return q
}

// ErrQueueFull is returned by Enqueue when the queue is at capacity and the
// new intent does not outrank the current worst item.
var ErrQueueFull = fmt.Errorf("queue full")

// ErrIntentExpired is returned by Enqueue when the intent is already expired.
var ErrIntentExpired = fmt.Errorf("intent already expired")

// Enqueue admits an intent, evicting the current worst item if the queue is
// full and the new intent strictly outranks it (lower numeric priority).
func (q *Queue) Enqueue(intent types.OrderIntent, now time.Time) error {
	if intent.IsExpired(now) {
		return ErrIntentExpired
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) >= q.max {
		worstIdx := q.h.worstIndex()
		worst := q.h[worstIdx]
		if intent.Priority >= worst.intent.Priority {
			return ErrQueueFull
		}
		heap.Remove(&q.h, worstIdx)
	}

	intent.Sequence = q.nextSeq
	q.nextSeq++
	heap.Push(&q.h, &item{intent: intent, sequence: intent.Sequence})
	q.enqueued++
	return nil
}

// Dequeue pops the highest-priority, earliest-enqueued item, skipping over
// (and counting) any entries that have expired in the meantime.
func (q *Queue) Dequeue(now time.Time) (types.OrderIntent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked(now)
}

func (q *Queue) dequeueLocked(now time.Time) (types.OrderIntent, bool) {
	for len(q.h) > 0 {
		it := heap.Pop(&q.h).(*item)
		if it.intent.IsExpired(now) {
			q.expired++
			continue
		}
		q.dequeued++
		return it.intent, true
	}
	return types.OrderIntent{}, false
}

// DequeueBatch pops up to n items (fewer if the queue empties first).
func (q *Queue) DequeueBatch(n int, now time.Time) []types.OrderIntent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.OrderIntent, 0, n)
	for len(out) < n {
		intent, ok := q.dequeueLocked(now)
		if !ok {
			break
		}
		out = append(out, intent)
	}
	return out
}

// CleanupExpired rebuilds the heap, dropping any entries that have expired.
// Called before each drain per spec.md §4.1.
func (q *Queue) CleanupExpired(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make(minHeap, 0, len(q.h))
	for _, it := range q.h {
		if it.intent.IsExpired(now) {
			q.expired++
			continue
		}
		kept = append(kept, it)
	}
	q.h = kept
	heap.Init(&q.h)
}

// RemoveAgentOrders filters out every queued intent belonging to agentID.
// Used on panic/shutdown paths (spec.md §4.1).
func (q *Queue) RemoveAgentOrders(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make(minHeap, 0, len(q.h))
	for _, it := range q.h {
		if it.intent.AgentID == agentID {
			continue
		}
		kept = append(kept, it)
	}
	q.h = kept
	heap.Init(&q.h)
}

// Stats returns current size, capacity, and cumulative counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	perPriority := map[types.OrderPriority]int{}
	for _, it := range q.h {
		perPriority[it.intent.Priority]++
	}

	return Stats{
		Size:          len(q.h),
		Max:           q.max,
		EnqueuedTotal: q.enqueued,
		DequeuedTotal: q.dequeued,
		ExpiredTotal:  q.expired,
		PerPriority:   perPriority,
	}
}
