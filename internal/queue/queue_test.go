package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"predictcoord/pkg/types"
)

func intentAt(priority types.OrderPriority, agent string) types.OrderIntent {
	return types.OrderIntent{
		IntentID: uuid.New(),
		AgentID:  agent,
		Priority: priority,
	}
}

func TestDequeueOrdersByPriorityThenSequence(t *testing.T) {
	t.Parallel()
	q := New(10)
	now := time.Now()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	must(q.Enqueue(intentAt(types.PriorityNormal, "a"), now))
	must(q.Enqueue(intentAt(types.PriorityCritical, "b"), now))
	must(q.Enqueue(intentAt(types.PriorityNormal, "c"), now))
	must(q.Enqueue(intentAt(types.PriorityHigh, "d"), now))

	order := []string{}
	for {
		in, ok := q.Dequeue(now)
		if !ok {
			break
		}
		order = append(order, in.AgentID)
	}

	want := []string{"b", "d", "a", "c"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestEnqueueRejectsExpired(t *testing.T) {
	t.Parallel()
	q := New(10)
	now := time.Now()
	past := now.Add(-time.Minute)

	intent := intentAt(types.PriorityNormal, "a")
	intent.ExpiresAt = &past

	if err := q.Enqueue(intent, now); err != ErrIntentExpired {
		t.Errorf("expected ErrIntentExpired, got %v", err)
	}
}

func TestFullQueuePreemptsLowerPriority(t *testing.T) {
	t.Parallel()
	q := New(2)
	now := time.Now()

	if err := q.Enqueue(intentAt(types.PriorityLow, "a"), now); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(intentAt(types.PriorityLow, "b"), now); err != nil {
		t.Fatal(err)
	}

	// Equal priority: rejected.
	if err := q.Enqueue(intentAt(types.PriorityLow, "c"), now); err != ErrQueueFull {
		t.Errorf("equal priority on full queue should be rejected, got %v", err)
	}

	// Higher priority: evicts the worst (FIFO-last low-priority item) and is accepted.
	if err := q.Enqueue(intentAt(types.PriorityCritical, "d"), now); err != nil {
		t.Errorf("higher priority on full queue should preempt, got %v", err)
	}

	stats := q.Stats()
	if stats.Size != 2 {
		t.Errorf("expected size 2 after preemption, got %d", stats.Size)
	}

	first, _ := q.Dequeue(now)
	if first.AgentID != "d" {
		t.Errorf("expected critical intent to dequeue first, got %s", first.AgentID)
	}
}

func TestDequeueSkipsExpiredAndCountsThem(t *testing.T) {
	t.Parallel()
	q := New(10)
	now := time.Now()
	past := now.Add(-time.Second)

	expiring := intentAt(types.PriorityCritical, "expired")
	expiring.ExpiresAt = &past
	// Bypass Enqueue's upfront rejection by enqueuing with an earlier "now", before ExpiresAt.
	if err := q.Enqueue(expiring, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(intentAt(types.PriorityNormal, "fresh"), now); err != nil {
		t.Fatal(err)
	}

	got, ok := q.Dequeue(now)
	if !ok || got.AgentID != "fresh" {
		t.Errorf("expected fresh intent to survive expiry skip, got %+v ok=%v", got, ok)
	}

	if q.Stats().ExpiredTotal != 1 {
		t.Errorf("expected 1 expired count, got %d", q.Stats().ExpiredTotal)
	}
}

func TestCleanupExpiredRebuildsHeap(t *testing.T) {
	t.Parallel()
	q := New(10)
	now := time.Now()
	past := now.Add(-time.Second)

	expiring := intentAt(types.PriorityNormal, "stale")
	expiring.ExpiresAt = &past
	if err := q.Enqueue(expiring, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(intentAt(types.PriorityNormal, "ok"), now); err != nil {
		t.Fatal(err)
	}

	q.CleanupExpired(now)

	stats := q.Stats()
	if stats.Size != 1 {
		t.Errorf("expected size 1 after cleanup, got %d", stats.Size)
	}
	if stats.ExpiredTotal != 1 {
		t.Errorf("expected expired total 1, got %d", stats.ExpiredTotal)
	}
}

func TestRemoveAgentOrders(t *testing.T) {
	t.Parallel()
	q := New(10)
	now := time.Now()

	if err := q.Enqueue(intentAt(types.PriorityNormal, "agent-1"), now); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(intentAt(types.PriorityNormal, "agent-2"), now); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(intentAt(types.PriorityNormal, "agent-1"), now); err != nil {
		t.Fatal(err)
	}

	q.RemoveAgentOrders("agent-1")

	stats := q.Stats()
	if stats.Size != 1 {
		t.Errorf("expected 1 remaining item, got %d", stats.Size)
	}

	remaining, ok := q.Dequeue(now)
	if !ok || remaining.AgentID != "agent-2" {
		t.Errorf("expected agent-2's order to remain, got %+v", remaining)
	}
}

func TestInvariantEnqueuedDequeuedExpiredEqualsSize(t *testing.T) {
	t.Parallel()
	q := New(100)
	now := time.Now()

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(intentAt(types.PriorityNormal, "a"), now); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 4; i++ {
		if _, ok := q.Dequeue(now); !ok {
			t.Fatal("expected dequeue to succeed")
		}
	}

	stats := q.Stats()
	got := stats.EnqueuedTotal - stats.DequeuedTotal - stats.ExpiredTotal
	if int(got) != stats.Size {
		t.Errorf("invariant broken: enqueued-dequeued-expired=%d, size=%d", got, stats.Size)
	}
}
