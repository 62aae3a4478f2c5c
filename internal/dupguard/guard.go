// Package dupguard implements the short-window duplicate-intent suppression
// described in spec.md §4.2: repeated buys on the same deployment/market are
// blocked within a rolling window; sells and Critical-priority intents are
// never guarded.
package dupguard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"predictcoord/pkg/types"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Guard tracks recently-accepted buy intents keyed by
// (domain, deployment-scope, normalized market slug).
type Guard struct {
	mu       sync.Mutex
	windowMs int64
	seen     map[string]time.Time
}

// New creates a guard with the given suppression window.
func New(window time.Duration) *Guard {
	return &Guard{
		windowMs: window.Milliseconds(),
		seen:     make(map[string]time.Time),
	}
}

// DeploymentScope resolves the deployment-scope component of the guard key,
// per spec.md §4.2: metadata["deployment_id"] (lowercased) if non-empty,
// otherwise "agent:<agent_id>|strategy:<strategy or 'default'>" (lowercased).
func DeploymentScope(intent types.OrderIntent) string {
	if dep, ok := intent.Meta(types.MetaDeploymentID); ok {
		return strings.ToLower(dep)
	}
	strategy := "default"
	if s, ok := intent.Meta(types.MetaStrategy); ok {
		strategy = s
	}
	return strings.ToLower(fmt.Sprintf("agent:%s|strategy:%s", intent.AgentID, strategy))
}

// Key builds the full dedup key for an intent.
func Key(intent types.OrderIntent) string {
	slug := strings.ToLower(strings.TrimSpace(intent.MarketSlug))
	return fmt.Sprintf("%s|%s|%s", intent.Domain.Key(), DeploymentScope(intent), slug)
}

// Check evaluates whether a buy intent should be suppressed. Sells and
// Critical-priority intents are always accepted without touching guard
// state. On accept, the key is recorded at now for the duration of window.
// On reject, err describes the elapsed time and the offending key.
func (g *Guard) Check(intent types.OrderIntent, now time.Time) error {
	if !intent.IsBuy || intent.Priority == types.PriorityCritical {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(now)

	key := Key(intent)
	if seenAt, ok := g.seen[key]; ok {
		elapsedMs := now.Sub(seenAt).Milliseconds()
		return fmt.Errorf("duplicate buy intent suppressed: key=%q elapsed_ms=%d window_ms=%d",
			key, elapsedMs, g.windowMs)
	}

	g.seen[key] = now
	return nil
}

func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(g.windowMs) * time.Millisecond)
	for k, t := range g.seen {
		if t.Before(cutoff) {
			delete(g.seen, k)
		}
	}
}

// Len returns the number of keys currently tracked (test/metrics helper).
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
