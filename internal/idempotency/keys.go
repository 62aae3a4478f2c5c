// Package idempotency implements stable per-intent key derivation and a
// store-backed dedup layer (spec.md §4.10).
package idempotency

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"predictcoord/pkg/types"
)

const defaultWindowSecs = 300

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9\-_:.|]`)

// Sanitize replaces any character outside [A-Za-z0-9-_:.|] with '_'.
func Sanitize(s string) string {
	return sanitizeRe.ReplaceAllString(s, "_")
}

// windowSecsHint resolves a bucket width from a horizon/timeframe/series-id
// style hint string: "15m" → 900s, "5m" → 300s, else the package default.
func windowSecsHint(hint string) int64 {
	hint = strings.ToLower(hint)
	switch {
	case strings.Contains(hint, "15m"):
		return 900
	case strings.Contains(hint, "5m"):
		return 300
	default:
		return defaultWindowSecs
	}
}

// resolveWindowSecs implements the window_secs resolution chain: an
// explicit metadata override, else a horizon/timeframe/series-id hint,
// else the 300s default (intentional even for unrecognized horizons — see
// DESIGN.md's Open Question 3 resolution).
func resolveWindowSecs(intent types.OrderIntent) int64 {
	if raw, ok := intent.Meta(types.MetaEventWindowSecs); ok {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			return secs
		}
	}
	if horizon, ok := intent.Meta(types.MetaHorizon); ok {
		return windowSecsHint(horizon)
	}
	if seriesID, ok := intent.Meta(types.MetaEventSeriesID); ok {
		return windowSecsHint(seriesID)
	}
	if seriesID, ok := intent.Meta(types.MetaSeriesID); ok {
		return windowSecsHint(seriesID)
	}
	return defaultWindowSecs
}

// resolveDeployment mirrors dupguard's deployment-scope resolution:
// metadata["deployment_id"] lowercased, else an agent|strategy fallback.
func resolveDeployment(intent types.OrderIntent) string {
	if dep, ok := intent.Meta(types.MetaDeploymentID); ok {
		return strings.ToLower(dep)
	}
	strategy := "default"
	if s, ok := intent.Meta(types.MetaStrategy); ok {
		strategy = s
	}
	return strings.ToLower(fmt.Sprintf("agent:%s|strategy:%s", intent.AgentID, strategy))
}

// resolveEventTime resolves the timestamp used for bucketing: an explicit
// RFC3339 metadata override, else the intent's creation time.
func resolveEventTime(intent types.OrderIntent) time.Time {
	if raw, ok := intent.Meta(types.MetaEventTime); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return intent.CreatedAt
}

// DeriveKey computes the stable, bucketed idempotency key for an intent
// per spec.md §4.10. accountID is the platform account the order executes
// under (distinct from agent_id, which identifies the strategy).
func DeriveKey(intent types.OrderIntent, accountID string) string {
	if raw, ok := intent.Meta(types.MetaIdempotencyKey); ok {
		return Sanitize(raw)
	}

	deployment := resolveDeployment(intent)
	windowSecs := resolveWindowSecs(intent)
	eventTime := resolveEventTime(intent)
	bucket := int64(math.Floor(float64(eventTime.Unix()) / float64(windowSecs)))

	kind := "sell"
	if intent.IsBuy {
		kind = "buy"
	}

	key := fmt.Sprintf("acct:%s|dep:%s|dom:%s|mkt:%s|side:%s|kind:%s|bucket:%d",
		accountID, deployment, intent.Domain.Key(), strings.ToLower(intent.MarketSlug),
		strings.ToLower(string(intent.Side)), kind, bucket)

	return Sanitize(key)
}
