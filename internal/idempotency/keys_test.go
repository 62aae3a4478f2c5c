package idempotency

import (
	"testing"
	"time"

	"predictcoord/pkg/types"
)

func baseIntent() types.OrderIntent {
	return types.OrderIntent{
		AgentID:    "agent-1",
		Domain:     types.Domain{Kind: types.DomainCrypto},
		MarketSlug: "BTC-Up-5m",
		Side:       types.Up,
		IsBuy:      true,
		CreatedAt:  time.Date(2026, 7, 31, 12, 0, 30, 0, time.UTC),
	}
}

func TestDeriveKeyUsesExplicitIdempotencyKeyVerbatimSanitized(t *testing.T) {
	t.Parallel()
	intent := baseIntent()
	intent.Metadata = map[string]string{types.MetaIdempotencyKey: "my key!!with spaces"}

	got := DeriveKey(intent, "acct-1")
	want := "my_key__with_spaces"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDeriveKeySameBucketSameKey(t *testing.T) {
	t.Parallel()
	a := baseIntent()
	a.Metadata = map[string]string{types.MetaHorizon: "5m"}
	b := a
	b.CreatedAt = a.CreatedAt.Add(100 * time.Millisecond)

	if DeriveKey(a, "acct-1") != DeriveKey(b, "acct-1") {
		t.Error("expected same 5m bucket to produce the same key")
	}
}

func TestDeriveKeyDifferentBucketDifferentKey(t *testing.T) {
	t.Parallel()
	a := baseIntent()
	a.Metadata = map[string]string{types.MetaHorizon: "5m"}
	b := a
	b.CreatedAt = a.CreatedAt.Add(10 * time.Minute)

	if DeriveKey(a, "acct-1") == DeriveKey(b, "acct-1") {
		t.Error("expected a later 5m bucket to produce a different key")
	}
}

func TestDeriveKeyDifferentDeploymentDifferentKey(t *testing.T) {
	t.Parallel()
	a := baseIntent()
	a.Metadata = map[string]string{types.MetaDeploymentID: "dep-1"}
	b := baseIntent()
	b.Metadata = map[string]string{types.MetaDeploymentID: "dep-2"}

	if DeriveKey(a, "acct-1") == DeriveKey(b, "acct-1") {
		t.Error("expected different deployments to produce different keys")
	}
}

func TestDeriveKeyMarketSlugAndSideAreCaseNormalized(t *testing.T) {
	t.Parallel()
	a := baseIntent()
	b := a
	b.MarketSlug = "btc-up-5m"
	b.Side = types.Side("up")

	if DeriveKey(a, "acct-1") != DeriveKey(b, "acct-1") {
		t.Error("expected market slug and side casing to be normalized")
	}
}

func TestResolveWindowSecsDefaultsTo300ForOtherHorizon(t *testing.T) {
	t.Parallel()
	intent := baseIntent()
	intent.Metadata = map[string]string{types.MetaHorizon: "eoy-target"}
	if got := resolveWindowSecs(intent); got != defaultWindowSecs {
		t.Errorf("expected default 300s window for unrecognized horizon, got %d", got)
	}
}

func TestResolveWindowSecsExplicitOverride(t *testing.T) {
	t.Parallel()
	intent := baseIntent()
	intent.Metadata = map[string]string{types.MetaEventWindowSecs: "60"}
	if got := resolveWindowSecs(intent); got != 60 {
		t.Errorf("expected explicit override 60s, got %d", got)
	}
}

func TestSanitizeReplacesDisallowedCharacters(t *testing.T) {
	t.Parallel()
	got := Sanitize("a/b c*d")
	if got != "a_b_c_d" {
		t.Errorf("got %q", got)
	}
}
