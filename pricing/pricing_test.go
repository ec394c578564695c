package pricing

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestCalculateCostCacheSubset(t *testing.T) {
	// input=1000, output=200, cached=400, rates (in=5e-6, out=15e-6,
	// cache_read=5e-7) => 600*5e-6 + 200*15e-6 + 400*5e-7 = 0.0062
	p := ModelPricing{InputCost: 5e-6, OutputCost: 15e-6, CacheReadCost: 5e-7}
	got := CalculateCost(p, 1000, 200, 400)
	want := 0.0062
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("CalculateCost = %v, want %v", got, want)
	}
}

func TestCalculateCostTieredAboveThreshold(t *testing.T) {
	p := ModelPricing{
		InputCost: 1e-6, InputCostAbove: 2e-6,
		OutputCost: 1e-6,
	}
	tokens := int64(TieredThreshold + 1000)
	got := CalculateCost(p, tokens, 0, 0)
	want := float64(TieredThreshold)*1e-6 + float64(1000)*2e-6
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("tiered cost = %v, want %v", got, want)
	}
}

func TestCalculateCostNoTieringWhenAboveRateZero(t *testing.T) {
	p := ModelPricing{InputCost: 1e-6}
	tokens := int64(TieredThreshold + 1000)
	got := CalculateCost(p, tokens, 0, 0)
	want := float64(tokens) * 1e-6
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("cost with zero above-rate = %v, want %v (no tiering)", got, want)
	}
}

func TestGetPricingResolutionOrder(t *testing.T) {
	c := NewCatalog()

	if _, ok := c.GetPricing("anthropic/claude-opus-4-6"); !ok {
		t.Error("expected exact match for anthropic/claude-opus-4-6")
	}
	if _, ok := c.GetPricing("claude-opus-4-6"); !ok {
		t.Error("expected bare-name match via provider prefix")
	}
}

func TestGetPricingAliasResolution(t *testing.T) {
	c := NewCatalog()
	thinking, ok := c.GetPricing("claude-opus-4-6-thinking")
	if !ok {
		t.Fatal("expected alias resolution for -thinking variant")
	}
	base, _ := c.GetPricing("claude-opus-4-6")
	if thinking != base {
		t.Errorf("aliased pricing %+v != base pricing %+v", thinking, base)
	}
}

func TestGetPricingAliasCycleGuard(t *testing.T) {
	c := NewCatalog()
	c.SetAliases(map[string]string{"a": "b", "b": "a"})
	if _, ok := c.GetPricing("a"); ok {
		t.Error("expected cyclic alias chain to terminate without a match, not loop forever")
	}
}

func TestGetPricingFuzzyBoundaryMatch(t *testing.T) {
	c := NewCatalog()
	// "claude-sonnet-4-5-20250514" should fuzzy-match "claude-sonnet-4-5"
	got, ok := c.GetPricing("claude-sonnet-4-5-20250514")
	if !ok {
		t.Fatal("expected fuzzy longest-prefix match")
	}
	want, _ := c.GetPricing("claude-sonnet-4-5")
	if got != want {
		t.Errorf("fuzzy match %+v != exact %+v", got, want)
	}
}

func TestGetPricingFuzzyRejectsNonBoundary(t *testing.T) {
	c := NewCatalog()
	c.Merge(map[string]ModelPricing{"foo": {InputCost: 1}})
	if _, ok := c.GetPricing("foobar"); ok {
		t.Error("foobar should not fuzzy-match foo: no boundary character after the shared prefix")
	}
}

func TestGetContextLimitDefault(t *testing.T) {
	c := NewCatalog()
	if got := c.GetContextLimit("totally-unknown-model-xyz"); got != DefaultContextLimit {
		t.Errorf("GetContextLimit(unknown) = %d, want %d", got, DefaultContextLimit)
	}
	if got := c.GetContextLimit("claude-opus-4-6"); got != 200_000 {
		t.Errorf("GetContextLimit(claude-opus-4-6) = %d, want 200000", got)
	}
}

func TestUsageStoreAtomicPersistence(t *testing.T) {
	dir := t.TempDir()
	store := NewUsageStore(dir)

	if got := store.GetLifetimeCost(); got != 0 {
		t.Errorf("initial lifetime cost = %v, want 0", got)
	}

	total := store.AddSessionCost(1.2345)
	if math.Abs(total-1.2345) > 1e-9 {
		t.Errorf("AddSessionCost returned %v, want 1.2345", total)
	}

	total2 := store.AddSessionCost(0.5)
	if math.Abs(total2-1.7345) > 1e-9 {
		t.Errorf("AddSessionCost accumulation = %v, want 1.7345", total2)
	}

	// Confirm no stray temp files survive a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "usage.json" {
			t.Errorf("unexpected leftover file in usage dir: %s", e.Name())
		}
	}

	reloaded := NewUsageStore(dir)
	if got := reloaded.GetLifetimeCost(); math.Abs(got-1.7345) > 1e-9 {
		t.Errorf("reloaded lifetime cost = %v, want 1.7345", got)
	}

	info, err := os.Stat(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("usage.json permissions = %v, want no group/other bits", info.Mode().Perm())
	}
}
