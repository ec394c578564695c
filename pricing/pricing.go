// Package pricing resolves model names to per-token prices and context
// limits, computes session cost, and persists lifetime cost.
package pricing

import (
	"math"
	"strings"
	"sync"
)

// TieredThreshold is the token count above which "above" rates apply.
const TieredThreshold = 200_000

// DefaultContextLimit is returned by GetContextLimit when a model has
// no known max_input_tokens.
const DefaultContextLimit = 128_000

// ModelPricing is the per-token USD pricing for a single model.
type ModelPricing struct {
	InputCost            float64
	OutputCost           float64
	CacheWriteCost       float64
	CacheReadCost        float64
	InputCostAbove       float64
	OutputCostAbove      float64
	CacheWriteCostAbove  float64
	CacheReadCostAbove   float64
	MaxInputTokens       int
}

func tieredCost(tokens int64, baseRate, aboveRate float64) float64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > TieredThreshold && aboveRate > 0 {
		below := int64(TieredThreshold)
		above := tokens - below
		return float64(below)*baseRate + float64(above)*aboveRate
	}
	return float64(tokens) * baseRate
}

// CalculateCost computes total USD cost from token counts and pricing.
// Cache-read tokens are a subset of input tokens: they are subtracted
// from input before applying the regular input rate, then costed at
// the cache-read rate. Tiered pricing applies to whichever bucket
// (regular input, cached, output) individually exceeds the threshold.
func CalculateCost(p ModelPricing, inputTokens, outputTokens, cachedTokens int64) float64 {
	regularInput := inputTokens - cachedTokens
	if regularInput < 0 {
		regularInput = 0
	}
	inputCost := tieredCost(regularInput, p.InputCost, p.InputCostAbove)
	outputCost := tieredCost(outputTokens, p.OutputCost, p.OutputCostAbove)
	cacheCost := tieredCost(cachedTokens, p.CacheReadCost, p.CacheReadCostAbove)
	total := inputCost + outputCost + cacheCost
	return math.Round(total*1e8) / 1e8
}

// providerPrefixes are tried, in order, when resolving a bare model
// name against the catalog.
var providerPrefixes = []string{"anthropic/", "openai/", "gemini/", "azure/", "claude-"}

// Catalog is a thread-safe model pricing database.
type Catalog struct {
	mu      sync.RWMutex
	data    map[string]ModelPricing
	aliases map[string]string
	loaded  bool
}

// NewCatalog returns a Catalog pre-loaded with the bundled baseline.
// Call Refresh to merge in a remote pricing source.
func NewCatalog() *Catalog {
	c := &Catalog{
		data:    DefaultPricing(),
		aliases: DefaultAliases(),
		loaded:  true,
	}
	return c
}

// Merge adds or overwrites entries, used by the baseline loader and
// by remote-refresh results alike.
func (c *Catalog) Merge(entries map[string]ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range entries {
		c.data[k] = v
	}
}

// SetAliases replaces the alias table (mainly for tests).
func (c *Catalog) SetAliases(aliases map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases = aliases
}

// GetPricing resolves a model name to its pricing entry via, in order:
// exact match, bare name (provider prefix stripped), each known
// provider prefix + bare, alias table (cycle-guarded), and finally a
// longest-prefix fuzzy match on a dash/dot/colon/digit boundary.
func (c *Catalog) GetPricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolve(model, make(map[string]bool))
}

func (c *Catalog) resolve(model string, seen map[string]bool) (ModelPricing, bool) {
	bare := model
	if idx := strings.Index(model, "/"); idx >= 0 {
		bare = model[idx+1:]
	}

	for _, candidate := range []string{model, bare} {
		if p, ok := c.data[candidate]; ok {
			return p, true
		}
	}

	for _, prefix := range providerPrefixes {
		if p, ok := c.data[prefix+bare]; ok {
			return p, true
		}
	}

	if alias, ok := c.aliases[bare]; ok && !seen[alias] {
		seen[alias] = true
		return c.resolve(alias, seen)
	}

	return c.fuzzyMatch(bare)
}

// fuzzyMatch finds the longest catalog key that is a dash/dot/colon/
// digit-boundary prefix of the model name, or vice versa.
func (c *Catalog) fuzzyMatch(bare string) (ModelPricing, bool) {
	bareLower := strings.ToLower(bare)
	var best ModelPricing
	bestLen := -1
	found := false

	onBoundary := func(rest string) bool {
		if rest == "" {
			return true
		}
		r := rest[0]
		return r == '-' || r == '.' || r == ':' || (r >= '0' && r <= '9')
	}

	for key, pricing := range c.data {
		keyBare := key
		if idx := strings.Index(key, "/"); idx >= 0 {
			keyBare = key[idx+1:]
		}
		keyBareLower := strings.ToLower(keyBare)

		if strings.HasPrefix(bareLower, keyBareLower) && len(keyBareLower) > bestLen {
			if onBoundary(bareLower[len(keyBareLower):]) {
				best, bestLen, found = pricing, len(keyBareLower), true
			}
		} else if strings.HasPrefix(keyBareLower, bareLower) && len(bareLower) > bestLen {
			if onBoundary(keyBareLower[len(bareLower):]) {
				best, bestLen, found = pricing, len(bareLower), true
			}
		}
	}
	return best, found
}

// GetCost computes the USD cost of one turn for a model; returns 0 if
// the model is unknown.
func (c *Catalog) GetCost(model string, inputTokens, outputTokens, cachedTokens int64) float64 {
	p, ok := c.GetPricing(model)
	if !ok {
		return 0
	}
	return CalculateCost(p, inputTokens, outputTokens, cachedTokens)
}

// GetContextLimit returns a model's max input tokens, or
// DefaultContextLimit when unknown.
func (c *Catalog) GetContextLimit(model string) int {
	p, ok := c.GetPricing(model)
	if ok && p.MaxInputTokens > 0 {
		return p.MaxInputTokens
	}
	return DefaultContextLimit
}
