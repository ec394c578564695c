package pricing

// DefaultPricing returns the built-in pricing table used before any
// remote refresh completes. Rates are USD per token (not per 1M) to
// match the upstream LiteLLM pricing JSON's units directly.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"anthropic/claude-opus-4-6": {
			InputCost: 15e-6, OutputCost: 75e-6,
			CacheWriteCost: 18.75e-6, CacheReadCost: 1.5e-6,
			InputCostAbove: 22.5e-6, OutputCostAbove: 90e-6,
			MaxInputTokens: 200_000,
		},
		"anthropic/claude-opus-4-5": {
			InputCost: 15e-6, OutputCost: 75e-6,
			CacheWriteCost: 18.75e-6, CacheReadCost: 1.5e-6,
			MaxInputTokens: 200_000,
		},
		"anthropic/claude-sonnet-4-5": {
			InputCost: 3e-6, OutputCost: 15e-6,
			CacheWriteCost: 3.75e-6, CacheReadCost: 0.3e-6,
			InputCostAbove: 6e-6, OutputCostAbove: 22.5e-6,
			MaxInputTokens: 200_000,
		},
		"anthropic/claude-haiku-4-5": {
			InputCost: 1e-6, OutputCost: 5e-6,
			CacheWriteCost: 1.25e-6, CacheReadCost: 0.1e-6,
			MaxInputTokens: 200_000,
		},
		"openai/gpt-5": {
			InputCost: 1.25e-6, OutputCost: 10e-6,
			CacheReadCost: 0.125e-6,
			MaxInputTokens: 400_000,
		},
		"openai/gpt-5-mini": {
			InputCost: 0.25e-6, OutputCost: 2e-6,
			CacheReadCost: 0.025e-6,
			MaxInputTokens: 400_000,
		},
		"gemini/gemini-3-pro-preview": {
			InputCost: 2e-6, OutputCost: 12e-6,
			CacheReadCost: 0.2e-6,
			MaxInputTokens: 1_000_000,
		},
		"gemini/gemini-3-flash-preview": {
			InputCost: 0.2e-6, OutputCost: 1.2e-6,
			CacheReadCost: 0.02e-6,
			MaxInputTokens: 1_000_000,
		},
		"gemini/gemini-2.5-flash": {
			InputCost: 0.15e-6, OutputCost: 0.6e-6,
			CacheReadCost: 0.015e-6,
			MaxInputTokens: 1_000_000,
		},
		"gemini/gemini-3-pro-image-preview": {
			InputCost: 2e-6, OutputCost: 12e-6,
			MaxInputTokens: 1_000_000,
		},
	}
}

// DefaultAliases maps model names absent from the pricing database to
// their pricing-equivalent entry.
func DefaultAliases() map[string]string {
	return map[string]string{
		"claude-opus-4-6-thinking":   "claude-opus-4-6",
		"claude-opus-4-5-thinking":   "claude-opus-4-5",
		"claude-sonnet-4-5-thinking": "claude-sonnet-4-5",
		"gemini-2.5-flash-thinking":  "gemini-2.5-flash",
		"gemini-2.5-flash-lite":      "gemini-2.5-flash",
		"gemini-3-flash":             "gemini-3-flash-preview",
		"gemini-3-pro-high":          "gemini-3-pro-preview",
		"gemini-3-pro-low":           "gemini-3-pro-preview",
		"gemini-3-pro-image":         "gemini-3-pro-image-preview",
		"gpt-5.3-codex":              "gpt-5",
		"gpt-5.2-codex":              "gpt-5",
		"gpt-5.1-codex":              "gpt-5",
		"gpt-5.1-codex-max":          "gpt-5",
		"gpt-5.1-codex-mini":         "gpt-5-mini",
		"gpt-5-codex":                "gpt-5",
		"gpt-5-codex-mini":           "gpt-5-mini",
	}
}
