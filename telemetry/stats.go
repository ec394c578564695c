// Package telemetry implements the live dashboard fan-out: poll the
// tracer, diff it against the last observed snapshot, and broadcast
// batched deltas to connected websocket clients.
package telemetry

import (
	"time"

	"github.com/improdead/esprit/pricing"
	"github.com/improdead/esprit/tracer"
)

// StatsView is the derived, JSON-friendly view of one agent's (or the
// run's aggregate) RequestStats.
type StatsView struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CachedTokens        int64   `json:"cached_tokens"`
	UncachedInputTokens int64   `json:"uncached_input_tokens"`
	CacheHitRatio       float64 `json:"cache_hit_ratio"`
	Cost                float64 `json:"cost"`
	Requests            int64   `json:"requests"`
	TokensPerSecond     float64 `json:"tokens_per_second,omitempty"`
	ContextLimit        int     `json:"context_limit,omitempty"`
}

// ComputeStats derives the reporting view for one RequestStats
// accumulator. elapsed is the run's wall-clock duration so far;
// tokensPerSecond is only reported when both output tokens and
// elapsed are positive. model, when non-empty, is resolved against
// cat for its context limit.
func ComputeStats(raw tracer.RequestStats, elapsed time.Duration, model string, cat *pricing.Catalog) StatsView {
	uncached := raw.InputTokens - raw.CachedTokens
	if uncached < 0 {
		uncached = 0
	}
	var hitRatio float64
	if raw.InputTokens > 0 {
		hitRatio = float64(raw.CachedTokens) / float64(raw.InputTokens) * 100
	}

	view := StatsView{
		InputTokens:         raw.InputTokens,
		OutputTokens:        raw.OutputTokens,
		CachedTokens:        raw.CachedTokens,
		UncachedInputTokens: uncached,
		CacheHitRatio:       hitRatio,
		Cost:                raw.Cost,
		Requests:            raw.Requests,
	}
	if raw.OutputTokens > 0 && elapsed > 0 {
		view.TokensPerSecond = float64(raw.OutputTokens) / elapsed.Seconds()
	}
	if model != "" && cat != nil {
		view.ContextLimit = cat.GetContextLimit(model)
	}
	return view
}
