package pricing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RemoteURL is the upstream pricing source: LiteLLM's community-
// maintained per-model pricing table.
const RemoteURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

const remoteCacheKey = "esprit:pricing:litellm_json"
const remoteCacheTTL = 6 * time.Hour

// RemoteCache is the narrow interface pricing needs from a shared
// cache so multiple esprit processes don't all hit RemoteURL. Backed
// by redisclient.Client in production; nil disables caching.
type RemoteCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type remotePricingEntry struct {
	InputCostPerToken                      float64 `json:"input_cost_per_token"`
	OutputCostPerToken                     float64 `json:"output_cost_per_token"`
	CacheCreationInputTokenCost            float64 `json:"cache_creation_input_token_cost"`
	CacheReadInputTokenCost                float64 `json:"cache_read_input_token_cost"`
	InputCostPerTokenAbove200k             float64 `json:"input_cost_per_token_above_200k_tokens"`
	OutputCostPerTokenAbove200k            float64 `json:"output_cost_per_token_above_200k_tokens"`
	CacheCreationInputTokenCostAbove200k   float64 `json:"cache_creation_input_token_cost_above_200k_tokens"`
	CacheReadInputTokenCostAbove200k       float64 `json:"cache_read_input_token_cost_above_200k_tokens"`
	MaxInputTokens                         int     `json:"max_input_tokens"`
}

// Refresh performs a best-effort background fetch of the remote
// pricing source and merges any valid entries into the catalog. A
// failed fetch (network error, bad JSON, timeout) is silent: the
// catalog already has the bundled baseline to fall back on.
func (c *Catalog) Refresh(ctx context.Context, log zerolog.Logger, cache RemoteCache) {
	raw, err := c.fetchRaw(ctx, log, cache)
	if err != nil {
		log.Debug().Err(err).Msg("pricing remote refresh failed, using bundled baseline")
		return
	}

	var rawEntries map[string]remotePricingEntry
	if err := json.Unmarshal(raw, &rawEntries); err != nil {
		log.Debug().Err(err).Msg("pricing remote JSON unparsable")
		return
	}

	updates := make(map[string]ModelPricing, len(rawEntries))
	for name, e := range rawEntries {
		if e.InputCostPerToken <= 0 {
			continue
		}
		updates[name] = ModelPricing{
			InputCost:           e.InputCostPerToken,
			OutputCost:          e.OutputCostPerToken,
			CacheWriteCost:      e.CacheCreationInputTokenCost,
			CacheReadCost:       e.CacheReadInputTokenCost,
			InputCostAbove:      e.InputCostPerTokenAbove200k,
			OutputCostAbove:     e.OutputCostPerTokenAbove200k,
			CacheWriteCostAbove: e.CacheCreationInputTokenCostAbove200k,
			CacheReadCostAbove:  e.CacheReadInputTokenCostAbove200k,
			MaxInputTokens:      e.MaxInputTokens,
		}
	}
	c.Merge(updates)
	log.Debug().Int("models", len(updates)).Msg("pricing catalog refreshed from remote source")
}

func (c *Catalog) fetchRaw(ctx context.Context, log zerolog.Logger, cache RemoteCache) ([]byte, error) {
	if cache != nil {
		if cached, ok := cache.Get(ctx, remoteCacheKey); ok {
			return []byte(cached), nil
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, RemoteURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "esprit")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	if cache != nil {
		if err := cache.Set(ctx, remoteCacheKey, string(body), remoteCacheTTL); err != nil {
			log.Debug().Err(err).Msg("failed to populate pricing remote cache")
		}
	}
	return body, nil
}
