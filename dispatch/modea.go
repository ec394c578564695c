package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/improdead/esprit/credential"
	"github.com/improdead/esprit/provider"
)

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *provider.Usage `json:"usage"`
}

// runModeA executes one Mode A attempt and streams snapshots to out.
// It returns nil on a clean terminal snapshot, or a *StatusError (or
// other classifiable error) the outer retry loop inspects.
func (d *Dispatcher) runModeA(ctx context.Context, adapter provider.Adapter, creds credential.Credential, model string, messages []Message, cfg ModelConfig, out chan<- LLMResponse) error {
	chatReq := provider.ChatRequest{
		Model:           model,
		Messages:        messages,
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		Stream:          true,
		StreamOptions:   &provider.StreamOpts{IncludeUsage: true},
		Tools:           cfg.Tools,
		ReasoningEffort: cfg.reasoningEffort(),
	}
	if cfg.MaxTokens > 0 {
		mt := cfg.MaxTokens
		chatReq.MaxTokens = &mt
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return fmt.Errorf("dispatch: mode A: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, adapter.BaseURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: mode A: building request: %w", err)
	}
	if err := adapter.ModifyRequest(ctx, req, creds); err != nil {
		return fmt.Errorf("dispatch: mode A: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := d.pool.GetClient(adapter.Family(), timeout)
	resp, err := client.Do(req)
	if err != nil {
		return err // plain error: the outer loop treats it as retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Provider:   string(adapter.Family()),
			Body:       string(raw),
		}
	}

	var content string
	var usage *provider.Usage
	chunksWaited := 0
	waitingForUsage := false

	scanErr := provider.ScanSSE(resp.Body, func(data []byte) error {
		var chunk chatStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil // tolerate malformed keep-alive frames
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if waitingForUsage {
			// Content is frozen at the </function> boundary; later
			// chunks only matter for the trailing usage payload.
			chunksWaited++
			if usage != nil || chunksWaited >= 5 {
				return io.EOF // stop reading; sentinel consumed below
			}
			return nil
		}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				content += delta
				if endsWithFunctionClose(content) {
					content = content[:strings.LastIndex(content, functionCloseTag)+len(functionCloseTag)]
					waitingForUsage = true
					d.logger.Debug().Str("model", model).Msg("stream hit </function> boundary, waiting for usage chunk")
				}
				if d.tracer != nil && cfg.AgentID != "" {
					d.tracer.SetStreamingContent(cfg.AgentID, content)
				}
				out <- LLMResponse{Content: content, Model: model}
			}
		}
		return nil
	})
	if scanErr != nil && scanErr != io.EOF {
		return fmt.Errorf("dispatch: mode A: reading stream: %w", scanErr)
	}

	if d.tracer != nil && cfg.AgentID != "" {
		d.tracer.ClearStreamingContent(cfg.AgentID)
	}

	truncated, calls := ParseToolCalls(content)

	var turnUsage Usage
	if usage != nil {
		cached := int64(0)
		if usage.PromptTokensDetails != nil {
			cached = int64(usage.PromptTokensDetails.CachedTokens)
		}
		turnUsage = d.recordStats(cfg.AgentID, model, int64(usage.PromptTokens), int64(usage.CompletionTokens), cached)
	}

	out <- LLMResponse{
		Content:   truncated,
		Done:      true,
		ToolCalls: calls,
		Usage:     &turnUsage,
		Model:     model,
	}
	return nil
}
