package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/improdead/esprit/credential"
	"github.com/improdead/esprit/provider"
)

// runModeB executes one Mode B attempt: discovery (if needed), then
// the ordered endpoint list, streaming snapshots to out.
func (d *Dispatcher) runModeB(ctx context.Context, adapter *provider.CloudCodeAdapter, creds credential.Credential, email, model string, messages []Message, cfg ModelConfig, out chan<- LLMResponse) error {
	inner := adapter.InnerFamilyFor(model)

	projectID, ok := creds.Extra["project_id"]
	if !ok || projectID == "" {
		discovered, err := adapter.Discover(ctx, creds)
		if err != nil {
			return fmt.Errorf("dispatch: mode B: discovery: %w", err)
		}
		projectID = discovered
	}

	chatReq := &provider.ChatRequest{Model: model, Messages: messages, Tools: cfg.Tools}
	opts := provider.EnvelopeOpts{
		ProjectID:   projectID,
		Thinking:    cfg.Thinking,
		Inner:       inner,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		opts.MaxOutputTokens = &maxTokens
	}
	envelope, err := provider.BuildEnvelope(chatReq, opts)
	if err != nil {
		return fmt.Errorf("dispatch: mode B: building envelope: %w", err)
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("dispatch: mode B: encoding envelope: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := d.pool.GetClient(adapter.Family(), timeout)

	endpoints := adapter.Endpoints(inner)
	var lastErr error

	for _, ep := range endpoints {
		resp, diagErr := d.tryEndpoint(ctx, client, adapter, ep, body, creds, cfg.Thinking, inner)
		if diagErr != nil {
			var statusErr *StatusError
			if isStatusErrorAs(diagErr, &statusErr) {
				switch statusErr.StatusCode {
				case http.StatusNotFound:
					lastErr = diagErr
					continue
				case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
					return diagErr
				}
			}
			// connect failure, non-HTTP error, or any other status
			// (400 after its retries, 422, 5xx): skip to next endpoint
			// without clobbering an earlier diagnostic.
			if lastErr == nil {
				lastErr = diagErr
			}
			continue
		}
		return d.streamModeB(resp, model, cfg, out)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dispatch: mode B: endpoint list exhausted")
	}
	return lastErr
}

func isStatusErrorAs(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return false
	}
	*target = se
	return true
}

// tryEndpoint issues the streaming POST to one endpoint, applying the
// 400-retry-twice-with-backoff rule in place before giving up on this
// endpoint.
func (d *Dispatcher) tryEndpoint(ctx context.Context, client *http.Client, adapter *provider.CloudCodeAdapter, endpoint string, body []byte, creds credential.Credential, thinking bool, inner provider.InnerFamily) (*http.Response, error) {
	backoffs := []time.Duration{2 * time.Second, 4 * time.Second}
	attempt := 0

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:streamGenerateContent?alt=sse", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if err := adapter.ModifyRequest(ctx, req, creds); err != nil {
			return nil, err
		}
		if thinking && inner == provider.InnerClaude {
			req.Header.Set("anthropic-beta", provider.AnthropicBetaHeader)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err // connect failure: caller skips to next endpoint
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Provider:   string(adapter.Family()),
			Body:       string(raw),
		}

		if resp.StatusCode != http.StatusBadRequest || attempt >= len(backoffs) {
			return nil, statusErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffs[attempt]):
		}
		attempt++
	}
}

// streamModeB consumes the SSE body of one successful endpoint call,
// accumulating text/thought/functionCall parts and yielding cumulative
// partial snapshots, finishing with the terminal snapshot.
func (d *Dispatcher) streamModeB(resp *http.Response, model string, cfg ModelConfig, out chan<- LLMResponse) error {
	defer resp.Body.Close()

	var content, thinkingText strings.Builder
	var calls []ToolCall
	var usage *provider.CloudCodeUsage

	scanErr := provider.ScanSSE(resp.Body, func(data []byte) error {
		chunk, err := provider.ParseStreamChunk(data)
		if err != nil {
			return nil // tolerate malformed keep-alive frames
		}
		changed := false
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
			changed = true
		}
		if chunk.Thought != "" {
			thinkingText.WriteString(chunk.Thought)
		}
		if chunk.FunctionCall != nil {
			params := make(map[string]string)
			var asMap map[string]any
			if json.Unmarshal(chunk.FunctionCall.Args, &asMap) == nil {
				for k, v := range asMap {
					params[k] = fmt.Sprintf("%v", v)
				}
			}
			calls = append(calls, ToolCall{Name: chunk.FunctionCall.Name, Params: params})
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if changed {
			if d.tracer != nil && cfg.AgentID != "" {
				d.tracer.SetStreamingContent(cfg.AgentID, content.String())
			}
			out <- LLMResponse{Content: content.String(), Model: model}
		}
		return nil
	})
	if scanErr != nil {
		return fmt.Errorf("dispatch: mode B: reading stream: %w", scanErr)
	}

	if d.tracer != nil && cfg.AgentID != "" {
		d.tracer.ClearStreamingContent(cfg.AgentID)
	}

	var thinkingBlocks []ThinkingBlock
	if thinkingText.Len() > 0 {
		thinkingBlocks = []ThinkingBlock{{Text: thinkingText.String()}}
	}

	var turnUsage Usage
	if usage != nil {
		turnUsage = d.recordStats(cfg.AgentID, model, usage.InputTokens, usage.OutputTokens, usage.CachedTokens)
	}

	out <- LLMResponse{
		Content:        content.String(),
		Done:           true,
		ToolCalls:      calls,
		ThinkingBlocks: thinkingBlocks,
		Usage:          &turnUsage,
		Model:          model,
	}
	return nil
}
