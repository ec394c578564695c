// Package dispatch implements the dispatch and stream core: it
// turns a conversation and model configuration into a streamed,
// cumulative sequence of LLMResponse snapshots, handling account
// rotation, retries, and model fallback along the way.
package dispatch

import (
	"context"
	"time"

	"github.com/improdead/esprit/provider"
)

// Message is one turn of the caller-supplied conversation history.
type Message = provider.ChatMessage

// ToolCall is a tool invocation parsed out of an assistant's content,
// or accumulated from a provider's native tool-call stream parts.
type ToolCall struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params"`
}

// ThinkingBlock is one reasoning/thought segment accumulated during a
// Mode B Cloud-Code stream.
type ThinkingBlock struct {
	Text string `json:"text"`
}

// LLMResponse is one snapshot yielded by a dispatch call: partial
// snapshots carry only cumulative Content; the terminal snapshot also
// carries ToolCalls, ThinkingBlocks, and Usage.
type LLMResponse struct {
	Content        string          `json:"content"`
	Done           bool            `json:"done"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ThinkingBlocks []ThinkingBlock `json:"thinking_blocks,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	Model          string          `json:"model,omitempty"`
	Err            error           `json:"-"`
}

// Usage is the token-accounting block computed for a completed turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
	Cost         float64
}

// Compressor condenses a conversation history ahead of a dispatch. The
// implementation lives in the agent runtime's memory layer; the dispatch
// core only invokes it and reflects the in-progress compaction in the
// tracer so the dashboard can show it.
type Compressor interface {
	Compress(ctx context.Context, history []Message) ([]Message, error)
}

// ModelConfig is the per-dispatch configuration a caller supplies.
type ModelConfig struct {
	Model           string
	SystemPrompt    string
	AgentIdentity   string // optional metadata-only identity block, appended as a user message
	MaxTokens       int
	Temperature     *float64
	TopP            *float64
	Tools           []provider.Tool
	ReasoningEffort string // explicit override; empty defers to config precedence
	ScanModeQuick   bool   // selects "medium" reasoning effort when ReasoningEffort is empty
	Thinking        bool
	AgentID         string // tracer correlation id for stats/streaming-buffer writes

	// Compressor, when non-nil, condenses the conversation history
	// before the first attempt. The agent's compacting flag is set in
	// the tracer for the duration of the call.
	Compressor Compressor

	// FallbackChain is the capability-ordered (high -> low) list of
	// model identifiers (provider-prefixed or bare) tried on a
	// non-retryable Mode B error.
	FallbackChain []string

	Timeout time.Duration
}

// reasoningEffort resolves the precedence rule:
// explicit override > "medium" in quick-scan mode > "high".
func (c ModelConfig) reasoningEffort() string {
	if c.ReasoningEffort != "" {
		return c.ReasoningEffort
	}
	if c.ScanModeQuick {
		return "medium"
	}
	return "high"
}
