// Package provider implements the per-provider-family adapters:
// authorization, OAuth/PKCE token refresh, and request transformation
// for each provider family the dispatch core can target.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/improdead/esprit/credential"
)

// Family is a provider family id, e.g. "anthropic", "openai", "google".
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
	FamilyGoogle    Family = "google"
	FamilyCopilot   Family = "github-copilot"
)

// ErrNoRefresh is returned by RefreshToken when a credential carries no
// refresh token (API keys, or OAuth credentials issued without one).
var ErrNoRefresh = fmt.Errorf("provider: credential has no refresh token")

// Mode distinguishes the two dispatch execution modes.
type Mode int

const (
	// ModeChatCompletions is the standard streaming chat-completions
	// surface: one POST, stream=true, SSE deltas (Mode A).
	ModeChatCompletions Mode = iota
	// ModeCloudCodeEnvelope wraps messages in the Cloud-Code envelope and
	// streams from the ordered endpoint list (Mode B).
	ModeCloudCodeEnvelope
)

// Adapter is the per-provider-family contract. Every adapter
// exposes the capability set the dispatch core needs: which execution
// mode it uses, how to authorize an outbound request, and how to
// refresh an expired OAuth credential.
type Adapter interface {
	// Family returns this adapter's provider family id.
	Family() Family

	// Mode reports which of the dispatch core's two execution modes this adapter uses.
	Mode() Mode

	// SupportsModel reports whether this adapter serves the given bare
	// (provider-prefix-stripped) model name.
	SupportsModel(bareModel string) bool

	// BaseURL returns the provider's chat-completions endpoint for
	// ModeChatCompletions adapters. Unused by ModeCloudCodeEnvelope
	// adapters, which consult an ordered endpoint list instead.
	BaseURL() string

	// ModifyRequest injects the Authorization header (and any
	// provider-specific headers) for the given credential, and may
	// rewrite req.URL to a provider-specific endpoint.
	ModifyRequest(ctx context.Context, req *http.Request, creds credential.Credential) error

	// RefreshToken exchanges a stored refresh token for a new access
	// token, returning ErrNoRefresh when the credential cannot refresh.
	RefreshToken(ctx context.Context, creds credential.Credential) (credential.Credential, error)

	// SupportsVision reports whether the family accepts image content
	// parts; the dispatch core strips images down to text placeholders when false.
	SupportsVision() bool
}

// Registry maps family ids to their registered Adapter, and supports
// resolving a model identifier to the adapter that should serve it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Family]Adapter
	order    []Family // registration order, returned by List
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Family]Adapter)}
}

// Register adds (or replaces) an adapter under its family id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Family()]; !exists {
		r.order = append(r.order, a.Family())
	}
	r.adapters[a.Family()] = a
}

// Get returns the adapter registered for a family, if any.
func (r *Registry) Get(f Family) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[f]
	return a, ok
}

// List returns every registered family, in registration order.
func (r *Registry) List() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Family, len(r.order))
	copy(out, r.order)
	return out
}

// ModelIdentifier splits a model string of the form "<provider>/<bare>"
// into its provider prefix (empty if absent) and bare name.
func ModelIdentifier(model string) (providerPrefix, bare string) {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	return "", model
}

// namePatterns are substring heuristics used when a model carries no
// explicit "<provider>/" prefix, tried in the order declared below.
var namePatterns = map[Family][]string{
	FamilyAnthropic: {"claude"},
	FamilyOpenAI:    {"gpt", "o1", "o3", "o4", "codex", "davinci"},
	FamilyGoogle:    {"gemini"},
	FamilyCopilot:   {"copilot"},
}

// prefixAliases maps an explicit "<provider>/" prefix to a family id for
// prefixes that don't spell the family name verbatim.
var prefixAliases = map[string]Family{
	"anthropic": FamilyAnthropic,
	"claude":    FamilyAnthropic,
	"openai":    FamilyOpenAI,
	"codex":     FamilyOpenAI,
	"google":    FamilyGoogle,
	"gemini":    FamilyGoogle,
	"copilot":   FamilyCopilot,
}

// ResolveFamily resolves a model identifier to a provider family:
// explicit "<provider>/" prefix, then name heuristics, then (via
// hasCreds) whichever provider currently has stored credentials.
func ResolveFamily(model string, hasCreds func(Family) bool) (Family, bool) {
	prefix, bare := ModelIdentifier(model)
	if prefix != "" {
		if f, ok := prefixAliases[strings.ToLower(prefix)]; ok {
			return f, true
		}
	}

	lower := strings.ToLower(bare)
	for _, f := range []Family{FamilyAnthropic, FamilyOpenAI, FamilyGoogle, FamilyCopilot} {
		for _, pat := range namePatterns[f] {
			if strings.Contains(lower, pat) {
				return f, true
			}
		}
	}

	if hasCreds != nil {
		for _, f := range []Family{FamilyAnthropic, FamilyOpenAI, FamilyGoogle, FamilyCopilot} {
			if hasCreds(f) {
				return f, true
			}
		}
	}
	return "", false
}

// --- OpenAI-compatible chat-completions wire types, shared by every
// ModeChatCompletions adapter and by the Cloud-Code envelope converter.

// ChatMessage is one OpenAI-style conversation turn.
type ChatMessage struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"` // string or []ContentPart
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multi-part message content array.
type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline or remote image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// Tool is an OpenAI-style function tool definition.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function is the function schema nested inside a Tool.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is one tool invocation attached to an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its (stringified JSON)
// arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the OpenAI-compatible chat-completions request body
// the dispatch core builds and every ModeChatCompletions adapter sends as-is.
type ChatRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	TopP           *float64      `json:"top_p,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
	StreamOptions  *StreamOpts   `json:"stream_options,omitempty"`
	Tools          []Tool        `json:"tools,omitempty"`
	ToolChoice     interface{}   `json:"tool_choice,omitempty"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`
}

// StreamOpts requests a trailing usage chunk from the SSE stream.
type StreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

// Usage is the token-accounting block OpenAI-compatible providers send
// on the final streamed chunk.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens     int                 `json:"completion_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails carries the cache-read subset of prompt tokens.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}
