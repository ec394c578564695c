package provider

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/improdead/esprit/credential"
)

// InnerFamily distinguishes the two model families Cloud-Code can
// route to; they're treated differently (snake_case vs camelCase
// thinking-config keys, VALIDATED tool-calling mode, the sandbox-only
// endpoint restriction).
type InnerFamily string

const (
	InnerClaude InnerFamily = "claude"
	InnerGemini InnerFamily = "gemini"
)

// thinkingBudget constants match the per-model reasoning token budgets.
const (
	claudeThinkingBudget = 32768
	claudeMaxOutputBump  = 16384
	geminiThinkingBudget = 16384
)

// CloudCodeEndpoints is the ordered host list tried for every dispatch,
// sandbox hosts first. Anthropic-family inner models skip the
// production host entirely.
type CloudCodeEndpoints struct {
	Host string // e.g. "googleapis.com", overridable for tests
}

func (e CloudCodeEndpoints) forFamily(inner InnerFamily) []string {
	// A host already carrying a scheme (local dev proxy, test server)
	// is used verbatim instead of being expanded into the sandbox/prod
	// host list.
	if strings.Contains(e.Host, "://") {
		return []string{strings.TrimSuffix(e.Host, "/")}
	}
	sandbox := []string{
		fmt.Sprintf("https://daily-cloudcode-pa.sandbox.%s", e.Host),
		fmt.Sprintf("https://autopush-cloudcode-pa.sandbox.%s", e.Host),
	}
	if inner == InnerClaude {
		return sandbox
	}
	return append(sandbox, fmt.Sprintf("https://cloudcode-pa.%s", e.Host))
}

// CloudCodeAdapter implements the Adapter interface for ModeCloudCodeEnvelope.
type CloudCodeAdapter struct {
	httpClient *http.Client
	endpoints  CloudCodeEndpoints
	tokenURL   string
	clientID   string
}

// NewCloudCodeAdapter returns the Google family adapter. host defaults
// to "googleapis.com" when empty.
func NewCloudCodeAdapter(client *http.Client, host, tokenURL, clientID string) *CloudCodeAdapter {
	if host == "" {
		host = "googleapis.com"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &CloudCodeAdapter{
		httpClient: client,
		endpoints:  CloudCodeEndpoints{Host: host},
		tokenURL:   tokenURL,
		clientID:   clientID,
	}
}

func (a *CloudCodeAdapter) Family() Family      { return FamilyGoogle }
func (a *CloudCodeAdapter) Mode() Mode          { return ModeCloudCodeEnvelope }
func (a *CloudCodeAdapter) BaseURL() string     { return "" } // Mode B uses Endpoints instead
func (a *CloudCodeAdapter) SupportsVision() bool { return true }

func (a *CloudCodeAdapter) SupportsModel(bare string) bool {
	return containsAny(bare, "gemini") || a.InnerFamilyFor(bare) == InnerClaude
}

// InnerFamilyFor reports which inner model family a bare model name
// routes to through Cloud-Code (Claude models are also served through
// this envelope).
func (a *CloudCodeAdapter) InnerFamilyFor(bare string) InnerFamily {
	if containsAny(bare, "claude") {
		return InnerClaude
	}
	return InnerGemini
}

// Endpoints returns the ordered endpoint list for one inner family.
func (a *CloudCodeAdapter) Endpoints(inner InnerFamily) []string {
	return a.endpoints.forFamily(inner)
}

// ModifyRequest sets the Authorization/Content-Type/Accept headers and
// client-identification metadata common to every Cloud-Code call. The
// beta thinking header (when applicable) is added by the caller since
// it depends on per-request thinking configuration, not the credential.
func (a *CloudCodeAdapter) ModifyRequest(ctx context.Context, req *http.Request, creds credential.Credential) error {
	if creds.AccessToken == "" {
		return fmt.Errorf("provider: google: no access token on credential")
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", "esprit-cloudcode/1.0")
	req.Header.Set("X-Goog-Api-Client", "esprit/1.0 gl-go/cloudcode")
	meta, _ := json.Marshal(map[string]string{"ideType": "IDE_UNSPECIFIED", "platform": "PLATFORM_UNSPECIFIED", "pluginType": "GEMINI"})
	req.Header.Set("Client-Metadata", string(meta))
	return nil
}

func (a *CloudCodeAdapter) RefreshToken(ctx context.Context, creds credential.Credential) (credential.Credential, error) {
	delegate := &OAuthAdapter{family: FamilyGoogle, tokenURL: a.tokenURL, clientID: a.clientID, httpClient: a.httpClient}
	return delegate.RefreshToken(ctx, creds)
}

// --- discovery ---

// Discover POSTs to the loadCodeAssist endpoint to obtain the
// project id persisted into credentials.extra["project_id"].
func (a *CloudCodeAdapter) Discover(ctx context.Context, creds credential.Credential) (string, error) {
	endpoints := a.Endpoints(InnerGemini)
	var lastErr error
	for _, ep := range endpoints {
		url := ep + "/v1internal:loadCodeAssist"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(`{}`)))
		if err != nil {
			return "", err
		}
		if err := a.ModifyRequest(ctx, req, creds); err != nil {
			return "", err
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			continue
		}
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("provider: google: discovery failed (%d): %s", resp.StatusCode, string(raw))
			continue
		}
		var out struct {
			CloudaicompanionProject string `json:"cloudaicompanionProject"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("provider: google: malformed discovery response: %w", err)
		}
		return out.CloudaicompanionProject, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("provider: google: discovery exhausted endpoint list")
	}
	return "", lastErr
}

// --- envelope construction ---

// Envelope is the top-level Cloud-Code request wrapper.
type Envelope struct {
	Project     string          `json:"project"`
	Model       string          `json:"model"`
	Request     EnvelopeRequest `json:"request"`
	RequestType string          `json:"requestType"`
	UserAgent   string          `json:"userAgent"`
	RequestID   string          `json:"requestId"`
}

// EnvelopeRequest is the inner `request` object.
type EnvelopeRequest struct {
	Contents          []EnvelopeContent `json:"contents"`
	SystemInstruction *EnvelopeContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  GenerationConfig  `json:"generationConfig"`
	Tools             []FunctionTools   `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
}

// EnvelopeContent is one turn: a role plus a list of parts.
type EnvelopeContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []EnvelopePart `json:"parts"`
}

// EnvelopePart is a discriminated-by-field-presence content part.
type EnvelopePart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
	FunctionCall     *EnvelopeFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *EnvelopeFuncResp `json:"functionResponse,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type EnvelopeFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	ID   string          `json:"id,omitempty"`
}

type EnvelopeFuncResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
	ID       string          `json:"id,omitempty"`
}

// GenerationConfig is the request's generationConfig block.
type GenerationConfig struct {
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	ThinkingConfig  json.RawMessage `json:"thinkingConfig,omitempty"`
}

// FunctionTools wraps a set of function declarations as one tool entry.
type FunctionTools struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration is one Cloud-Code tool declaration (sanitized schema).
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolConfig carries functionCallingConfig.mode="VALIDATED" for
// Anthropic-family inner models.
type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

type FunctionCallingConfig struct {
	Mode string `json:"mode"`
}

// EnvelopeOpts configures one BuildEnvelope call.
type EnvelopeOpts struct {
	ProjectID       string
	Thinking        bool
	Inner           InnerFamily
	MaxOutputTokens *int
	Temperature     *float64
	TopP            *float64
}

// BuildEnvelope converts an OpenAI-style ChatRequest into the
// Cloud-Code envelope.
func BuildEnvelope(req *ChatRequest, opts EnvelopeOpts) (Envelope, error) {
	var contents []EnvelopeContent
	var systemParts []EnvelopePart
	var firstUserText string

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, EnvelopePart{Text: contentText(m.Content)})
		case "user":
			parts, err := toEnvelopeParts(m.Content)
			if err != nil {
				return Envelope{}, err
			}
			if firstUserText == "" {
				firstUserText = contentText(m.Content)
			}
			contents = append(contents, EnvelopeContent{Role: "user", Parts: parts})
		case "assistant":
			parts, err := toEnvelopeParts(m.Content)
			if err != nil {
				return Envelope{}, err
			}
			for _, tc := range m.ToolCalls {
				var args json.RawMessage
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, EnvelopePart{FunctionCall: &EnvelopeFuncCall{Name: tc.Function.Name, Args: args, ID: tc.ID}})
			}
			contents = append(contents, EnvelopeContent{Role: "model", Parts: parts})
		case "tool":
			resp := json.RawMessage(fmt.Sprintf(`{"output":%q}`, contentText(m.Content)))
			contents = append(contents, EnvelopeContent{
				Role:  "user",
				Parts: []EnvelopePart{{FunctionResponse: &EnvelopeFuncResp{Name: m.Name, Response: resp, ID: m.ToolCallID}}},
			})
		}
	}

	gen := GenerationConfig{Temperature: opts.Temperature, TopP: opts.TopP}
	maxTokens := req.MaxTokens
	if opts.MaxOutputTokens != nil {
		maxTokens = opts.MaxOutputTokens
	}
	if opts.Thinking {
		budget := geminiThinkingBudget
		var cfg map[string]any
		if opts.Inner == InnerClaude {
			budget = claudeThinkingBudget
			cfg = map[string]any{"thinking_type": "enabled", "thinking_budget_tokens": budget}
			bumped := budget + claudeMaxOutputBump
			if maxTokens == nil || *maxTokens < bumped {
				maxTokens = &bumped
			}
		} else {
			cfg = map[string]any{"thinkingType": "enabled", "thinkingBudget": budget}
		}
		raw, _ := json.Marshal(cfg)
		gen.ThinkingConfig = raw
	}
	gen.MaxOutputTokens = maxTokens

	var tools []FunctionTools
	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			if t.Type != "function" {
				continue
			}
			decls = append(decls, FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  SanitizeSchema(t.Function.Parameters),
			})
		}
		tools = []FunctionTools{{FunctionDeclarations: decls}}
	}

	var toolConfig *ToolConfig
	if opts.Inner == InnerClaude && len(tools) > 0 {
		toolConfig = &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: "VALIDATED"}}
	}

	var sysInstr *EnvelopeContent
	if len(systemParts) > 0 {
		sysInstr = &EnvelopeContent{Role: "user", Parts: systemParts}
	}

	sum := sha256.Sum256([]byte(firstUserText))
	sessionID := hex.EncodeToString(sum[:])[:32]

	return Envelope{
		Project: opts.ProjectID,
		Model:   req.Model,
		Request: EnvelopeRequest{
			Contents:          contents,
			SystemInstruction: sysInstr,
			GenerationConfig:  gen,
			Tools:             tools,
			ToolConfig:        toolConfig,
			SessionID:         sessionID,
		},
		RequestType: "agent",
		UserAgent:   "antigravity",
		RequestID:   "agent-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}, nil
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []ContentPart:
		var sb strings.Builder
		for _, p := range c {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func toEnvelopeParts(content any) ([]EnvelopePart, error) {
	switch c := content.(type) {
	case string:
		return []EnvelopePart{{Text: c}}, nil
	case []ContentPart:
		parts := make([]EnvelopePart, 0, len(c))
		for _, p := range c {
			switch p.Type {
			case "text":
				parts = append(parts, EnvelopePart{Text: p.Text})
			case "image_url":
				if p.ImageURL != nil {
					parts = append(parts, EnvelopePart{FileData: &FileData{MimeType: "image/png", FileURI: p.ImageURL.URL}})
				}
			}
		}
		return parts, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("provider: google: unsupported message content type %T", content)
	}
}

// AnthropicBetaHeader is the beta header added when thinking is
// enabled and the inner family is Claude.
const AnthropicBetaHeader = "interleaved-thinking-2025-05-14"

// --- SSE response parsing ---

// StreamChunk is one parsed Cloud-Code SSE `data:` payload.
type StreamChunk struct {
	Text         string
	Thought      string
	FunctionCall *EnvelopeFuncCall
	Usage        *CloudCodeUsage
	FinishReason string
}

// CloudCodeUsage is usageMetadata split.
type CloudCodeUsage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}

// finishReasonMap maps Cloud-Code finish reasons to the OpenAI-style
// vocabulary the dispatch core's terminal LLMResponse carries.
var finishReasonMap = map[string]string{
	"STOP":       "end_turn",
	"MAX_TOKENS": "max_tokens",
	"TOOL_USE":   "tool_use",
}

type rawChunk struct {
	Response *rawCandidates `json:"response"`
	// some server builds omit the "response" wrapper entirely
	Candidates   []rawCandidate `json:"candidates"`
	UsageMeta    *rawUsage      `json:"usageMetadata"`
}

type rawCandidates struct {
	Candidates []rawCandidate `json:"candidates"`
	UsageMeta  *rawUsage      `json:"usageMetadata"`
}

type rawCandidate struct {
	Content      rawContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type rawContent struct {
	Parts []rawPart `json:"parts"`
}

type rawPart struct {
	Text         string          `json:"text"`
	Thought      bool            `json:"thought"`
	FunctionCall *rawFuncCall    `json:"functionCall"`
}

type rawFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	ID   string          `json:"id"`
}

type rawUsage struct {
	PromptTokenCount       int64 `json:"promptTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
	CandidatesTokenCount   int64 `json:"candidatesTokenCount"`
}

// ParseStreamChunk parses one `data:` JSON payload:
// traverse to (response ?? self).candidates[0].content.parts.
func ParseStreamChunk(data []byte) (StreamChunk, error) {
	var rc rawChunk
	if err := json.Unmarshal(data, &rc); err != nil {
		return StreamChunk{}, fmt.Errorf("provider: google: malformed SSE chunk: %w", err)
	}

	candidates := rc.Candidates
	usage := rc.UsageMeta
	if rc.Response != nil {
		candidates = rc.Response.Candidates
		usage = rc.Response.UsageMeta
	}

	var out StreamChunk
	if len(candidates) > 0 {
		cand := candidates[0]
		if mapped, ok := finishReasonMap[cand.FinishReason]; ok {
			out.FinishReason = mapped
		}
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				out.FunctionCall = &EnvelopeFuncCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args, ID: p.FunctionCall.ID}
			case p.Thought:
				out.Thought += p.Text
			default:
				out.Text += p.Text
			}
		}
	}
	if usage != nil {
		out.Usage = &CloudCodeUsage{
			InputTokens:  usage.PromptTokenCount - usage.CachedContentTokenCount,
			OutputTokens: usage.CandidatesTokenCount,
			CachedTokens: usage.CachedContentTokenCount,
		}
	}
	return out, nil
}

// ScanSSE reads "data: {json}\n\n"-delimited events from r, invoking fn
// for each non-empty data payload. It stops at EOF or when fn returns
// an error (propagated to the caller), matching the SSE framing every
// ModeCloudCodeEnvelope and ModeChatCompletions stream uses.
func ScanSSE(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		if err := fn([]byte(payload)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
