package provider

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildEnvelopeBasicTurn(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-2.5-pro",
		Messages: []ChatMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
	}
	env, err := BuildEnvelope(req, EnvelopeOpts{ProjectID: "proj-1", Inner: InnerGemini})
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if env.Project != "proj-1" {
		t.Errorf("Project = %q, want %q", env.Project, "proj-1")
	}
	if env.Request.SystemInstruction == nil || len(env.Request.SystemInstruction.Parts) != 1 || env.Request.SystemInstruction.Parts[0].Text != "be terse" {
		t.Errorf("unexpected system instruction: %+v", env.Request.SystemInstruction)
	}
	if len(env.Request.Contents) != 1 || env.Request.Contents[0].Role != "user" || env.Request.Contents[0].Parts[0].Text != "hello" {
		t.Errorf("unexpected contents: %+v", env.Request.Contents)
	}
	if !strings.HasPrefix(env.RequestID, "agent-") || len(env.RequestID) != len("agent-")+12 {
		t.Errorf("unexpected RequestID %q", env.RequestID)
	}
	if len(env.Request.SessionID) != 32 {
		t.Errorf("expected a 32-char sessionId, got %q", env.Request.SessionID)
	}
}

func TestBuildEnvelopeSessionIDIsStableForSameFirstUserMessage(t *testing.T) {
	req := &ChatRequest{Model: "gemini-2.5-pro", Messages: []ChatMessage{{Role: "user", Content: "same prompt"}}}
	a, err := BuildEnvelope(req, EnvelopeOpts{Inner: InnerGemini})
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildEnvelope(req, EnvelopeOpts{Inner: InnerGemini})
	if err != nil {
		t.Fatal(err)
	}
	if a.Request.SessionID != b.Request.SessionID {
		t.Errorf("expected a deterministic sessionId for the same first user message, got %q vs %q", a.Request.SessionID, b.Request.SessionID)
	}
}

func TestBuildEnvelopeThinkingClaudeUsesSnakeCaseAndBumpsMaxTokens(t *testing.T) {
	req := &ChatRequest{Model: "claude-sonnet", Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	env, err := BuildEnvelope(req, EnvelopeOpts{Inner: InnerClaude, Thinking: true})
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(env.Request.GenerationConfig.ThinkingConfig, &cfg); err != nil {
		t.Fatalf("unmarshal thinkingConfig: %v", err)
	}
	if cfg["thinking_type"] != "enabled" {
		t.Errorf("expected snake_case thinking_type for Claude inner family, got %+v", cfg)
	}
	if _, ok := cfg["thinking_budget_tokens"]; !ok {
		t.Errorf("expected thinking_budget_tokens key, got %+v", cfg)
	}
	want := claudeThinkingBudget + claudeMaxOutputBump
	if env.Request.GenerationConfig.MaxOutputTokens == nil || *env.Request.GenerationConfig.MaxOutputTokens != want {
		t.Errorf("expected bumped MaxOutputTokens %d, got %v", want, env.Request.GenerationConfig.MaxOutputTokens)
	}
}

func TestBuildEnvelopeThinkingGeminiUsesCamelCase(t *testing.T) {
	req := &ChatRequest{Model: "gemini-2.5-pro", Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	env, err := BuildEnvelope(req, EnvelopeOpts{Inner: InnerGemini, Thinking: true})
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(env.Request.GenerationConfig.ThinkingConfig, &cfg); err != nil {
		t.Fatalf("unmarshal thinkingConfig: %v", err)
	}
	if cfg["thinkingType"] != "enabled" {
		t.Errorf("expected camelCase thinkingType for Gemini inner family, got %+v", cfg)
	}
	if _, ok := cfg["thinkingBudget"]; !ok {
		t.Errorf("expected thinkingBudget key, got %+v", cfg)
	}
}

func TestBuildEnvelopeToolConfigValidatedOnlyForClaudeWithTools(t *testing.T) {
	toolReq := &ChatRequest{
		Model:    "claude-sonnet",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []Tool{{Type: "function", Function: Function{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}}},
	}

	claude, err := BuildEnvelope(toolReq, EnvelopeOpts{Inner: InnerClaude})
	if err != nil {
		t.Fatal(err)
	}
	if claude.Request.ToolConfig == nil || claude.Request.ToolConfig.FunctionCallingConfig.Mode != "VALIDATED" {
		t.Errorf("expected VALIDATED tool config for Claude inner family with tools, got %+v", claude.Request.ToolConfig)
	}

	gemini, err := BuildEnvelope(toolReq, EnvelopeOpts{Inner: InnerGemini})
	if err != nil {
		t.Fatal(err)
	}
	if gemini.Request.ToolConfig != nil {
		t.Errorf("expected no tool config for Gemini inner family, got %+v", gemini.Request.ToolConfig)
	}

	noToolsReq := &ChatRequest{Model: "claude-sonnet", Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	noTools, err := BuildEnvelope(noToolsReq, EnvelopeOpts{Inner: InnerClaude})
	if err != nil {
		t.Fatal(err)
	}
	if noTools.Request.ToolConfig != nil {
		t.Errorf("expected no tool config when no tools are declared, got %+v", noTools.Request.ToolConfig)
	}
}

func TestBuildEnvelopeAssistantToolCallsBecomeFunctionCallParts(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-2.5-pro",
		Messages: []ChatMessage{
			{Role: "user", Content: "what's the weather"},
			{
				Role: "assistant",
				ToolCalls: []ToolCall{
					{ID: "call-1", Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"nyc"}`}},
				},
			},
			{Role: "tool", Name: "get_weather", ToolCallID: "call-1", Content: "72F and sunny"},
		},
	}
	env, err := BuildEnvelope(req, EnvelopeOpts{Inner: InnerGemini})
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Request.Contents) != 3 {
		t.Fatalf("expected 3 contents turns, got %d", len(env.Request.Contents))
	}
	assistantTurn := env.Request.Contents[1]
	if assistantTurn.Role != "model" {
		t.Errorf("expected assistant turn role %q, got %q", "model", assistantTurn.Role)
	}
	if len(assistantTurn.Parts) != 1 || assistantTurn.Parts[0].FunctionCall == nil || assistantTurn.Parts[0].FunctionCall.Name != "get_weather" {
		t.Errorf("unexpected assistant parts: %+v", assistantTurn.Parts)
	}
	toolTurn := env.Request.Contents[2]
	if toolTurn.Role != "user" || len(toolTurn.Parts) != 1 || toolTurn.Parts[0].FunctionResponse == nil || toolTurn.Parts[0].FunctionResponse.Name != "get_weather" {
		t.Errorf("unexpected tool response turn: %+v", toolTurn)
	}
}
