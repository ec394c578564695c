package telemetry

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/improdead/esprit/pricing"
	"github.com/improdead/esprit/tracer"
)

func TestComputeDeltasIdempotentWhenUnchanged(t *testing.T) {
	tr := tracer.New("run-1", "test run")
	tr.RegisterAgent(tracer.AgentRecord{ID: "a1", Name: "scanner", Status: "running"})

	cat := pricing.NewCatalog()
	s := tr.Snapshot()
	deltas, state := computeDeltas(s, lastState{}, "gpt-5", cat)
	if len(deltas) == 0 {
		t.Fatal("expected deltas on first tick from empty lastState")
	}

	deltas2, _ := computeDeltas(s, state, "gpt-5", cat)
	if len(deltas2) != 0 {
		t.Errorf("second tick with no tracer change emitted %d deltas, want 0", len(deltas2))
	}
}

func TestComputeDeltasOrderingFixed(t *testing.T) {
	tr := tracer.New("run-1", "test run")
	tr.RegisterAgent(tracer.AgentRecord{ID: "a1", Status: "running"})
	tr.StartToolExecution("a1", "terminal", map[string]any{"cmd": "ls"})
	tr.AppendChatMessage(tracer.ChatMessage{Role: "user", Content: "hi"})
	tr.AddVulnerability(tracer.VulnerabilityReport{"title": "xss"})
	tr.SetStreamingContent("a1", "partial")
	tr.AddStats("a1", tracer.RequestStats{InputTokens: 10, OutputTokens: 5, Requests: 1})
	tr.SetScanConfig(map[string]any{"target": "example.com"})

	s := tr.Snapshot()
	cat := pricing.NewCatalog()
	deltas, _ := computeDeltas(s, lastState{}, "gpt-5", cat)

	wantOrder := []string{"agents", "tool_executions", "chat_messages", "vulnerabilities", "streaming_content", "stats", "scan_config"}
	if len(deltas) != len(wantOrder) {
		t.Fatalf("got %d deltas, want %d: %+v", len(deltas), len(wantOrder), deltas)
	}
	for i, w := range wantOrder {
		if deltas[i].Field != w {
			t.Errorf("delta[%d].Field = %q, want %q", i, deltas[i].Field, w)
		}
	}
}

func TestComputeDeltasToolOffset(t *testing.T) {
	tr := tracer.New("run-1", "test")
	tr.RegisterAgent(tracer.AgentRecord{ID: "a1", Status: "running"})
	id1 := tr.StartToolExecution("a1", "terminal", nil)
	tr.CompleteToolExecution(id1, "done", "first result")

	cat := pricing.NewCatalog()
	_, state := computeDeltas(tr.Snapshot(), lastState{}, "gpt-5", cat)

	tr.StartToolExecution("a1", "browser", nil)
	deltas, _ := computeDeltas(tr.Snapshot(), state, "gpt-5", cat)

	var toolDelta *Delta
	for i := range deltas {
		if deltas[i].Field == "tool_executions" {
			toolDelta = &deltas[i]
		}
	}
	if toolDelta == nil {
		t.Fatal("expected a tool_executions delta for the new execution")
	}
	views, ok := toolDelta.Payload.([]ToolExecutionView)
	if !ok || len(views) != 1 {
		t.Fatalf("expected exactly 1 new tool execution in the delta, got %v", toolDelta.Payload)
	}
	if views[0].ToolName != "browser" {
		t.Errorf("new tool execution = %q, want browser (only post-offset entries)", views[0].ToolName)
	}
}

func TestComputeDeltasFinalReportLatches(t *testing.T) {
	tr := tracer.New("run-1", "test")
	cat := pricing.NewCatalog()

	tr.SetFinalReport(map[string]any{"status": "complete"})
	deltas, state := computeDeltas(tr.Snapshot(), lastState{}, "", cat)
	if !hasField(deltas, "final_report") {
		t.Fatal("expected final_report delta on first tick after SetFinalReport")
	}

	deltas2, _ := computeDeltas(tr.Snapshot(), state, "", cat)
	if hasField(deltas2, "final_report") {
		t.Error("final_report delta re-sent on a later tick; should latch once sent")
	}
}

func TestComputeDeltasScreenshotUpdateNoPayload(t *testing.T) {
	tr := tracer.New("run-1", "test")
	tr.RegisterAgent(tracer.AgentRecord{ID: "a1", Status: "running"})
	id := tr.StartToolExecution("a1", "browser", nil)
	tr.CompleteToolExecution(id, "done", map[string]any{"screenshot": "base64data"})

	cat := pricing.NewCatalog()
	deltas, _ := computeDeltas(tr.Snapshot(), lastState{}, "", cat)

	var shotDelta *Delta
	for i := range deltas {
		if deltas[i].Field == "screenshot_update" {
			shotDelta = &deltas[i]
		}
	}
	if shotDelta == nil {
		t.Fatal("expected a screenshot_update delta")
	}
	payload, ok := shotDelta.Payload.(map[string]string)
	if !ok || payload["agent_id"] != "a1" {
		t.Errorf("screenshot_update payload = %v, want agent_id only, no screenshot bytes", shotDelta.Payload)
	}
}

func TestFullStateFrameCounts(t *testing.T) {
	tr := tracer.New("run-1", "test")
	for _, id := range []string{"a1", "a2", "a3"} {
		tr.RegisterAgent(tracer.AgentRecord{ID: id, Status: "running"})
	}
	for i := 0; i < 3; i++ {
		execID := tr.StartToolExecution("a1", "terminal", nil)
		tr.CompleteToolExecution(execID, "done", "plain result")
	}
	shotExec := tr.StartToolExecution("a2", "browser", nil)
	tr.CompleteToolExecution(shotExec, "done", map[string]any{"screenshot": "base64data", "summary": "page loaded"})
	tr.AppendChatMessage(tracer.ChatMessage{Role: "user", Content: "scan"})
	tr.AppendChatMessage(tracer.ChatMessage{Role: "assistant", Content: "on it"})

	h := NewHub(tr, pricing.NewCatalog(), 0, 0, "gpt-5", nil, zerolog.Nop())
	frame := h.buildFullState()

	if frame.Type != "full_state" {
		t.Errorf("frame type = %q, want full_state", frame.Type)
	}
	if len(frame.Agents) != 3 {
		t.Errorf("agents = %d, want 3", len(frame.Agents))
	}
	if len(frame.ToolExecutions) != 4 {
		t.Errorf("tool executions = %d, want 4", len(frame.ToolExecutions))
	}
	if len(frame.ChatMessages) != 2 {
		t.Errorf("chat messages = %d, want 2", len(frame.ChatMessages))
	}
	for _, v := range frame.ToolExecutions {
		if v.ResultSummary == "base64data" {
			t.Error("screenshot bytes leaked into a tool payload")
		}
		if v.ExecutionID == shotExec {
			if !v.HasScreenshot {
				t.Error("expected HasScreenshot on the screenshot-bearing execution")
			}
			if v.ResultSummary != "page loaded" {
				t.Errorf("summary = %q, want page loaded", v.ResultSummary)
			}
		}
	}
	if len(frame.ScreenshotAgents) != 1 || frame.ScreenshotAgents[0] != "a2" {
		t.Errorf("screenshot_agents = %v, want [a2]", frame.ScreenshotAgents)
	}
	if frame.Timestamp == "" {
		t.Error("expected a UTC timestamp on the full_state frame")
	}
}

func hasField(deltas []Delta, field string) bool {
	for _, d := range deltas {
		if d.Field == field {
			return true
		}
	}
	return false
}
