package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/improdead/esprit/observability"
	"github.com/improdead/esprit/pricing"
	"github.com/improdead/esprit/tracer"
)

// AgentView is the serialized shape of one tracked agent sent to
// dashboard clients, keyed the same way the tracer keys its per-agent
// state.
type AgentView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Task         string `json:"task"`
	Status       string `json:"status"`
	ParentID     string `json:"parent_id,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	HasScreenshot bool   `json:"has_screenshot"`
	ToolCount    int    `json:"tool_count"`
	Compacting   bool   `json:"compacting"`
}

// ToolExecutionView is the serialized, screenshot-stripped shape of one
// tool invocation record.
type ToolExecutionView struct {
	ExecutionID   int    `json:"execution_id"`
	AgentID       string `json:"agent_id"`
	ToolName      string `json:"tool_name"`
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	CompletedAt   string `json:"completed_at,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
	HasScreenshot bool   `json:"has_screenshot"`
}

const resultSummaryClip = 500

func viewAgents(s tracer.Snapshot) []AgentView {
	out := make([]AgentView, 0, len(s.Agents))
	for id, a := range s.Agents {
		_, hasShot := s.LatestScreenshots[id]
		out = append(out, AgentView{
			ID:            a.ID,
			Name:          a.Name,
			Task:          a.Task,
			Status:        a.Status,
			ParentID:      a.ParentID,
			CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:     a.UpdatedAt.UTC().Format(time.RFC3339),
			HasScreenshot: hasShot,
			ToolCount:     s.AgentToolCount(id),
			Compacting:    s.CompactingAgents[id],
		})
	}
	return out
}

// viewTools converts a slice of executions (already selected by the
// caller, e.g. "only those past the last-seen count") into the
// screenshot-stripped, clipped wire shape.
func viewTools(execs []tracer.ToolExecution) []ToolExecutionView {
	out := make([]ToolExecutionView, 0, len(execs))
	for _, e := range execs {
		v := ToolExecutionView{
			ExecutionID: e.ExecutionID,
			AgentID:     e.AgentID,
			ToolName:    e.ToolName,
			Status:      e.Status,
			Timestamp:   e.Timestamp.UTC().Format(time.RFC3339),
			Args:        e.Args,
		}
		if e.CompletedAt != nil {
			v.CompletedAt = e.CompletedAt.UTC().Format(time.RFC3339)
		}
		switch r := e.Result.(type) {
		case string:
			v.ResultSummary = clip(r)
		case map[string]any:
			if _, ok := r["screenshot"]; ok {
				v.HasScreenshot = true
			}
			if msg, ok := r["summary"].(string); ok {
				v.ResultSummary = clip(msg)
			}
		}
		out = append(out, v)
	}
	return out
}

func clip(s string) string {
	if len(s) <= resultSummaryClip {
		return s
	}
	return s[:resultSummaryClip]
}

// toolExecutionsSorted returns every recorded execution ordered by
// execution id, so "new executions past an offset" is a
// simple slice operation.
func toolExecutionsSorted(s tracer.Snapshot) []tracer.ToolExecution {
	out := make([]tracer.ToolExecution, 0, len(s.ToolExecutions))
	for _, e := range s.ToolExecutions {
		out = append(out, e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ExecutionID > out[j].ExecutionID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Delta is one field's change, batched with others from the same tick
// into a delta_batch frame.
type Delta struct {
	Field   string `json:"field"`
	Payload any    `json:"payload"`
}

// FullStateFrame is sent to a client immediately on subscription.
type FullStateFrame struct {
	Type             string              `json:"type"`
	Agents           []AgentView         `json:"agents"`
	ToolExecutions   []ToolExecutionView `json:"tool_executions"`
	ChatMessages     []tracer.ChatMessage `json:"chat_messages"`
	Vulnerabilities  []tracer.VulnerabilityReport `json:"vulnerabilities"`
	StreamingContent map[string]string   `json:"streaming_content"`
	ScreenshotAgents []string            `json:"screenshot_agents"`
	Stats            StatsView           `json:"stats"`
	ScanConfig       map[string]any      `json:"scan_config,omitempty"`
	FinalReport      any                 `json:"final_report,omitempty"`
	Timestamp        string              `json:"timestamp"`
}

// DeltaBatchFrame batches every delta observed in one poll tick.
type DeltaBatchFrame struct {
	Type   string  `json:"type"`
	Deltas []Delta `json:"deltas"`
}

// HeartbeatFrame is sent when a subscriber has been idle past the
// configured heartbeat interval.
type HeartbeatFrame struct {
	Type string `json:"type"`
}

// subscriber is one connected dashboard client.
type subscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// ID returns the subscriber's handle, the value to pass to
// (*Hub).Unsubscribe once its connection is done.
func (s *subscriber) ID() string { return s.id }

func (s *subscriber) write(ctx context.Context, data []byte) error {
	select {
	case s.send <- data:
		return nil
	default:
		// Slow/dead consumer: drop instead of blocking the broadcaster.
		return errFull
	}
}

var errFull = &hubError{"subscriber send buffer full"}

type hubError struct{ msg string }

func (e *hubError) Error() string { return e.msg }

// lastState is the fan-out's previous-tick snapshot, used for
// field-by-field diffing.
type lastState struct {
	agentsKey      string // serialized id+status per agent, for cheap equality
	toolCount      int
	chatCount      int
	vulnCount      int
	streamingHash  string
	screenshots    map[string]int
	statsHash      string
	scanConfigHash string
	finalReportSent bool
}

// Hub is the telemetry fan-out: it owns the tracer reference, the previous-tick diff
// state, and the set of connected subscribers.
type Hub struct {
	tr       *tracer.Tracer
	cat      *pricing.Catalog
	interval time.Duration
	heartbeat time.Duration
	logger   zerolog.Logger
	model    string
	metrics  *observability.Metrics

	mu   sync.Mutex
	subs map[string]*subscriber
	last lastState
}

// NewHub builds a fan-out Hub. model is used only to resolve the
// context-limit field of the stats view (telemetry.ComputeStats).
// metrics may be nil; when set, every tick reports its subscriber
// count and delta count to the Prometheus registry.
func NewHub(tr *tracer.Tracer, cat *pricing.Catalog, interval, heartbeat time.Duration, model string, metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		tr:        tr,
		cat:       cat,
		interval:  interval,
		heartbeat: heartbeat,
		model:     model,
		metrics:   metrics,
		logger:    logger.With().Str("component", "telemetry").Logger(),
		subs:      make(map[string]*subscriber),
	}
}

// Run starts the poll loop, ticking every interval while at least one
// client is subscribed. Returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.subscriberCount() == 0 {
				continue
			}
			h.tick()
		}
	}
}

func (h *Hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscribe registers ws as a new subscriber, sends it a full_state
// frame, and returns a handle that must be released with Unsubscribe.
// The caller (the router's /ws upgrade handler) owns the
// connection's read loop; Subscribe only sets up the write side.
func (h *Hub) Subscribe(ctx context.Context, conn *websocket.Conn) (*subscriber, error) {
	id := randID()
	sub := &subscriber{id: id, conn: conn, send: make(chan []byte, 32)}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	full := h.buildFullState()
	data, err := json.Marshal(full)
	if err != nil {
		h.Unsubscribe(id)
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.Unsubscribe(id)
		return nil, err
	}
	// A client joining mid-run should not replay deltas for state it
	// just received in full_state; seed `last` from the current
	// snapshot the first time a subscriber joins an idle hub.
	h.mu.Lock()
	if len(h.subs) == 1 {
		h.last = h.snapshotToLastState(h.tr.Snapshot())
	}
	h.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes a client; any further broadcast calls silently
// skip it.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.send)
		}
		sub.mu.Unlock()
		delete(h.subs, id)
	}
}

// WriteLoop drains a subscriber's send channel onto its websocket
// connection, and emits a heartbeat frame after h.heartbeat of
// inactivity. It returns when the channel is closed or ctx is done.
func (h *Hub) WriteLoop(ctx context.Context, sub *subscriber) error {
	hb, _ := json.Marshal(HeartbeatFrame{Type: "heartbeat"})
	timer := time.NewTimer(h.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.send:
			if !ok {
				return nil
			}
			if err := sub.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(h.heartbeat)
		case <-timer.C:
			if err := sub.conn.Write(ctx, websocket.MessageText, hb); err != nil {
				return err
			}
			timer.Reset(h.heartbeat)
		}
	}
}

// buildFullState assembles the frame sent to a newly subscribed
// client: every agent, every tool execution (screenshots stripped),
// every chat message, every vulnerability, the full streaming map, the
// list of agents with a screenshot, the stats snapshot, the scan
// config, the final report (if any), and a UTC timestamp.
func (h *Hub) buildFullState() FullStateFrame {
	s := h.tr.Snapshot()
	screenshotAgents := make([]string, 0, len(s.LatestScreenshots))
	for agentID := range s.LatestScreenshots {
		screenshotAgents = append(screenshotAgents, agentID)
	}
	elapsed := s.EndTime.Sub(s.StartTime)
	if s.EndTime.IsZero() {
		elapsed = time.Since(s.StartTime)
	}
	return FullStateFrame{
		Type:             "full_state",
		Agents:           viewAgents(s),
		ToolExecutions:   viewTools(toolExecutionsSorted(s)),
		ChatMessages:     s.ChatMessages,
		Vulnerabilities:  s.Vulns,
		StreamingContent: s.StreamingContent,
		ScreenshotAgents: screenshotAgents,
		Stats:            ComputeStats(s.TotalStats(), elapsed, h.model, h.cat),
		ScanConfig:       s.ScanConfig,
		FinalReport:      s.FinalReport,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}

// computeDeltas diffs one snapshot against the previous tick's
// lastState and returns the fixed-order delta list plus the
// new lastState to carry into the next tick. Pure function, no locking
// or I/O, so it is directly unit-testable.
func computeDeltas(s tracer.Snapshot, prev lastState, model string, cat *pricing.Catalog) ([]Delta, lastState) {
	var deltas []Delta

	agentsKey := agentsDiffKey(s)
	if agentsKey != prev.agentsKey {
		deltas = append(deltas, Delta{Field: "agents", Payload: viewAgents(s)})
	}

	sortedTools := toolExecutionsSorted(s)
	if len(sortedTools) > prev.toolCount {
		deltas = append(deltas, Delta{Field: "tool_executions", Payload: viewTools(sortedTools[prev.toolCount:])})
	}

	if len(s.ChatMessages) > prev.chatCount {
		deltas = append(deltas, Delta{Field: "chat_messages", Payload: s.ChatMessages[prev.chatCount:]})
	}

	if len(s.Vulns) > prev.vulnCount {
		deltas = append(deltas, Delta{Field: "vulnerabilities", Payload: s.Vulns[prev.vulnCount:]})
	}

	streamingHash := hashStreaming(s.StreamingContent)
	if streamingHash != prev.streamingHash {
		deltas = append(deltas, Delta{Field: "streaming_content", Payload: s.StreamingContent})
	}

	for agentID, execID := range s.LatestScreenshots {
		if prevExec, ok := prev.screenshots[agentID]; !ok || prevExec != execID {
			deltas = append(deltas, Delta{Field: "screenshot_update", Payload: map[string]string{"agent_id": agentID}})
		}
	}

	elapsed := time.Since(s.StartTime)
	if !s.EndTime.IsZero() {
		elapsed = s.EndTime.Sub(s.StartTime)
	}
	statsView := ComputeStats(s.TotalStats(), elapsed, model, cat)
	statsHash := hashJSON(statsView)
	if statsHash != prev.statsHash {
		deltas = append(deltas, Delta{Field: "stats", Payload: statsView})
	}

	scanHash := hashJSON(s.ScanConfig)
	if s.ScanConfig != nil && scanHash != prev.scanConfigHash {
		deltas = append(deltas, Delta{Field: "scan_config", Payload: s.ScanConfig})
	}

	if s.FinalReport != nil && !prev.finalReportSent {
		deltas = append(deltas, Delta{Field: "final_report", Payload: s.FinalReport})
	}

	next := lastState{
		agentsKey:       agentsKey,
		toolCount:       len(sortedTools),
		chatCount:       len(s.ChatMessages),
		vulnCount:       len(s.Vulns),
		streamingHash:   streamingHash,
		screenshots:     copyIntMap(s.LatestScreenshots),
		statsHash:       statsHash,
		scanConfigHash:  scanHash,
		finalReportSent: prev.finalReportSent || s.FinalReport != nil,
	}
	return deltas, next
}

// tick runs one poll: snapshot, diff against h.last, and broadcast a
// single delta_batch frame if anything changed. Idempotent when
// nothing changed.
func (h *Hub) tick() {
	s := h.tr.Snapshot()

	h.mu.Lock()
	prev := h.last
	h.mu.Unlock()

	deltas, next := computeDeltas(s, prev, h.model, h.cat)

	h.mu.Lock()
	h.last = next
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.TrackFanOutTick(h.subscriberCount(), len(deltas))
	}

	if len(deltas) == 0 {
		return
	}
	h.broadcast(DeltaBatchFrame{Type: "delta_batch", Deltas: deltas})
}

func (h *Hub) broadcast(frame DeltaBatchFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal delta_batch failed")
		return
	}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if err := sub.write(context.Background(), data); err != nil {
			h.logger.Warn().Str("subscriber", sub.id).Msg("dropping slow or dead subscriber")
			h.Unsubscribe(sub.id)
		}
	}
}

func (h *Hub) snapshotToLastState(s tracer.Snapshot) lastState {
	elapsed := time.Since(s.StartTime)
	if !s.EndTime.IsZero() {
		elapsed = s.EndTime.Sub(s.StartTime)
	}
	return lastState{
		agentsKey:       agentsDiffKey(s),
		toolCount:       len(s.ToolExecutions),
		chatCount:       len(s.ChatMessages),
		vulnCount:       len(s.Vulns),
		streamingHash:   hashStreaming(s.StreamingContent),
		screenshots:     copyIntMap(s.LatestScreenshots),
		statsHash:       hashJSON(ComputeStats(s.TotalStats(), elapsed, h.model, h.cat)),
		scanConfigHash:  hashJSON(s.ScanConfig),
		finalReportSent: s.FinalReport != nil,
	}
}

// agentsDiffKey cheaply detects "count changes or any status changes"
// by combining every agent's id and status into one string,
// order-independent via sorted concatenation.
func agentsDiffKey(s tracer.Snapshot) string {
	parts := make([]string, 0, len(s.Agents))
	for id, a := range s.Agents {
		parts = append(parts, id+":"+a.Status+":"+boolStr(s.CompactingAgents[id]))
	}
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && parts[j-1] > parts[j]; j-- {
			parts[j-1], parts[j] = parts[j], parts[j-1]
		}
	}
	out := ""
	for _, p := range parts {
		out += p + "|"
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func hashStreaming(m map[string]string) string {
	return hashJSON(m)
}

func hashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func randID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
