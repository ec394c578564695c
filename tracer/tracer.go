// Package tracer holds the run-wide mutable state shared between the
// dispatch core (writer) and the telemetry fan-out (reader).
package tracer

import (
	"sync"
	"time"
)

// AgentRecord is one tracked agent instance.
type AgentRecord struct {
	ID        string
	Name      string
	Task      string
	Status    string
	ParentID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolExecution is one recorded tool invocation.
type ToolExecution struct {
	ExecutionID int
	AgentID     string
	ToolName    string
	Status      string
	Timestamp   time.Time
	CompletedAt *time.Time
	Args        map[string]any
	// Result is either a string or a map[string]any; a "screenshot" key,
	// when present in a map result, is stripped by the telemetry views.
	Result any
}

// ChatMessage is one entry in the run's transcript.
type ChatMessage struct {
	Role    string
	Content string
	AgentID string
	At      time.Time
}

// VulnerabilityReport is an opaque finding payload; the dispatch layer
// does not interpret its contents, only carries it.
type VulnerabilityReport map[string]any

// RequestStats is the per-dispatch token/cost accumulator.
type RequestStats struct {
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	Cost            float64
	Requests        int64
	LastInputTokens int64
}

// Add merges a completed turn's stats into the accumulator. Every
// field is monotonically non-decreasing except LastInputTokens, which
// mirrors the most recent turn.
func (s *RequestStats) Add(turn RequestStats) {
	s.InputTokens += turn.InputTokens
	s.OutputTokens += turn.OutputTokens
	s.CachedTokens += turn.CachedTokens
	s.Cost += turn.Cost
	s.Requests += turn.Requests
	s.LastInputTokens = turn.LastInputTokens
}

// Tracer is the single-writer-per-field, many-reader shared state.
// All access goes through methods; there is no raw field access, so
// the fan-out can never observe a torn struct.
type Tracer struct {
	mu sync.RWMutex

	agents           map[string]*AgentRecord
	compactingAgents map[string]bool

	toolExecutions map[int]*ToolExecution
	nextExecID     int

	chatMessages []ChatMessage
	vulns        []VulnerabilityReport

	streamingContent  map[string]string
	latestScreenshots map[string]int // agent_id -> exec_id

	statsByAgent map[string]*RequestStats

	runMetadata map[string]any
	scanConfig  map[string]any
	finalReport any

	runName   string
	runID     string
	startTime time.Time
	endTime   time.Time
}

// New returns an empty Tracer for one run.
func New(runID, runName string) *Tracer {
	return &Tracer{
		agents:            make(map[string]*AgentRecord),
		compactingAgents:  make(map[string]bool),
		toolExecutions:    make(map[int]*ToolExecution),
		streamingContent:  make(map[string]string),
		latestScreenshots: make(map[string]int),
		statsByAgent:      make(map[string]*RequestStats),
		runMetadata:       make(map[string]any),
		runID:             runID,
		runName:           runName,
		startTime:         time.Now().UTC(),
	}
}

// RegisterAgent adds or updates an agent record.
func (t *Tracer) RegisterAgent(a AgentRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a.UpdatedAt = time.Now().UTC()
	if a.CreatedAt.IsZero() {
		if existing, ok := t.agents[a.ID]; ok {
			a.CreatedAt = existing.CreatedAt
		} else {
			a.CreatedAt = a.UpdatedAt
		}
	}
	t.agents[a.ID] = &a
}

// SetAgentStatus updates only the status field of an existing agent.
func (t *Tracer) SetAgentStatus(agentID, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.agents[agentID]; ok {
		a.Status = status
		a.UpdatedAt = time.Now().UTC()
	}
}

// SetCompacting marks or clears an agent's memory-compaction flag.
// The dispatch core sets this while the external memory compressor
// runs so the dashboard can reflect it.
func (t *Tracer) SetCompacting(agentID string, compacting bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if compacting {
		t.compactingAgents[agentID] = true
	} else {
		delete(t.compactingAgents, agentID)
	}
}

// AppendChatMessage appends one message to the transcript.
func (t *Tracer) AppendChatMessage(m ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	t.chatMessages = append(t.chatMessages, m)
}

// StartToolExecution records the start of a tool call and returns its
// execution id.
func (t *Tracer) StartToolExecution(agentID, toolName string, args map[string]any) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextExecID++
	id := t.nextExecID
	t.toolExecutions[id] = &ToolExecution{
		ExecutionID: id,
		AgentID:     agentID,
		ToolName:    toolName,
		Status:      "running",
		Timestamp:   time.Now().UTC(),
		Args:        args,
	}
	return id
}

// CompleteToolExecution records the result of a previously started tool
// call.
func (t *Tracer) CompleteToolExecution(execID int, status string, result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.toolExecutions[execID]; ok {
		now := time.Now().UTC()
		e.Status = status
		e.Result = result
		e.CompletedAt = &now
		if resMap, ok := result.(map[string]any); ok {
			if _, hasShot := resMap["screenshot"]; hasShot {
				t.latestScreenshots[e.AgentID] = execID
			}
		}
	}
}

// AddVulnerability appends a finding to the run's report list.
func (t *Tracer) AddVulnerability(v VulnerabilityReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vulns = append(t.vulns, v)
}

// SetStreamingContent updates the live partial-response buffer for one
// agent. The dispatch core calls this on every partial LLMResponse snapshot.
func (t *Tracer) SetStreamingContent(agentID, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamingContent[agentID] = content
}

// ClearStreamingContent removes an agent's live buffer once its turn
// is complete.
func (t *Tracer) ClearStreamingContent(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streamingContent, agentID)
}

// AddStats merges one completed turn's token/cost counters into an
// agent's running totals.
func (t *Tracer) AddStats(agentID string, turn RequestStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statsByAgent[agentID]
	if !ok {
		s = &RequestStats{}
		t.statsByAgent[agentID] = s
	}
	s.Add(turn)
}

// SetScanConfig records the run's scan configuration (opaque to the
// dispatch core).
func (t *Tracer) SetScanConfig(cfg map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanConfig = cfg
}

// SetFinalReport latches the run's terminal report.
func (t *Tracer) SetFinalReport(report any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalReport = report
	t.endTime = time.Now().UTC()
}

// SetRunMetadata sets one key in the run metadata map (e.g. "model",
// "status").
func (t *Tracer) SetRunMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runMetadata[key] = value
}

// --- read-side snapshots, safe to call concurrently with writers ---

// Snapshot is an immutable, lock-free copy of everything the fan-out
// and stats computation need for one poll tick.
type Snapshot struct {
	Agents            map[string]AgentRecord
	CompactingAgents  map[string]bool
	ToolExecutions    map[int]ToolExecution
	ChatMessages      []ChatMessage
	Vulns             []VulnerabilityReport
	StreamingContent  map[string]string
	LatestScreenshots map[string]int
	StatsByAgent      map[string]RequestStats
	RunMetadata       map[string]any
	ScanConfig        map[string]any
	FinalReport       any
	RunName           string
	RunID             string
	StartTime         time.Time
	EndTime           time.Time
}

// Snapshot takes a consistent read-locked copy of the tracer state.
func (t *Tracer) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agents := make(map[string]AgentRecord, len(t.agents))
	for k, v := range t.agents {
		agents[k] = *v
	}
	compacting := make(map[string]bool, len(t.compactingAgents))
	for k, v := range t.compactingAgents {
		compacting[k] = v
	}
	tools := make(map[int]ToolExecution, len(t.toolExecutions))
	for k, v := range t.toolExecutions {
		tools[k] = *v
	}
	streaming := make(map[string]string, len(t.streamingContent))
	for k, v := range t.streamingContent {
		streaming[k] = v
	}
	screenshots := make(map[string]int, len(t.latestScreenshots))
	for k, v := range t.latestScreenshots {
		screenshots[k] = v
	}
	stats := make(map[string]RequestStats, len(t.statsByAgent))
	for k, v := range t.statsByAgent {
		stats[k] = *v
	}
	meta := make(map[string]any, len(t.runMetadata))
	for k, v := range t.runMetadata {
		meta[k] = v
	}

	return Snapshot{
		Agents:            agents,
		CompactingAgents:  compacting,
		ToolExecutions:    tools,
		ChatMessages:      append([]ChatMessage(nil), t.chatMessages...),
		Vulns:             append([]VulnerabilityReport(nil), t.vulns...),
		StreamingContent:  streaming,
		LatestScreenshots: screenshots,
		StatsByAgent:      stats,
		RunMetadata:       meta,
		ScanConfig:        t.scanConfig,
		FinalReport:       t.finalReport,
		RunName:           t.runName,
		RunID:             t.runID,
		StartTime:         t.startTime,
		EndTime:           t.endTime,
	}
}

// AgentToolCount returns how many tool executions belong to an agent.
func (s Snapshot) AgentToolCount(agentID string) int {
	n := 0
	for _, e := range s.ToolExecutions {
		if e.AgentID == agentID {
			n++
		}
	}
	return n
}

// TotalStats aggregates per-agent stats across the whole run.
func (s Snapshot) TotalStats() RequestStats {
	var total RequestStats
	for _, s := range s.StatsByAgent {
		total.InputTokens += s.InputTokens
		total.OutputTokens += s.OutputTokens
		total.CachedTokens += s.CachedTokens
		total.Cost += s.Cost
		total.Requests += s.Requests
		if s.LastInputTokens > total.LastInputTokens {
			total.LastInputTokens = s.LastInputTokens
		}
	}
	return total
}
