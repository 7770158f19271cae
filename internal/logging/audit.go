package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT LOG
// =============================================================================
//
// The audit log is a single-line-JSON event stream capturing the run's
// decision points: starts and completions, scheduler rewires and bypasses,
// k-line recalls and replays, and stability adjustments. Unlike category
// logs it is written regardless of debug mode once initialized.

// EventType enumerates audited events.
type EventType string

const (
	EventRunStart        EventType = "run_start"
	EventRunComplete     EventType = "run_complete"
	EventNodeStart       EventType = "node_start"
	EventNodeComplete    EventType = "node_complete"
	EventNodeBypass      EventType = "node_bypass"
	EventDepRewire       EventType = "dep_rewire"
	EventClusterRecall   EventType = "cluster_recall"
	EventTraceReplay     EventType = "trace_replay"
	EventStability       EventType = "stability"
	EventBudgetExhausted EventType = "budget_exhausted"
)

// Event is one audit record.
type Event struct {
	TS      string                 `json:"ts"`
	Event   EventType              `json:"event"`
	RunID   string                 `json:"run_id,omitempty"`
	Node    string                 `json:"node,omitempty"`
	Sig     string                 `json:"sig,omitempty"`
	Success bool                   `json:"success"`
	DurMs   int64                  `json:"dur_ms,omitempty"`
	Detail  string                 `json:"detail,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger appends events to a single audit file.
type AuditLogger struct {
	mu       sync.Mutex
	file     *os.File
	maxChars int
}

var (
	auditLogger *AuditLogger
	auditMu     sync.RWMutex
)

// InitAudit opens (or creates) the audit log under the state directory.
// maxChars caps the Detail field; <= 0 means 2000.
func InitAudit(stateDir string, maxChars int) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if maxChars <= 0 {
		maxChars = 2000
	}
	path := filepath.Join(stateDir, "audit.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	auditMu.Lock()
	if auditLogger != nil && auditLogger.file != nil {
		auditLogger.file.Close()
	}
	auditLogger = &AuditLogger{file: file, maxChars: maxChars}
	auditMu.Unlock()
	return nil
}

// Audit returns the process audit logger; never nil. Before InitAudit it
// returns a no-op logger.
func Audit() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	if auditLogger == nil {
		return &AuditLogger{maxChars: 2000}
	}
	return auditLogger
}

func closeAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger != nil && auditLogger.file != nil {
		auditLogger.file.Close()
		auditLogger = nil
	}
}

// Log appends one event, filling the timestamp and truncating Detail.
func (a *AuditLogger) Log(ev Event) {
	if a == nil || a.file == nil {
		return
	}
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if a.maxChars > 0 && len(ev.Detail) > a.maxChars {
		ev.Detail = ev.Detail[:a.maxChars] + "...(truncated)"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.file.Write(append(data, '\n'))
}

// RunStart audits the beginning of a run.
func (a *AuditLogger) RunStart(runID, sig, query string) {
	a.Log(Event{Event: EventRunStart, RunID: runID, Sig: sig, Success: true, Detail: query})
}

// RunComplete audits the end of a run.
func (a *AuditLogger) RunComplete(runID string, success bool, dur time.Duration, detail string) {
	a.Log(Event{Event: EventRunComplete, RunID: runID, Success: success, DurMs: dur.Milliseconds(), Detail: detail})
}

// NodeStart audits a node task launch.
func (a *AuditLogger) NodeStart(runID, node string) {
	a.Log(Event{Event: EventNodeStart, RunID: runID, Node: node, Success: true})
}

// NodeComplete audits a node task finishing with the given status.
func (a *AuditLogger) NodeComplete(runID, node, status string, dur time.Duration) {
	a.Log(Event{
		Event: EventNodeComplete, RunID: runID, Node: node,
		Success: status == "ok", DurMs: dur.Milliseconds(), Detail: status,
	})
}

// NodeBypass audits a node being bypassed after repeated failure.
func (a *AuditLogger) NodeBypass(runID, node, reason string) {
	a.Log(Event{Event: EventNodeBypass, RunID: runID, Node: node, Detail: reason})
}

// DepRewire audits a successor's dependency list being rewritten.
func (a *AuditLogger) DepRewire(runID, node, detail string) {
	a.Log(Event{Event: EventDepRewire, RunID: runID, Node: node, Success: true, Detail: detail})
}

// ClusterRecall audits retrieval of linked k-line neighbors.
func (a *AuditLogger) ClusterRecall(runID, sig string, count int) {
	a.Log(Event{
		Event: EventClusterRecall, RunID: runID, Sig: sig, Success: true,
		Fields: map[string]interface{}{"neighbors": count},
	})
}

// TraceReplay audits a plan reconstructed from a stored k-line trace.
func (a *AuditLogger) TraceReplay(runID, sig string, nodes int) {
	a.Log(Event{
		Event: EventTraceReplay, RunID: runID, Sig: sig, Success: true,
		Fields: map[string]interface{}{"nodes": nodes},
	})
}

// Stability audits a stability-check tightening decision.
func (a *AuditLogger) Stability(runID string, energy, prev float64, tightened bool) {
	a.Log(Event{
		Event: EventStability, RunID: runID, Success: true,
		Fields: map[string]interface{}{"energy": energy, "prev": prev, "tightened": tightened},
	})
}

// BudgetExhausted audits the run-level token circuit breaker tripping.
func (a *AuditLogger) BudgetExhausted(runID, node string, used, max int) {
	a.Log(Event{
		Event: EventBudgetExhausted, RunID: runID, Node: node,
		Fields: map[string]interface{}{"used": used, "max": max},
	})
}
