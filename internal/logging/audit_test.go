package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAuditWritesSingleLineJSON(t *testing.T) {
	dir := t.TempDir()
	if err := InitAudit(dir, 500); err != nil {
		t.Fatalf("InitAudit failed: %v", err)
	}
	defer closeAudit()

	a := Audit()
	a.RunStart("ab12cd34", "deadbeefdeadbeef", "what is 2+2?")
	a.NodeBypass("ab12cd34", "analysis", "solver failed twice")
	a.Stability("ab12cd34", 1.2, 1.1, true)

	f, err := os.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("audit file missing: %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Event != EventRunStart || events[0].Sig != "deadbeefdeadbeef" {
		t.Errorf("run_start event = %+v", events[0])
	}
	if events[1].Event != EventNodeBypass || events[1].Node != "analysis" {
		t.Errorf("node_bypass event = %+v", events[1])
	}
	if events[2].Fields["tightened"] != true {
		t.Errorf("stability fields = %+v", events[2].Fields)
	}
}

func TestAuditTruncatesDetail(t *testing.T) {
	dir := t.TempDir()
	if err := InitAudit(dir, 50); err != nil {
		t.Fatalf("InitAudit failed: %v", err)
	}
	defer closeAudit()

	Audit().Log(Event{Event: EventRunComplete, Detail: strings.Repeat("x", 300)})

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var ev Event
	if err := json.Unmarshal(data[:len(data)-1], &ev); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(ev.Detail, "...(truncated)") || len(ev.Detail) > 70 {
		t.Errorf("detail not truncated: %d chars", len(ev.Detail))
	}
}

func TestAuditNoopBeforeInit(t *testing.T) {
	closeAudit()
	// Must not panic.
	Audit().NodeComplete("run", "node", "ok", time.Millisecond)
}

func TestCategoryLoggerNoopWithoutDebug(t *testing.T) {
	if err := Initialize(t.TempDir(), false, "info"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	l := Get(CategoryExecutor)
	l.Info("goes nowhere")
	if l.logger != nil {
		t.Error("expected no-op logger when debug disabled")
	}
}

func TestCategoryLoggerWritesInDebug(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, true, "debug"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Get(CategoryPlanner).Info("compiled %d nodes", 3)

	matches, _ := filepath.Glob(filepath.Join(dir, "logs", "*_planner.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one planner log file, got %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "compiled 3 nodes") {
		t.Errorf("log content = %q", data)
	}
}
