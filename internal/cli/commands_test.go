package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out != "fireredbot "+version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestStatusWithoutState(t *testing.T) {
	isolate(t)

	out, err := runRootCommand(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No state yet") {
		t.Fatalf("expected no-state hint, got:\n%s", out)
	}
}

func TestStatusReadsCounters(t *testing.T) {
	home := isolate(t)
	stateDir := filepath.Join(home, ".fireredbot", "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("mkdir state: %v", err)
	}
	writeFile(t, filepath.Join(stateDir, "counters.json"), `{"current_step": 42, "last_summary_step": 40, "last_criticism_step": 40}`)
	writeFile(t, filepath.Join(stateDir, "memory.json"), `{"rival": "named Gary"}`)

	out, err := runRootCommand(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "Step:      42 (last summary 40, last critique 40)") {
		t.Fatalf("expected step counters, got:\n%s", out)
	}
	if !strings.Contains(out, "Memory:    1 entries") {
		t.Fatalf("expected memory count, got:\n%s", out)
	}
}

func TestRecoverStripsDanglingToolCall(t *testing.T) {
	home := isolate(t)
	stateDir := filepath.Join(home, ".fireredbot", "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("mkdir state: %v", err)
	}
	logPath := filepath.Join(stateDir, "conversation.jsonl")
	writeFile(t, logPath,
		`{"kind":"user","content":[{"type":"text","text":"Step 0."}]}`+"\n"+
			`{"kind":"tool_call","call_id":"call_1","tool_name":"execute_actions","arguments":"{}"}`+"\n")

	out, err := runRootCommand(t, "recover")
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if !strings.Contains(out, "corrupt tail turns removed: 1") {
		t.Fatalf("expected stripped tail report, got:\n%s", out)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "call_1") {
		t.Fatalf("dangling tool call still persisted:\n%s", data)
	}

	out, err = runRootCommand(t, "recover")
	if err != nil {
		t.Fatalf("second recover failed: %v", err)
	}
	if !strings.Contains(out, "conversation is healthy") {
		t.Fatalf("expected healthy report after repair, got:\n%s", out)
	}
}

func TestEventsEmptyTimeline(t *testing.T) {
	isolate(t)

	out, err := runRootCommand(t, "events", "--type", "error_message")
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if !strings.Contains(out, "No events recorded.") {
		t.Fatalf("expected empty timeline message, got:\n%s", out)
	}

	out, err = runRootCommand(t, "events", "usage")
	if err != nil {
		t.Fatalf("events usage failed: %v", err)
	}
	if !strings.Contains(out, "Today: 0 tokens") {
		t.Fatalf("expected zero usage, got:\n%s", out)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
