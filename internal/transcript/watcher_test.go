package transcript

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/event"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return NewWatcher("codex", filepath.Join(dir, "sessions"), filepath.Join(dir, "events.jsonl"), log)
}

func TestThreadIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{
			"/root/.codex/sessions/2026/08/26/rollout-2026-08-26T10-00-00-0199a213-81ef-7474-ac3c-74cd629ccd71.jsonl",
			"0199a213-81ef-7474-ac3c-74cd629ccd71",
		},
		{"/tmp/no-uuid-here.jsonl", "no-uuid-here"},
	}
	for _, tc := range cases {
		if got := threadIDFromPath(tc.path); got != tc.want {
			t.Errorf("threadIDFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestParseRecordSessionMeta(t *testing.T) {
	w := newTestWatcher(t)
	st := &fileState{threadID: "thread-1"}

	line := `{"timestamp":"2026-08-26T10:00:00Z","type":"session_meta","payload":{"id":"thread-1","cwd":"/home/me/proj"}}`
	ev := w.parseRecord(st, line)
	if ev == nil {
		t.Fatal("expected an event")
	}
	if ev.Type != event.KindSessionStart {
		t.Errorf("expected session_start, got %s", ev.Type)
	}
	if ev.CWD != "/home/me/proj" {
		t.Errorf("expected cwd captured, got %q", ev.CWD)
	}
	if ev.AgentSessionID != "thread-1" {
		t.Errorf("expected thread id, got %q", ev.AgentSessionID)
	}
	if ev.Agent != "codex" {
		t.Errorf("expected agent codex, got %q", ev.Agent)
	}

	// The cwd sticks for later records of the same thread.
	line = `{"timestamp":"2026-08-26T10:00:05Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"hello"}]}}`
	ev = w.parseRecord(st, line)
	if ev == nil {
		t.Fatal("expected an event")
	}
	if ev.CWD != "/home/me/proj" {
		t.Errorf("expected remembered cwd, got %q", ev.CWD)
	}
}

func TestParseRecordMessages(t *testing.T) {
	w := newTestWatcher(t)
	st := &fileState{threadID: "thread-1"}

	ev := w.parseRecord(st, `{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"run tests"}]}}`)
	if ev == nil || ev.Type != event.KindUserPromptSubmit {
		t.Fatalf("expected user_prompt_submit, got %+v", ev)
	}
	if ev.Prompt != "run tests" {
		t.Errorf("expected prompt text, got %q", ev.Prompt)
	}

	ev = w.parseRecord(st, `{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"all green"}]}}`)
	if ev == nil || ev.Type != event.KindStop {
		t.Fatalf("expected stop, got %+v", ev)
	}
	if ev.AssistantText != "all green" {
		t.Errorf("expected assistant text, got %q", ev.AssistantText)
	}
}

func TestParseRecordToolCalls(t *testing.T) {
	w := newTestWatcher(t)
	st := &fileState{threadID: "thread-1"}

	ev := w.parseRecord(st, `{"type":"response_item","payload":{"type":"function_call","name":"shell","arguments":{"command":["ls"]},"call_id":"call-1"}}`)
	if ev == nil || ev.Type != event.KindPreToolUse {
		t.Fatalf("expected pre_tool_use, got %+v", ev)
	}
	if ev.Tool != "shell" || ev.ToolUseID != "call-1" {
		t.Errorf("unexpected tool fields: %q %q", ev.Tool, ev.ToolUseID)
	}

	ev = w.parseRecord(st, `{"type":"response_item","payload":{"type":"function_call_output","call_id":"call-1","output":"ok"}}`)
	if ev == nil || ev.Type != event.KindPostToolUse {
		t.Fatalf("expected post_tool_use, got %+v", ev)
	}
	if ev.ToolUseID != "call-1" {
		t.Errorf("expected call id carried, got %q", ev.ToolUseID)
	}
}

func TestParseRecordIgnoresNoise(t *testing.T) {
	w := newTestWatcher(t)
	st := &fileState{threadID: "thread-1"}

	for _, line := range []string{
		`{"type":"turn_context","payload":{}}`,
		`{"type":"response_item","payload":{"type":"reasoning"}}`,
		`not json at all`,
	} {
		if ev := w.parseRecord(st, line); ev != nil {
			t.Errorf("line %q: expected nil, got %+v", line, ev)
		}
	}
}

func TestFlattenContent(t *testing.T) {
	if got := flattenContent(json.RawMessage(`"plain"`)); got != "plain" {
		t.Errorf("plain string: got %q", got)
	}
	if got := flattenContent(json.RawMessage(`[{"type":"input_text","text":"a"},{"type":"input_text","text":"b"}]`)); got != "a\nb" {
		t.Errorf("parts: got %q", got)
	}
	if got := flattenContent(nil); got != "" {
		t.Errorf("empty: got %q", got)
	}
}
