package ingest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/event"
	"github.com/sploithunter/cin/internal/session"
)

func newTestWorker(t *testing.T) (*Worker, *session.Registry) {
	t.Helper()
	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	store := session.NewStore(filepath.Join(dir, "sessions.json"), log)
	metaStore := session.NewMetadataStore(filepath.Join(dir, "metadata.json"), log)
	reg := session.NewRegistry(store, metaStore, session.DefaultAdapters(), nil, log)
	proc := event.NewProcessor(false, log)
	return New(proc, reg, nil, 100, log), reg
}

func hookLine(id, kind, agentSessionID string, ts int64, extra string) string {
	return fmt.Sprintf(`{"id":%q,"hook_event_name":%q,"session_id":%q,"cwd":"/tmp","ts":%d%s}`,
		id, kind, agentSessionID, ts, extra)
}

func TestIngestCreatesSessionAndAppliesEvent(t *testing.T) {
	w, reg := newTestWorker(t)
	now := event.NowMillis()

	w.Ingest(hookLine("ev-1", "PreToolUse", "agent-1", now, `,"tool_name":"Bash"`))

	views := reg.List()
	if len(views) != 1 {
		t.Fatalf("expected 1 session, got %d", len(views))
	}
	if views[0].Status != session.StatusWorking {
		t.Errorf("expected working, got %s", views[0].Status)
	}
	if views[0].CurrentTool != "Bash" {
		t.Errorf("expected Bash, got %q", views[0].CurrentTool)
	}
	if w.Count() != 1 {
		t.Errorf("expected 1 retained event, got %d", w.Count())
	}
}

// Events the transcript watcher appends to the log arrive already
// normalized; they must route and create sessions like raw hook lines do.
func TestIngestNormalizedTranscriptLine(t *testing.T) {
	w, reg := newTestWorker(t)

	ev := &event.Event{
		ID:             "ev-1",
		Type:           event.KindStop,
		Timestamp:      event.NowMillis(),
		AgentSessionID: "thread-1",
		Agent:          "codex",
		CWD:            "/home/me/proj",
		AssistantText:  "all green",
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	w.Ingest(string(data))

	views := reg.List()
	if len(views) != 1 {
		t.Fatalf("expected the normalized event to create a session, got %d", len(views))
	}
	if views[0].Agent != "codex" {
		t.Errorf("expected agent codex, got %q", views[0].Agent)
	}
	if views[0].AgentSessionID != "thread-1" {
		t.Errorf("expected thread id bound, got %q", views[0].AgentSessionID)
	}
	if views[0].Status != session.StatusWaiting {
		t.Errorf("expected waiting after stop, got %s", views[0].Status)
	}

	events := w.History(0, nil)
	if len(events) != 1 || events[0].AssistantText != "all green" {
		t.Errorf("expected assistant text retained, got %+v", events)
	}
}

func TestIngestCapturesTerminalDescriptor(t *testing.T) {
	w, reg := newTestWorker(t)
	now := event.NowMillis()

	w.Ingest(hookLine("ev-1", "SessionStart", "agent-1", now, `,"tmux_pane":"%7","tty":"/dev/ttys004"`))

	views := reg.List()
	if len(views) != 1 {
		t.Fatalf("expected 1 session, got %d", len(views))
	}
	if views[0].Terminal == nil {
		t.Fatal("expected the pane descriptor captured on creation")
	}
	if views[0].Terminal.PaneID != "%7" || views[0].Terminal.TTY != "/dev/ttys004" {
		t.Errorf("unexpected descriptor: %+v", views[0].Terminal)
	}

	// A later hook with a fresh descriptor updates the session in place.
	w.Ingest(hookLine("ev-2", "UserPromptSubmit", "agent-1", now, `,"tmux_pane":"%9"`))
	v, _ := reg.Get(views[0].ID)
	if v.Terminal == nil || v.Terminal.PaneID != "%9" {
		t.Errorf("expected refreshed pane id %%9, got %+v", v.Terminal)
	}
}

func TestIngestDedupByID(t *testing.T) {
	w, _ := newTestWorker(t)
	now := event.NowMillis()

	w.Ingest(hookLine("ev-1", "UserPromptSubmit", "agent-1", now, ""))
	w.Ingest(hookLine("ev-1", "UserPromptSubmit", "agent-1", now, ""))

	if w.Count() != 1 {
		t.Errorf("duplicate id must be ignored, got %d events", w.Count())
	}
}

func TestIngestDurationEnrichment(t *testing.T) {
	w, _ := newTestWorker(t)
	now := event.NowMillis()

	w.Ingest(hookLine("ev-1", "PreToolUse", "agent-1", now-1500, `,"tool_name":"Bash","tool_use_id":"tu-1"`))
	w.Ingest(hookLine("ev-2", "PostToolUse", "agent-1", now, `,"tool_name":"Bash","tool_use_id":"tu-1"`))

	events := w.History(0, nil)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	post := events[1]
	if post.Type != event.KindPostToolUse {
		t.Fatalf("expected post_tool_use last, got %s", post.Type)
	}
	if post.Duration != 1500 {
		t.Errorf("expected duration 1500, got %d", post.Duration)
	}

	// An unmatched post has no duration.
	w.Ingest(hookLine("ev-3", "PostToolUse", "agent-1", now, `,"tool_use_id":"tu-unknown"`))
	events = w.History(0, nil)
	if d := events[len(events)-1].Duration; d != 0 {
		t.Errorf("unmatched post must have zero duration, got %d", d)
	}
}

func TestIngestReplayWindow(t *testing.T) {
	w, reg := newTestWorker(t)
	old := time.Now().Add(-time.Hour).UnixMilli()

	w.Ingest(hookLine("ev-old", "PreToolUse", "agent-stale", old, `,"tool_name":"Bash"`))

	if len(reg.List()) != 0 {
		t.Error("an event past the replay window must not create a session")
	}
	if w.Count() != 1 {
		t.Errorf("the event still belongs in history, got %d", w.Count())
	}
}

func TestHistoryLimitAndFilter(t *testing.T) {
	w, reg := newTestWorker(t)
	now := event.NowMillis()

	for i := 0; i < 5; i++ {
		w.Ingest(hookLine(fmt.Sprintf("ev-%d", i), "UserPromptSubmit", "agent-1", now+int64(i), ""))
	}

	events := w.History(3, nil)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// Oldest first.
	if events[0].Timestamp > events[2].Timestamp {
		t.Error("history must be oldest first")
	}

	// Filtering by an empty active set drops events for deleted sessions.
	views := reg.List()
	if len(views) != 1 {
		t.Fatalf("expected 1 session, got %d", len(views))
	}
	reg.Remove(views[0].ID)
	events = w.History(0, reg.ActiveIDs())
	if len(events) != 0 {
		t.Errorf("events of deleted sessions must be filtered, got %d", len(events))
	}
}

func TestHistoryCap(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	dir := t.TempDir()
	store := session.NewStore(filepath.Join(dir, "sessions.json"), log)
	metaStore := session.NewMetadataStore(filepath.Join(dir, "metadata.json"), log)
	reg := session.NewRegistry(store, metaStore, session.DefaultAdapters(), nil, log)
	w := New(event.NewProcessor(false, log), reg, nil, 10, log)

	now := event.NowMillis()
	for i := 0; i < 25; i++ {
		w.Ingest(hookLine(fmt.Sprintf("ev-%d", i), "UserPromptSubmit", "agent-1", now, ""))
	}
	if w.Count() != 10 {
		t.Errorf("history must be capped at maxEvents, got %d", w.Count())
	}
}
