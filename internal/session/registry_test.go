package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/event"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	store := NewStore(filepath.Join(dir, "sessions.json"), log)
	metaStore := NewMetadataStore(filepath.Join(dir, "metadata.json"), log)
	return NewRegistry(store, metaStore, DefaultAdapters(), nil, log)
}

func TestCreateInternal(t *testing.T) {
	r := newTestRegistry(t)

	v := r.CreateInternal("id-1", "my session", "claude", "/tmp", "cin-abc")
	assert.Equal(t, KindInternal, v.Kind)
	assert.Equal(t, StatusIdle, v.Status)
	require.NotNil(t, v.Terminal)
	assert.Equal(t, "cin-abc", v.Terminal.MuxSession)

	got, ok := r.Get("id-1")
	require.True(t, ok)
	assert.Equal(t, "my session", got.Name)
}

func TestFindOrCreateDirectHit(t *testing.T) {
	r := newTestRegistry(t)

	v1, created := r.FindOrCreate("agent-1", "claude", "/tmp", nil)
	assert.True(t, created)
	assert.Equal(t, KindExternal, v1.Kind)
	assert.Equal(t, StatusWorking, v1.Status)

	v2, created := r.FindOrCreate("agent-1", "claude", "/tmp", nil)
	assert.False(t, created)
	assert.Equal(t, v1.ID, v2.ID)
}

func TestDirectHitTerminalHintPersists(t *testing.T) {
	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	store := NewStore(filepath.Join(dir, "sessions.json"), log)
	metaStore := NewMetadataStore(filepath.Join(dir, "metadata.json"), log)

	r1 := NewRegistry(store, metaStore, DefaultAdapters(), nil, log)
	v1, created := r1.FindOrCreate("agent-1", "claude", "/tmp", nil)
	require.True(t, created)
	assert.Nil(t, v1.Terminal)

	// A later event carrying the pane descriptor lands on the direct-hit
	// path; the learned descriptor must survive a restart.
	hint := &Terminal{PaneID: "%7", TTY: "/dev/ttys004"}
	v2, created := r1.FindOrCreate("agent-1", "claude", "/tmp", hint)
	require.False(t, created)
	require.NotNil(t, v2.Terminal)
	assert.Equal(t, "%7", v2.Terminal.PaneID)
	r1.saveCore()

	r2 := NewRegistry(store, metaStore, DefaultAdapters(), nil, log)
	r2.Load()
	v3, ok := r2.Get(v1.ID)
	require.True(t, ok)
	require.NotNil(t, v3.Terminal)
	assert.Equal(t, "%7", v3.Terminal.PaneID)
	assert.Equal(t, "/dev/ttys004", v3.Terminal.TTY)
}

func TestFindOrCreateAdoptsUnboundInternal(t *testing.T) {
	r := newTestRegistry(t)

	internal := r.CreateInternal("id-1", "s", "claude", "/home/me/proj", "cin-abc")
	v, created := r.FindOrCreate("agent-9", "claude", "/home/me/proj", nil)
	assert.False(t, created)
	assert.Equal(t, internal.ID, v.ID)
	assert.Equal(t, KindInternal, v.Kind)

	// The binding sticks: the same agent id resolves directly now.
	v2, created := r.FindOrCreate("agent-9", "claude", "/home/me/proj", nil)
	assert.False(t, created)
	assert.Equal(t, internal.ID, v2.ID)
}

func TestFindOrCreateNoAdoptionAcrossCWD(t *testing.T) {
	r := newTestRegistry(t)

	r.CreateInternal("id-1", "s", "claude", "/home/me/proj", "cin-abc")
	v, created := r.FindOrCreate("agent-9", "claude", "/somewhere/else", nil)
	assert.True(t, created)
	assert.NotEqual(t, "id-1", v.ID)
	assert.Equal(t, KindExternal, v.Kind)
}

func TestApplyStateMachine(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateInternal("id-1", "s", "claude", "/tmp", "cin-abc")

	cases := []struct {
		kind   event.Kind
		tool   string
		status Status
		curr   string
	}{
		{event.KindUserPromptSubmit, "", StatusWorking, ""},
		{event.KindPreToolUse, "Bash", StatusWorking, "Bash"},
		{event.KindPostToolUse, "", StatusWorking, ""},
		{event.KindStop, "", StatusWaiting, ""},
		{event.KindSessionEnd, "", StatusIdle, ""},
	}
	for _, tc := range cases {
		r.Apply("id-1", &event.Event{ID: event.NewID(), Type: tc.kind, Tool: tc.tool, Timestamp: event.NowMillis()})
		v, _ := r.Get("id-1")
		assert.Equal(t, tc.status, v.Status, "after %s", tc.kind)
		assert.Equal(t, tc.curr, v.CurrentTool, "after %s", tc.kind)
	}
}

func TestSessionStartOnlyRevivesOffline(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateInternal("id-1", "s", "claude", "/tmp", "cin-abc")

	r.SetWorking("id-1", "Bash")
	r.Apply("id-1", &event.Event{ID: event.NewID(), Type: event.KindSessionStart, Timestamp: event.NowMillis()})
	v, _ := r.Get("id-1")
	assert.Equal(t, StatusWorking, v.Status, "session_start must not demote a working session")

	r.SetOffline("id-1")
	r.Apply("id-1", &event.Event{ID: event.NewID(), Type: event.KindSessionStart, Timestamp: event.NowMillis()})
	v, _ = r.Get("id-1")
	assert.Equal(t, StatusIdle, v.Status)
}

func TestOfflineKeepsLastActivity(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateInternal("id-1", "s", "claude", "/tmp", "cin-abc")

	before, _ := r.Get("id-1")
	r.SetOffline("id-1")
	after, _ := r.Get("id-1")
	assert.Equal(t, before.LastActivity, after.LastActivity)
	assert.Equal(t, StatusOffline, after.Status)
	assert.Empty(t, after.CurrentTool)
}

func TestRemoveCleansIndices(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateInternal("id-1", "s", "claude", "/tmp", "cin-abc")
	r.FindOrCreate("agent-1", "claude", "/tmp", nil) // adopted by id-1

	removed, ok := r.Remove("id-1")
	require.True(t, ok)
	assert.Equal(t, "id-1", removed.ID)

	// The agent id must not resolve to the dead session.
	v, created := r.FindOrCreate("agent-1", "claude", "/tmp", nil)
	assert.True(t, created)
	assert.NotEqual(t, "id-1", v.ID)
}

func TestResetForRestart(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateInternal("id-1", "s", "claude", "/tmp", "cin-abc")
	r.FindOrCreate("agent-1", "claude", "/tmp", nil)
	r.SetWorking("id-1", "Bash")

	require.True(t, r.ResetForRestart("id-1"))
	v, _ := r.Get("id-1")
	assert.Empty(t, v.AgentSessionID)
	assert.Equal(t, StatusIdle, v.Status)
	assert.Empty(t, v.CurrentTool)

	// The old agent id now auto-creates instead of resolving to id-1.
	nv, created := r.FindOrCreate("agent-1", "claude", "/elsewhere", nil)
	assert.True(t, created)
	assert.NotEqual(t, "id-1", nv.ID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	store := NewStore(filepath.Join(dir, "sessions.json"), log)
	metaStore := NewMetadataStore(filepath.Join(dir, "metadata.json"), log)

	r1 := NewRegistry(store, metaStore, DefaultAdapters(), nil, log)
	r1.CreateInternal("id-1", "s", "claude", "/tmp", "cin-abc")
	r1.FindOrCreate("agent-1", "claude", "/tmp", nil)
	r1.SetWorking("id-1", "Bash")
	r1.SetAutoAccept("id-1", true)
	r1.saveCore()
	r1.saveMeta()

	r2 := NewRegistry(store, metaStore, DefaultAdapters(), nil, log)
	r2.Load()

	v, ok := r2.Get("id-1")
	require.True(t, ok)
	// The creation counter survives the restart.
	assert.Equal(t, 1, r2.counter)
	// Loaded sessions start offline with the tool cleared.
	assert.Equal(t, StatusOffline, v.Status)
	assert.Empty(t, v.CurrentTool)
	assert.Equal(t, "agent-1", v.AgentSessionID)
	assert.True(t, v.AutoAccept)

	// The restored agent index still resolves.
	rv, created := r2.FindOrCreate("agent-1", "claude", "/tmp", nil)
	assert.False(t, created)
	assert.Equal(t, "id-1", rv.ID)
}

func TestSuggestionAndZoneMetadata(t *testing.T) {
	r := newTestRegistry(t)
	r.CreateInternal("id-1", "s", "claude", "/tmp", "cin-abc")

	assert.True(t, r.SetSuggestion("id-1", "run the tests"))
	assert.False(t, r.SetSuggestion("id-1", "run the tests"), "unchanged suggestion must be a no-op")

	r.SetZonePosition("id-1", []byte(`{"x":1,"y":2}`))
	v, _ := r.Get("id-1")
	assert.Equal(t, "run the tests", v.Suggestion)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(v.ZonePosition))

	r.SetZonePosition("id-1", nil)
	v, _ = r.Get("id-1")
	assert.Empty(t, v.ZonePosition)
}

func TestTouchMonotonic(t *testing.T) {
	s := &Session{LastActivity: 100}
	s.Touch(50)
	assert.Equal(t, int64(100), s.LastActivity)
	s.Touch(200)
	assert.Equal(t, int64(200), s.LastActivity)
}

func TestDefaultName(t *testing.T) {
	assert.Equal(t, "proj", DefaultName("/home/me/proj"))
	assert.Equal(t, "session", DefaultName("/"))
	assert.Equal(t, "session", DefaultName(""))
}
