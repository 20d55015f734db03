package health

import (
	"context"
	"testing"
	"time"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/session"
	"github.com/sploithunter/cin/internal/tmux"
)

type fakeRegistry struct {
	views   map[string]*session.View
	offline []string
	idled   []string
	removed []string
}

func newFakeRegistry(views ...session.View) *fakeRegistry {
	f := &fakeRegistry{views: make(map[string]*session.View)}
	for i := range views {
		v := views[i]
		f.views[v.ID] = &v
	}
	return f
}

func (f *fakeRegistry) List() []session.View {
	out := make([]session.View, 0, len(f.views))
	for _, v := range f.views {
		out = append(out, *v)
	}
	return out
}

func (f *fakeRegistry) SetOffline(id string) bool {
	f.offline = append(f.offline, id)
	if v, ok := f.views[id]; ok {
		v.Status = session.StatusOffline
		return true
	}
	return false
}

func (f *fakeRegistry) SetIdle(id string) bool {
	f.idled = append(f.idled, id)
	if v, ok := f.views[id]; ok {
		v.Status = session.StatusIdle
		return true
	}
	return false
}

func (f *fakeRegistry) Remove(id string) (session.Session, bool) {
	v, ok := f.views[id]
	if !ok {
		return session.Session{}, false
	}
	delete(f.views, id)
	f.removed = append(f.removed, id)
	return v.Session, true
}

type fakeMux struct {
	sessions map[string]bool
	panes    map[string]bool
}

func (f *fakeMux) ListSessions(context.Context) ([]tmux.Session, error) {
	out := make([]tmux.Session, 0, len(f.sessions))
	for name := range f.sessions {
		out = append(out, tmux.Session{Name: name})
	}
	return out, nil
}

func (f *fakeMux) HasSession(_ context.Context, name string) (bool, error) {
	return f.sessions[name], nil
}

func (f *fakeMux) PaneExists(_ context.Context, paneID, _ string) (bool, error) {
	return f.panes[paneID], nil
}

type fakeForgetter struct{ forgotten []string }

func (f *fakeForgetter) Forget(id string) { f.forgotten = append(f.forgotten, id) }

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func internalView(id, muxName string, status session.Status, lastActivity int64) session.View {
	return session.View{Session: session.Session{
		ID:           id,
		Kind:         session.KindInternal,
		Status:       status,
		Terminal:     &session.Terminal{MuxSession: muxName},
		LastActivity: lastActivity,
	}}
}

func externalView(id string, status session.Status, term *session.Terminal, lastActivity int64) session.View {
	return session.View{Session: session.Session{
		ID:           id,
		Kind:         session.KindExternal,
		Status:       status,
		Terminal:     term,
		LastActivity: lastActivity,
	}}
}

func millisAgo(d time.Duration) int64 {
	return time.Now().Add(-d).UnixMilli()
}

func TestCheckLiveness(t *testing.T) {
	now := session.NowMillis()
	reg := newFakeRegistry(
		internalView("dead", "cin-dead", session.StatusWorking, now),
		internalView("back", "cin-back", session.StatusOffline, now),
		internalView("fine", "cin-fine", session.StatusIdle, now),
	)
	mux := &fakeMux{sessions: map[string]bool{"cin-back": true, "cin-fine": true}}
	s := NewScheduler(reg, mux, nil, nil, testLogger())

	s.checkLiveness(context.Background())

	if len(reg.offline) != 1 || reg.offline[0] != "dead" {
		t.Errorf("expected only 'dead' demoted, got %v", reg.offline)
	}
	if len(reg.idled) != 1 || reg.idled[0] != "back" {
		t.Errorf("expected only 'back' promoted, got %v", reg.idled)
	}
}

func TestCheckWorkingTimeout(t *testing.T) {
	reg := newFakeRegistry(
		internalView("stuck", "cin-a", session.StatusWorking, millisAgo(3*time.Minute)),
		internalView("active", "cin-b", session.StatusWorking, millisAgo(10*time.Second)),
		internalView("waiting", "cin-c", session.StatusWaiting, millisAgo(time.Hour)),
	)
	s := NewScheduler(reg, &fakeMux{}, nil, nil, testLogger())

	s.checkWorkingTimeout(context.Background())

	if len(reg.idled) != 1 || reg.idled[0] != "stuck" {
		t.Errorf("expected only 'stuck' idled, got %v", reg.idled)
	}
}

type fakeProber struct{ active bool }

func (f *fakeProber) IsSessionActive(string, time.Duration) bool { return f.active }

func TestCheckTranscripts(t *testing.T) {
	quiet := externalView("quiet", session.StatusIdle, nil, session.NowMillis())
	quiet.Agent = "codex"
	quiet.AgentSessionID = "thread-1"

	unbound := externalView("unbound", session.StatusIdle, nil, session.NowMillis())
	unbound.Agent = "codex"

	reg := newFakeRegistry(quiet, unbound)
	s := NewScheduler(reg, &fakeMux{},
		map[string]TranscriptProber{"codex": &fakeProber{active: false}}, nil, testLogger())

	s.checkTranscripts(context.Background())

	if len(reg.offline) != 1 || reg.offline[0] != "quiet" {
		t.Errorf("expected only 'quiet' demoted, got %v", reg.offline)
	}
}

func TestCheckExternalStaleness(t *testing.T) {
	now := session.NowMillis()
	reg := newFakeRegistry(
		externalView("pane-gone", session.StatusIdle, &session.Terminal{PaneID: "%1"}, now),
		externalView("pane-live", session.StatusIdle, &session.Terminal{PaneID: "%2"}, millisAgo(time.Hour)),
		externalView("aged-idle", session.StatusIdle, nil, millisAgo(6*time.Minute)),
		externalView("aged-working", session.StatusWorking, nil, millisAgo(3*time.Minute)),
		externalView("fresh", session.StatusIdle, nil, millisAgo(time.Minute)),
	)
	mux := &fakeMux{panes: map[string]bool{"%2": true}}
	s := NewScheduler(reg, mux, nil, nil, testLogger())

	s.checkExternalStaleness(context.Background())

	demoted := map[string]bool{}
	for _, id := range reg.offline {
		demoted[id] = true
	}
	for _, want := range []string{"pane-gone", "aged-idle", "aged-working"} {
		if !demoted[want] {
			t.Errorf("expected %q demoted", want)
		}
	}
	if demoted["pane-live"] || demoted["fresh"] {
		t.Errorf("unexpected demotion: %v", reg.offline)
	}
}

func TestCleanupRules(t *testing.T) {
	reg := newFakeRegistry(
		externalView("phantom", session.StatusWorking, nil, millisAgo(3*time.Minute)),
		externalView("ext-offline", session.StatusOffline, &session.Terminal{PaneID: "%9"}, millisAgo(10*time.Minute)),
		internalView("dead-mux", "cin-dead", session.StatusOffline, millisAgo(2*time.Hour)),
		internalView("live-mux", "cin-live", session.StatusOffline, millisAgo(2*time.Hour)),
		internalView("recent-offline", "cin-r", session.StatusOffline, millisAgo(10*time.Minute)),
	)
	mux := &fakeMux{sessions: map[string]bool{"cin-live": true}}
	forgetter := &fakeForgetter{}
	s := NewScheduler(reg, mux, nil, []Forgetter{forgetter}, testLogger())

	s.cleanup(context.Background())

	removed := map[string]bool{}
	for _, id := range reg.removed {
		removed[id] = true
	}
	for _, want := range []string{"phantom", "ext-offline", "dead-mux"} {
		if !removed[want] {
			t.Errorf("expected %q removed", want)
		}
	}
	if removed["live-mux"] {
		t.Error("an internal session with a live mux session must never be cleaned up")
	}
	if removed["recent-offline"] {
		t.Error("a recently offline internal session must be kept")
	}
	if len(forgetter.forgotten) != len(reg.removed) {
		t.Errorf("observers must be told about every removal, got %v", forgetter.forgotten)
	}
}
