package session

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/bus"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/event"
)

// Registry is the typed store of sessions plus the identity indices and the
// lifecycle state machine. All mutation goes through its lock; callers hold
// session ids, never session pointers.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	agentIndex  map[string]string // "<agent>:<agentSessionId>" -> session id
	muxIndex    map[string]string // tmux session name -> session id (internal only)
	meta        map[string]*Metadata
	attachments map[string]map[string]interface{} // collaborator blobs merged at read time
	counter     int

	store     *Store
	metaStore *MetadataStore
	adapters  AdapterTable
	bus       bus.EventBus
	logger    *logger.Logger

	saveCh     chan struct{}
	metaSaveCh chan struct{}
}

// NewRegistry creates a Registry backed by the given stores.
func NewRegistry(store *Store, metaStore *MetadataStore, adapters AdapterTable, b bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		agentIndex:  make(map[string]string),
		muxIndex:    make(map[string]string),
		meta:        make(map[string]*Metadata),
		attachments: make(map[string]map[string]interface{}),
		store:       store,
		metaStore:   metaStore,
		adapters:    adapters,
		bus:         b,
		logger:      log.WithFields(zap.String("component", "registry")),
		saveCh:      make(chan struct{}, 1),
		metaSaveCh:  make(chan struct{}, 1),
	}
}

// Load restores persisted sessions. All loaded sessions start offline with
// currentTool cleared; the liveness probes promote them back as appropriate.
func (r *Registry) Load() {
	state := r.store.Load()
	meta := r.metaStore.Load()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range state.Sessions {
		if s.ID == "" {
			continue
		}
		s.Status = StatusOffline
		s.CurrentTool = ""
		r.sessions[s.ID] = s
		if s.Kind == KindInternal && s.Terminal != nil && s.Terminal.MuxSession != "" {
			r.muxIndex[s.Terminal.MuxSession] = s.ID
		}
	}
	for key, id := range state.AgentIndex {
		if _, ok := r.sessions[id]; ok {
			r.agentIndex[key] = id
		}
	}
	for id, m := range meta {
		if _, ok := r.sessions[id]; ok {
			r.meta[id] = m
		}
	}
	r.counter = state.Counter

	r.logger.Info("loaded persisted sessions", zap.Int("count", len(r.sessions)))
}

// Run drives the save loops until ctx is cancelled, then flushes.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case <-r.saveCh:
			r.saveCore()
		case <-r.metaSaveCh:
			r.saveMeta()
		}
	}
}

func (r *Registry) flush() {
	r.saveCore()
	r.saveMeta()
}

func (r *Registry) saveCore() {
	r.mu.RLock()
	state := &CoreState{
		Sessions:   make([]*Session, 0, len(r.sessions)),
		AgentIndex: make(map[string]string, len(r.agentIndex)),
		Counter:    r.counter,
	}
	for _, s := range r.sessions {
		copied := *s
		state.Sessions = append(state.Sessions, &copied)
	}
	for k, v := range r.agentIndex {
		state.AgentIndex[k] = v
	}
	r.mu.RUnlock()

	sort.Slice(state.Sessions, func(i, j int) bool {
		return state.Sessions[i].CreatedAt < state.Sessions[j].CreatedAt
	})

	if err := r.store.Save(state); err != nil {
		r.logger.Error("failed to save sessions", zap.Error(err))
	}
}

func (r *Registry) saveMeta() {
	r.mu.RLock()
	meta := make(map[string]*Metadata, len(r.meta))
	for id, m := range r.meta {
		copied := *m
		meta[id] = &copied
	}
	r.mu.RUnlock()

	if err := r.metaStore.Save(meta); err != nil {
		r.logger.Error("failed to save metadata", zap.Error(err))
	}
}

// requestSave enqueues a core save; coalesces when one is already pending.
func (r *Registry) requestSave() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

func (r *Registry) requestMetaSave() {
	select {
	case r.metaSaveCh <- struct{}{}:
	default:
	}
}

func indexKey(agent, agentSessionID string) string {
	return agent + ":" + agentSessionID
}

// viewLocked builds the merged client view of a session. Callers hold the lock.
func (r *Registry) viewLocked(s *Session) View {
	v := View{Session: *s}
	if m, ok := r.meta[s.ID]; ok {
		v.ZonePosition = m.ZonePosition
		v.Suggestion = m.Suggestion
		v.AutoAccept = m.AutoAccept
	}
	if att, ok := r.attachments[s.ID]; ok && len(att) > 0 {
		v.Attachments = make(map[string]interface{}, len(att))
		for k, val := range att {
			v.Attachments[k] = val
		}
	}
	return v
}

// List returns all sessions merged with metadata, oldest first.
func (r *Registry) List() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]View, 0, len(r.sessions))
	for _, s := range r.sessions {
		views = append(views, r.viewLocked(s))
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt < views[j].CreatedAt
	})
	return views
}

// Get returns one session view.
func (r *Registry) Get(id string) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return View{}, false
	}
	return r.viewLocked(s), true
}

// Has reports whether a session exists.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// ActiveIDs returns the set of current session ids, used to filter event
// history at subscribe time. Events referencing deleted sessions are
// omitted, not included as orphans.
func (r *Registry) ActiveIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]bool, len(r.sessions))
	for id := range r.sessions {
		ids[id] = true
	}
	return ids
}

// Adapter returns the adapter owning the given agent name.
func (r *Registry) Adapter(agent string) Adapter {
	return r.adapters.Get(agent)
}

// CreateInternal registers a supervisor-owned session; its tmux session name
// is always set and non-empty.
func (r *Registry) CreateInternal(id, name, agent, cwd, muxSession string) View {
	now := NowMillis()
	s := &Session{
		ID:           id,
		Name:         name,
		Kind:         KindInternal,
		Agent:        agent,
		Status:       StatusIdle,
		Terminal:     &Terminal{MuxSession: muxSession},
		CWD:          cwd,
		CreatedAt:    now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.muxIndex[muxSession] = id
	r.counter++
	v := r.viewLocked(s)
	r.mu.Unlock()

	r.requestSave()
	r.publishSessions()
	return v
}

// FindOrCreate resolves an agent session id to a registry session:
// a direct index hit, adoption by an unbound internal session with matching
// cwd, or auto-creation of an external session. Auto-creation is the only
// source of external sessions.
func (r *Registry) FindOrCreate(agentSessionID, agent, cwd string, hint *Terminal) (View, bool) {
	key := indexKey(agent, agentSessionID)
	now := NowMillis()

	r.mu.Lock()

	// 1. Direct hit on the agent index. A fresh pane descriptor on an
	// external session is persisted like any other mutation.
	if id, ok := r.agentIndex[key]; ok {
		if s, ok := r.sessions[id]; ok {
			hinted := false
			if s.Kind == KindExternal && hint != nil && (s.Terminal == nil || *s.Terminal != *hint) {
				s.Terminal = hint
				hinted = true
			}
			v := r.viewLocked(s)
			r.mu.Unlock()
			if hinted {
				r.requestSave()
				r.publishDelta(v)
			}
			return v, false
		}
		delete(r.agentIndex, key)
	}

	// 2. Adopt an unbound internal session rooted at the same cwd.
	for _, s := range r.sessions {
		if s.Kind == KindInternal && s.Agent == agent && s.AgentSessionID == "" && s.CWD == cwd {
			s.AgentSessionID = agentSessionID
			r.agentIndex[key] = s.ID
			v := r.viewLocked(s)
			r.mu.Unlock()
			r.requestSave()
			return v, false
		}
	}

	// 3. Auto-create an external session.
	s := &Session{
		ID:             event.NewID(),
		Name:           DefaultName(cwd),
		Kind:           KindExternal,
		Agent:          agent,
		Status:         StatusWorking,
		Terminal:       hint,
		CWD:            cwd,
		AgentSessionID: agentSessionID,
		CreatedAt:      now,
		LastActivity:   now,
	}
	r.sessions[s.ID] = s
	r.agentIndex[key] = s.ID
	r.counter++
	v := r.viewLocked(s)
	r.mu.Unlock()

	r.logger.Info("auto-created external session",
		zap.String("session_id", s.ID),
		zap.String("agent", agent),
		zap.String("cwd", cwd))

	r.requestSave()
	r.publishSessions()
	return v, true
}

// Apply runs one normalized event through the state machine for the given
// session. Returns true when any persisted field changed.
func (r *Registry) Apply(sessionID string, ev *event.Event) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	before := *s

	switch ev.Type {
	case event.KindPreToolUse:
		s.Status = StatusWorking
		s.CurrentTool = ev.Tool
	case event.KindPostToolUse:
		s.CurrentTool = ""
	case event.KindUserPromptSubmit:
		s.Status = StatusWorking
		s.CurrentTool = ""
	case event.KindStop, event.KindSubagentStop:
		s.Status = StatusWaiting
		s.CurrentTool = ""
	case event.KindSessionEnd:
		s.Status = StatusIdle
		s.CurrentTool = ""
	case event.KindSessionStart:
		if s.Status == StatusOffline {
			s.Status = StatusIdle
		}
	case event.KindNotification:
		// activity bump only
	}

	s.Touch(ev.Timestamp)
	s.Touch(NowMillis())

	changed := before != *s
	var v View
	if changed {
		v = r.viewLocked(s)
	}
	r.mu.Unlock()

	if changed {
		r.requestSave()
		r.publishDelta(v)
	}
	return changed
}

// transition applies fn to the session under the lock; when fn reports a
// change, the registry saves and broadcasts.
func (r *Registry) transition(id string, fn func(*Session) bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	changed := fn(s)
	// currentTool only exists while working or waiting.
	if s.Status == StatusIdle || s.Status == StatusOffline {
		if s.CurrentTool != "" {
			s.CurrentTool = ""
			changed = true
		}
	}
	var v View
	if changed {
		v = r.viewLocked(s)
	}
	r.mu.Unlock()

	if changed {
		r.requestSave()
		r.publishDelta(v)
	}
	return changed
}

// SetWorking marks a session working on the given tool.
func (r *Registry) SetWorking(id, tool string) bool {
	return r.transition(id, func(s *Session) bool {
		if s.Status == StatusWorking && s.CurrentTool == tool {
			return false
		}
		s.Status = StatusWorking
		s.CurrentTool = tool
		s.Touch(NowMillis())
		return true
	})
}

// SetWaiting marks a session blocked on the user, optionally naming the tool
// it is waiting to run.
func (r *Registry) SetWaiting(id, tool string) bool {
	return r.transition(id, func(s *Session) bool {
		if s.Status == StatusWaiting && s.CurrentTool == tool {
			return false
		}
		s.Status = StatusWaiting
		s.CurrentTool = tool
		s.Touch(NowMillis())
		return true
	})
}

// SetIdle marks a session idle.
func (r *Registry) SetIdle(id string) bool {
	return r.transition(id, func(s *Session) bool {
		if s.Status == StatusIdle {
			return false
		}
		s.Status = StatusIdle
		s.CurrentTool = ""
		s.Touch(NowMillis())
		return true
	})
}

// SetOffline marks a session offline. Offline transitions do not bump
// lastActivity: the cleanup rules age offline sessions from their last
// known activity.
func (r *Registry) SetOffline(id string) bool {
	return r.transition(id, func(s *Session) bool {
		if s.Status == StatusOffline {
			return false
		}
		s.Status = StatusOffline
		s.CurrentTool = ""
		return true
	})
}

// Touch bumps a session's lastActivity without changing status.
func (r *Registry) Touch(id string) {
	r.transition(id, func(s *Session) bool {
		before := s.LastActivity
		s.Touch(NowMillis())
		return s.LastActivity != before
	})
}

// Rename sets a session's display name.
func (r *Registry) Rename(id, name string) bool {
	return r.transition(id, func(s *Session) bool {
		if name == "" || s.Name == name {
			return false
		}
		s.Name = name
		return true
	})
}

// ResetForRestart clears the agent binding of an internal session after its
// assistant process was relaunched: the old agent session id no longer
// resolves to it and the state machine starts over from idle.
func (r *Registry) ResetForRestart(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Kind != KindInternal {
		r.mu.Unlock()
		return false
	}
	if s.AgentSessionID != "" {
		delete(r.agentIndex, indexKey(s.Agent, s.AgentSessionID))
	}
	s.AgentSessionID = ""
	s.CurrentTool = ""
	s.Status = StatusIdle
	s.Touch(NowMillis())
	v := r.viewLocked(s)
	r.mu.Unlock()

	r.requestSave()
	r.publishDelta(v)
	return true
}

// Remove deletes a session with its index entries and metadata. Returns the
// removed session for the caller to tear down its terminal.
func (r *Registry) Remove(id string) (Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	removed := *s
	delete(r.sessions, id)
	if s.AgentSessionID != "" {
		delete(r.agentIndex, indexKey(s.Agent, s.AgentSessionID))
	}
	if s.Terminal != nil && s.Terminal.MuxSession != "" {
		delete(r.muxIndex, s.Terminal.MuxSession)
	}
	delete(r.meta, id)
	delete(r.attachments, id)
	r.mu.Unlock()

	r.logger.Info("removed session",
		zap.String("session_id", id),
		zap.String("kind", string(removed.Kind)))

	r.requestSave()
	r.requestMetaSave()
	r.publishSessions()
	return removed, true
}

// SetSuggestion updates the scraped next-prompt hint. Returns true when the
// stored value changed.
func (r *Registry) SetSuggestion(id, suggestion string) bool {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return false
	}
	m := r.metaLocked(id)
	if m.Suggestion == suggestion {
		r.mu.Unlock()
		return false
	}
	m.Suggestion = suggestion
	v := r.viewLocked(r.sessions[id])
	r.mu.Unlock()

	r.requestMetaSave()
	r.publishDelta(v)
	return true
}

// SetAutoAccept toggles the auto-accept flag.
func (r *Registry) SetAutoAccept(id string, autoAccept bool) bool {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return false
	}
	m := r.metaLocked(id)
	if m.AutoAccept == autoAccept {
		r.mu.Unlock()
		return false
	}
	m.AutoAccept = autoAccept
	v := r.viewLocked(r.sessions[id])
	r.mu.Unlock()

	r.requestMetaSave()
	r.publishDelta(v)
	return true
}

// SetZonePosition stores the opaque UI placement token; nil unplaces.
func (r *Registry) SetZonePosition(id string, zone []byte) bool {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return false
	}
	m := r.metaLocked(id)
	m.ZonePosition = zone
	v := r.viewLocked(r.sessions[id])
	r.mu.Unlock()

	r.requestMetaSave()
	r.publishDelta(v)
	return true
}

// SetAttachment merges an opaque collaborator blob (gitStatus, imageQuota,
// ...) into the session's read-time view.
func (r *Registry) SetAttachment(id, key string, value interface{}) bool {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return false
	}
	att, ok := r.attachments[id]
	if !ok {
		att = make(map[string]interface{})
		r.attachments[id] = att
	}
	att[key] = value
	v := r.viewLocked(r.sessions[id])
	r.mu.Unlock()

	r.publishDelta(v)
	return true
}

// metaLocked returns (allocating if needed) the metadata entry for id.
// Callers hold the write lock.
func (r *Registry) metaLocked(id string) *Metadata {
	m, ok := r.meta[id]
	if !ok {
		m = &Metadata{}
		r.meta[id] = m
	}
	return m
}

// SessionsPayload is the body of a "sessions" broadcast.
type SessionsPayload struct {
	Sessions []View `json:"sessions"`
}

// publishSessions broadcasts the full session snapshot.
func (r *Registry) publishSessions() {
	if r.bus == nil {
		return
	}
	payload := SessionsPayload{Sessions: r.List()}
	_ = r.bus.Publish(context.Background(), bus.SubjectPushPrefix+"sessions",
		bus.NewEvent("sessions", "registry", payload))
}

// publishDelta broadcasts a sessions message carrying the changed session.
func (r *Registry) publishDelta(v View) {
	if r.bus == nil {
		return
	}
	payload := SessionsPayload{Sessions: []View{v}}
	_ = r.bus.Publish(context.Background(), bus.SubjectPushPrefix+"sessions",
		bus.NewEvent("sessions", "registry", payload))
}
