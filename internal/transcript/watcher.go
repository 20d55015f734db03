// Package transcript surfaces events from agents whose integration point is
// an on-disk conversation transcript rather than a hook call. Parsed records
// are appended to the shared event log, so the log tailer remains the single
// unified ingestion path.
package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/event"
)

// uuidSuffixRe extracts the thread id from rollout file names like
// rollout-2026-08-26T10-00-00-<uuid>.jsonl.
var uuidSuffixRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// fileState tracks the read cursor for one transcript file.
type fileState struct {
	path     string
	threadID string
	offset   int64
	partial  string
}

// SessionNotice announces a transcript not previously observed.
type SessionNotice struct {
	ThreadID    string `json:"threadId"`
	CWD         string `json:"cwd"`
	DisplayName string `json:"displayName"`
}

// Watcher scans an agent's transcript directory tree and synthesizes
// normalized events for newly appended records.
type Watcher struct {
	agent      string
	root       string
	eventsFile string
	logger     *logger.Logger

	mu    sync.Mutex
	files map[string]*fileState // path -> state
	cwds  map[string]string     // threadID -> cwd from session meta

	notices chan SessionNotice
	checks  chan string
}

// NewWatcher creates a Watcher for agent transcripts rooted at root,
// appending synthesized events to eventsFile.
func NewWatcher(agent, root, eventsFile string, log *logger.Logger) *Watcher {
	return &Watcher{
		agent:      agent,
		root:       root,
		eventsFile: eventsFile,
		logger: log.WithFields(
			zap.String("component", "transcript-watcher"),
			zap.String("agent", agent)),
		files:   make(map[string]*fileState),
		cwds:    make(map[string]string),
		notices: make(chan SessionNotice, 16),
		checks:  make(chan string, 16),
	}
}

// Notices returns the channel of new-session announcements.
func (w *Watcher) Notices() <-chan SessionNotice {
	return w.notices
}

// Start registers existing transcripts (without replaying their history) and
// watches for appends until ctx is done.
func (w *Watcher) Start(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(w.root, 0755); err != nil {
		watcher.Close()
		return err
	}
	if err := addWatchTree(watcher, w.root); err != nil {
		watcher.Close()
		return err
	}

	// Register whatever is already on disk. Historical content is not
	// replayed; only appends after this point become events.
	w.scanExisting()

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-done:
				return

			case threadID := <-w.checks:
				w.checkThread(threadID)

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = addWatchTree(watcher, ev.Name)
						continue
					}
				}
				if !strings.HasSuffix(ev.Name, ".jsonl") {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.consume(ev.Name)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", zap.Error(err))
			}
		}
	}()

	return nil
}

// IsSessionActive reports whether the transcript backing threadID was
// modified within the given window.
func (w *Watcher) IsSessionActive(threadID string, within time.Duration) bool {
	path := w.pathForThread(threadID)
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= within
}

// TriggerCheckForThread asks the watcher to re-scan the transcript backing
// threadID immediately, used by the agent-scoped notify endpoint.
func (w *Watcher) TriggerCheckForThread(threadID string) {
	select {
	case w.checks <- threadID:
	default:
	}
}

func (w *Watcher) pathForThread(threadID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, st := range w.files {
		if st.threadID == threadID {
			return st.path
		}
	}
	return ""
}

func (w *Watcher) checkThread(threadID string) {
	if path := w.pathForThread(threadID); path != "" {
		w.consume(path)
	}
}

// scanExisting registers all transcript files with their cursor at EOF. A
// recently-touched transcript still gets a session notice so the registry
// learns about live sessions started before the supervisor.
func (w *Watcher) scanExisting() {
	_ = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}

		st := w.register(path)
		st.offset = info.Size()

		if time.Since(info.ModTime()) <= 30*time.Minute {
			w.announce(st)
		}
		return nil
	})
}

// register returns (creating if needed) the state for a transcript file.
func (w *Watcher) register(path string) *fileState {
	w.mu.Lock()
	defer w.mu.Unlock()

	if st, ok := w.files[path]; ok {
		return st
	}
	st := &fileState{path: path, threadID: threadIDFromPath(path)}
	w.files[path] = st
	return st
}

func (w *Watcher) announce(st *fileState) {
	w.mu.Lock()
	cwd := w.cwds[st.threadID]
	w.mu.Unlock()

	name := st.threadID
	if cwd != "" {
		name = filepath.Base(cwd)
	}
	notice := SessionNotice{ThreadID: st.threadID, CWD: cwd, DisplayName: name}
	select {
	case w.notices <- notice:
	default:
	}
}

// consume reads records past the cursor and appends synthesized events to
// the shared log.
func (w *Watcher) consume(path string) {
	known := true
	w.mu.Lock()
	_, known = w.files[path]
	w.mu.Unlock()

	st := w.register(path)
	if !known {
		w.announce(st)
	}

	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("failed to open transcript", zap.Error(err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= st.offset {
		return
	}

	if _, err := f.Seek(st.offset, 0); err != nil {
		return
	}
	buf := make([]byte, info.Size()-st.offset)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return
	}
	st.offset += int64(n)

	chunk := st.partial + string(buf[:n])
	parts := strings.Split(chunk, "\n")
	st.partial = parts[len(parts)-1]

	for _, line := range parts[:len(parts)-1] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if ev := w.parseRecord(st, line); ev != nil {
			w.appendEvent(ev)
		}
	}
}

// transcriptRecord is the loose shape of one rollout record.
type transcriptRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type recordPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	CWD       string          `json:"cwd"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	CallID    string          `json:"call_id"`
	Output    json.RawMessage `json:"output"`
	Content   json.RawMessage `json:"content"`
}

// parseRecord maps one transcript record to a normalized event, or nil for
// record types that carry no session-relevant signal.
func (w *Watcher) parseRecord(st *fileState, line string) *event.Event {
	var rec transcriptRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		w.logger.Debug("unparseable transcript record", zap.Error(err))
		return nil
	}
	var payload recordPayload
	if len(rec.Payload) > 0 {
		_ = json.Unmarshal(rec.Payload, &payload)
	}

	ts := event.NowMillis()
	if t, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
		ts = t.UnixMilli()
	}

	base := func(kind event.Kind) *event.Event {
		return &event.Event{
			ID:             event.NewID(),
			Type:           kind,
			Timestamp:      ts,
			Agent:          w.agent,
			AgentSessionID: st.threadID,
			CWD:            w.cwdFor(st.threadID),
		}
	}

	switch rec.Type {
	case "session_meta":
		if payload.CWD != "" {
			w.mu.Lock()
			w.cwds[st.threadID] = payload.CWD
			w.mu.Unlock()
		}
		ev := base(event.KindSessionStart)
		ev.CWD = payload.CWD
		return ev

	case "response_item":
		switch payload.Type {
		case "message":
			if payload.Role == "user" {
				ev := base(event.KindUserPromptSubmit)
				ev.Prompt = flattenContent(payload.Content)
				return ev
			}
			ev := base(event.KindStop)
			ev.AssistantText = flattenContent(payload.Content)
			return ev
		case "function_call":
			ev := base(event.KindPreToolUse)
			ev.Tool = payload.Name
			ev.ToolInput = payload.Arguments
			ev.ToolUseID = payload.CallID
			return ev
		case "function_call_output":
			ev := base(event.KindPostToolUse)
			ev.ToolResponse = payload.Output
			ev.ToolUseID = payload.CallID
			return ev
		}
	}
	return nil
}

func (w *Watcher) cwdFor(threadID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cwds[threadID]
}

// appendEvent writes one normalized event to the shared log.
func (w *Watcher) appendEvent(ev *event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	f, err := os.OpenFile(w.eventsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		w.logger.Warn("failed to append to event log", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		w.logger.Warn("failed to append to event log", zap.Error(err))
	}
}

func threadIDFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if m := uuidSuffixRe.FindString(stem); m != "" {
		return m
	}
	return stem
}

// flattenContent joins the text parts of a content array, tolerating plain
// string content too.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func addWatchTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}
