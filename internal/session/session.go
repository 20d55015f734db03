// Package session holds the typed session store, its lifecycle state
// machine, the per-agent adapter table, and persistence.
package session

import (
	"encoding/json"
	"path/filepath"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting" // blocked on the user, needs attention
	StatusOffline Status = "offline"
)

// Kind distinguishes supervisor-owned sessions from detected ones.
type Kind string

const (
	// KindInternal sessions run in a tmux session the supervisor spawned.
	KindInternal Kind = "internal"
	// KindExternal sessions were started elsewhere and detected from hook
	// events or transcripts.
	KindExternal Kind = "external"
)

// Terminal describes where a session's pane lives. For internal sessions
// MuxSession is the owned tmux session name; for external sessions the
// pane descriptor is captured from a start hook, if any.
type Terminal struct {
	MuxSession string `json:"muxSession,omitempty"`
	PaneID     string `json:"paneId,omitempty"`
	Socket     string `json:"socket,omitempty"`
	TTY        string `json:"tty,omitempty"`
}

// Session is the registry's unit of state.
type Session struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           Kind      `json:"kind"`
	Agent          string    `json:"agent"`
	Status         Status    `json:"status"`
	Terminal       *Terminal `json:"terminal,omitempty"`
	CWD            string    `json:"cwd"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	CurrentTool    string    `json:"currentTool,omitempty"`
	CreatedAt      int64     `json:"createdAt"` // milliseconds
	// LastActivity is bumped by every transition except the offline ones,
	// which age the session from its last known activity. Milliseconds.
	LastActivity int64 `json:"lastActivity"`
}

// Metadata carries the UI-owned fields persisted separately from core
// state and merged at read time.
type Metadata struct {
	ZonePosition json.RawMessage `json:"zonePosition,omitempty"`
	Suggestion   string          `json:"suggestion,omitempty"`
	AutoAccept   bool            `json:"autoAccept,omitempty"`
}

// View is a session merged with its UI metadata, as returned to clients.
type View struct {
	Session
	ZonePosition json.RawMessage        `json:"zonePosition,omitempty"`
	Suggestion   string                 `json:"suggestion,omitempty"`
	AutoAccept   bool                   `json:"autoAccept"`
	Attachments  map[string]interface{} `json:"-"`
}

// MarshalJSON flattens collaborator attachments (gitStatus, imageQuota, ...)
// into the view object.
func (v View) MarshalJSON() ([]byte, error) {
	type alias View
	base, err := json.Marshal(alias(v))
	if err != nil {
		return nil, err
	}
	if len(v.Attachments) == 0 {
		return base, nil
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, val := range v.Attachments {
		if _, exists := merged[k]; !exists {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}

// Alive reports whether the session counts as alive.
func (s *Session) Alive() bool {
	return s.Status != StatusOffline
}

// Touch bumps lastActivity, keeping it monotonically non-decreasing.
func (s *Session) Touch(now int64) {
	if now > s.LastActivity {
		s.LastActivity = now
	}
}

// DefaultName derives the human label from the working directory.
func DefaultName(cwd string) string {
	base := filepath.Base(cwd)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "session"
	}
	return base
}

// NowMillis returns the current wall clock in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
