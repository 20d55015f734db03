// Package event defines the normalized event model and the processor that
// converts raw hook payloads into it.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of normalized event kinds.
type Kind string

const (
	KindSessionStart     Kind = "session_start"
	KindSessionEnd       Kind = "session_end"
	KindUserPromptSubmit Kind = "user_prompt_submit"
	KindPreToolUse       Kind = "pre_tool_use"
	KindPostToolUse      Kind = "post_tool_use"
	KindStop             Kind = "stop"
	KindSubagentStop     Kind = "subagent_stop"
	KindNotification     Kind = "notification"
)

// knownKinds is used to accept already-normalized lines.
var knownKinds = map[Kind]bool{
	KindSessionStart:     true,
	KindSessionEnd:       true,
	KindUserPromptSubmit: true,
	KindPreToolUse:       true,
	KindPostToolUse:      true,
	KindStop:             true,
	KindSubagentStop:     true,
	KindNotification:     true,
}

// Valid reports whether k belongs to the closed kind set.
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// Event is a normalized telemetry event. SessionID refers to the registry's
// session id once the event has been routed; AgentSessionID is the
// identifier the agent itself uses in its hooks and transcripts.
type Event struct {
	ID             string          `json:"id"`
	Type           Kind            `json:"type"`
	Timestamp      int64           `json:"timestamp"` // milliseconds
	SessionID      string          `json:"sessionId,omitempty"`
	AgentSessionID string          `json:"agentSessionId,omitempty"`
	Agent          string          `json:"agent,omitempty"`
	CWD            string          `json:"cwd,omitempty"`
	PaneID         string          `json:"paneId,omitempty"`
	Socket         string          `json:"socket,omitempty"`
	TTY            string          `json:"tty,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	ToolResponse   json.RawMessage `json:"toolResponse,omitempty"`
	ToolUseID      string          `json:"toolUseId,omitempty"`
	AssistantText  string          `json:"assistantText,omitempty"`
	Response       string          `json:"response,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	Message        string          `json:"message,omitempty"`
	// Duration is only set on post_tool_use events that matched a
	// preceding pre_tool_use by ToolUseID; milliseconds.
	Duration int64 `json:"duration,omitempty"`
}

// NewID returns a fresh event id for events that arrive without one.
func NewID() string {
	return uuid.New().String()
}

// NowMillis returns the current wall clock in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Age returns how old the event is relative to now.
func (e *Event) Age(now int64) time.Duration {
	return time.Duration(now-e.Timestamp) * time.Millisecond
}
