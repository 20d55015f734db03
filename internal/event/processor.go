package event

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
)

// Hook event names as emitted by the agents' hook integrations.
const (
	hookSessionStart     = "SessionStart"
	hookSessionEnd       = "SessionEnd"
	hookUserPromptSubmit = "UserPromptSubmit"
	hookPreToolUse       = "PreToolUse"
	hookPostToolUse      = "PostToolUse"
	hookStop             = "Stop"
	hookSubagentStop     = "SubagentStop"
	hookNotification     = "Notification"
)

// hookKindMap maps hook event names to normalized kinds.
var hookKindMap = map[string]Kind{
	hookSessionStart:     KindSessionStart,
	hookSessionEnd:       KindSessionEnd,
	hookUserPromptSubmit: KindUserPromptSubmit,
	hookPreToolUse:       KindPreToolUse,
	hookPostToolUse:      KindPostToolUse,
	hookStop:             KindStop,
	hookSubagentStop:     KindSubagentStop,
	hookNotification:     KindNotification,
}

// sessionIDFields are the known payload paths for the agent session
// identifier, in priority order. Hook-provided ids win over transcript
// thread ids.
var sessionIDFields = []string{"session_id", "sessionId", "agentSessionId", "agent_session_id", "thread_id", "threadId"}

// cwdFields are the known payload paths for the working directory.
var cwdFields = []string{"cwd", "workingDirectory", "working_directory", "project_dir"}

// Pane descriptor paths: hook payloads carry the tmux pane and tty of the
// terminal the agent runs in, when available.
var (
	paneFields   = []string{"tmux_pane", "paneId", "pane_id"}
	ttyFields    = []string{"tty"}
	socketFields = []string{"socket", "tmux_socket"}
)

// rawLine is the superset of fields a hook payload or an already-normalized
// line may carry. Payload fields appear in both casings: hooks use
// snake_case, the normalized wire shape camelCase, and re-ingesting our own
// events.jsonl lines must lose nothing.
type rawLine struct {
	// Already-normalized shape
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Timestamp        int64           `json:"timestamp"`
	ToolInputAlt     json.RawMessage `json:"toolInput"`
	ToolResponseAlt  json.RawMessage `json:"toolResponse"`
	AssistantTextAlt string          `json:"assistantText"`

	// Hook shape
	HookEventName    string          `json:"hook_event_name"`
	TS               int64           `json:"ts"`
	ToolName         string          `json:"tool_name"`
	Tool             string          `json:"tool"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	ToolUseID        string          `json:"tool_use_id"`
	ToolUseIDAlt     string          `json:"toolUseId"`
	Prompt           string          `json:"prompt"`
	Message          string          `json:"message"`
	Response         string          `json:"response"`
	AssistantText    string          `json:"assistant_text"`
	NotificationType string          `json:"notification_type"`
	Agent            string          `json:"agent"`
}

// Processor converts raw hook lines into normalized events.
type Processor struct {
	trace  bool
	logger *logger.Logger
}

// NewProcessor creates a Processor. When trace is true the processor logs
// which payload fields the session id and cwd were extracted from; tracing
// never changes output.
func NewProcessor(trace bool, log *logger.Logger) *Processor {
	return &Processor{
		trace:  trace,
		logger: log.WithFields(zap.String("component", "event-processor")),
	}
}

// Process parses a raw line and returns the normalized event together with
// the extracted agent session id and working directory. A line whose kind is
// outside the closed set returns (nil, "", "", nil): unknown kinds are
// skipped, not errors. Malformed JSON returns an error.
func (p *Processor) Process(line string) (*Event, string, string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, "", "", nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, "", "", err
	}

	// Generic field search needs the full object.
	var fields map[string]json.RawMessage
	_ = json.Unmarshal([]byte(line), &fields)

	agentSessionID := p.findString(fields, sessionIDFields, "session id")
	cwd := p.findString(fields, cwdFields, "cwd")
	paneID := p.findString(fields, paneFields, "pane id")
	tty := p.findString(fields, ttyFields, "tty")
	socket := p.findString(fields, socketFields, "socket")

	// Case 1: the line is already normalized.
	if kind := Kind(raw.Type); kind.Valid() {
		ev := &Event{
			ID:             raw.ID,
			Type:           kind,
			Timestamp:      raw.Timestamp,
			AgentSessionID: agentSessionID,
			Agent:          raw.Agent,
			CWD:            cwd,
			PaneID:         paneID,
			Socket:         socket,
			TTY:            tty,
			Tool:           firstNonEmpty(raw.Tool, raw.ToolName),
			ToolInput:      firstRaw(raw.ToolInputAlt, raw.ToolInput),
			ToolResponse:   firstRaw(raw.ToolResponseAlt, raw.ToolResponse),
			ToolUseID:      firstNonEmpty(raw.ToolUseID, raw.ToolUseIDAlt),
			AssistantText:  firstNonEmpty(raw.AssistantTextAlt, raw.AssistantText),
			Response:       raw.Response,
			Prompt:         raw.Prompt,
			Message:        raw.Message,
		}
		p.backfill(ev)
		return ev, agentSessionID, cwd, nil
	}

	// Case 2: hook payload.
	kind, ok := hookKindMap[raw.HookEventName]
	if !ok {
		if p.trace && raw.HookEventName != "" {
			p.logger.Debug("unknown hook event name", zap.String("hook_event_name", raw.HookEventName))
		}
		return nil, "", "", nil
	}

	ev := &Event{
		ID:             raw.ID,
		Type:           kind,
		Timestamp:      firstNonZero(raw.TS, raw.Timestamp),
		AgentSessionID: agentSessionID,
		Agent:          raw.Agent,
		CWD:            cwd,
		PaneID:         paneID,
		Socket:         socket,
		TTY:            tty,
		Tool:           firstNonEmpty(raw.ToolName, raw.Tool),
		ToolInput:      firstRaw(raw.ToolInput, raw.ToolInputAlt),
		ToolResponse:   firstRaw(raw.ToolResponse, raw.ToolResponseAlt),
		ToolUseID:      firstNonEmpty(raw.ToolUseID, raw.ToolUseIDAlt),
		Prompt:         raw.Prompt,
		Message:        raw.Message,
		Response:       raw.Response,
		AssistantText:  firstNonEmpty(raw.AssistantText, raw.AssistantTextAlt),
	}
	p.backfill(ev)
	return ev, agentSessionID, cwd, nil
}

// backfill fills in id and timestamp when the source omitted them.
func (p *Processor) backfill(ev *Event) {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = NowMillis()
	}
}

// findString searches the known field paths in order and returns the first
// non-empty string value.
func (p *Processor) findString(fields map[string]json.RawMessage, paths []string, what string) string {
	for _, key := range paths {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			continue
		}
		if p.trace {
			p.logger.Debug("extracted field",
				zap.String("what", what),
				zap.String("from", key),
				zap.String("value", s))
		}
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
