package session

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sploithunter/cin/internal/event"
)

// LaunchFlags are the caller-controlled options for composing an agent's
// launch command line.
type LaunchFlags struct {
	// Continue resumes the most recent conversation in cwd.
	Continue bool
	// SkipPermissions is on by default; a non-nil false disables it.
	SkipPermissions *bool
	// Extra tokens are appended verbatim.
	Extra []string
}

// Attachment is an image attached to a prompt.
type Attachment struct {
	Data      []byte
	MediaType string
	Name      string
}

// Adapter is the per-agent capability set. Each assistant kind the
// supervisor manages provides one.
type Adapter interface {
	// Name is the agent key ("claude", "codex", ...).
	Name() string
	// LaunchCommand composes the command line typed into a fresh tmux
	// session to start the assistant.
	LaunchCommand(flags LaunchFlags, cwd string) string
	// RestartCommand composes the command line used on restart.
	RestartCommand(cwd string) string
	// ExtractAgentSessionID pulls the agent's own session identifier from
	// a normalized event, or "" if the event carries none.
	ExtractAgentSessionID(ev *event.Event) string
}

// PromptPreprocessor is an optional adapter capability for rewriting a
// prompt before it is pasted, e.g. to inline image attachments.
type PromptPreprocessor interface {
	PreprocessPrompt(prompt string, attachments []Attachment) (string, error)
}

// AdapterTable maps agent names to adapters.
type AdapterTable map[string]Adapter

// DefaultAdapters returns the built-in adapter table.
func DefaultAdapters() AdapterTable {
	return AdapterTable{
		"claude": &ClaudeAdapter{},
		"codex":  &CodexAdapter{},
	}
}

// Get returns the adapter for agent, falling back to the claude adapter for
// unknown names so auto-created external sessions always have one.
func (t AdapterTable) Get(agent string) Adapter {
	if a, ok := t[agent]; ok {
		return a
	}
	return t["claude"]
}

// ClaudeAdapter drives the Claude Code CLI.
type ClaudeAdapter struct{}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) LaunchCommand(flags LaunchFlags, cwd string) string {
	parts := []string{"claude"}
	if flags.Continue {
		parts = append(parts, "-c")
	}
	// Skip-permissions is on by default but overridable.
	if flags.SkipPermissions == nil || *flags.SkipPermissions {
		parts = append(parts, "--dangerously-skip-permissions")
	}
	parts = append(parts, flags.Extra...)
	return strings.Join(parts, " ")
}

func (a *ClaudeAdapter) RestartCommand(cwd string) string {
	return "claude --dangerously-skip-permissions"
}

func (a *ClaudeAdapter) ExtractAgentSessionID(ev *event.Event) string {
	return ev.AgentSessionID
}

// PreprocessPrompt writes image attachments to temp files and references
// them from the prompt text, since the CLI reads images from paths.
func (a *ClaudeAdapter) PreprocessPrompt(prompt string, attachments []Attachment) (string, error) {
	if len(attachments) == 0 {
		return prompt, nil
	}

	var refs []string
	for i, att := range attachments {
		ext := extensionForMediaType(att.MediaType)
		f, err := os.CreateTemp("", fmt.Sprintf("cin-image-%d-*%s", i+1, ext))
		if err != nil {
			return "", fmt.Errorf("writing image attachment: %w", err)
		}
		if _, err := f.Write(att.Data); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("writing image attachment: %w", err)
		}
		f.Close()
		refs = append(refs, fmt.Sprintf("[Image #%d: %s]", i+1, f.Name()))
	}

	return strings.Join(refs, "\n") + "\n" + prompt, nil
}

// CodexAdapter drives the Codex CLI. Codex sessions are typically detected
// from on-disk transcripts rather than spawned, but internal sessions are
// supported too.
type CodexAdapter struct{}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) LaunchCommand(flags LaunchFlags, cwd string) string {
	parts := []string{"codex"}
	if flags.Continue {
		parts = append(parts, "resume", "--last")
	}
	if flags.SkipPermissions == nil || *flags.SkipPermissions {
		parts = append(parts, "--full-auto")
	}
	parts = append(parts, flags.Extra...)
	return strings.Join(parts, " ")
}

func (a *CodexAdapter) RestartCommand(cwd string) string {
	return "codex --full-auto"
}

func (a *CodexAdapter) ExtractAgentSessionID(ev *event.Event) string {
	return ev.AgentSessionID
}

// DecodeAttachment converts a base64 payload from the HTTP surface into an
// Attachment.
func DecodeAttachment(data, mediaType, name string) (Attachment, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Attachment{}, fmt.Errorf("invalid base64 image data: %w", err)
	}
	return Attachment{Data: raw, MediaType: mediaType, Name: name}, nil
}

func extensionForMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return filepath.Ext(mediaType)
	}
}
