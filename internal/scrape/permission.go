package scrape

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/bus"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/session"
)

// PermissionScrapePeriod is the detector's loop period.
const PermissionScrapePeriod = 1 * time.Second

// optionLookahead bounds how far below the proceed line options are parsed.
const optionLookahead = 10

// cueWindow bounds how far below the proceed line a footer cue or pointer
// marker must appear for the prompt to count as real.
const cueWindow = 8

var (
	proceedRe = regexp.MustCompile(`(Do you want|Would you like) to proceed\?`)
	optionRe  = regexp.MustCompile(`^\s*(?:❯\s*)?(\d+)\.\s+(.+?)\s*$`)
	toolRe    = regexp.MustCompile(`[●⏺•▸*]\s*([A-Z][A-Za-z]+)\(`)
)

// knownTools are recognized when no bullet-prefixed tool line is visible.
var knownTools = []string{"Bash", "Edit", "Write", "Read", "WebFetch", "WebSearch", "Task", "Glob", "Grep"}

// Option is one numbered choice in a permission prompt.
type Option struct {
	Number int    `json:"number"`
	Label  string `json:"label"`
}

// PendingPermission is a detected, unanswered permission prompt.
type PendingPermission struct {
	SessionID  string   `json:"sessionId"`
	Tool       string   `json:"tool"`
	Context    string   `json:"context"`
	Options    []Option `json:"options"`
	DetectedAt int64    `json:"detectedAt"`
}

// StatusRegistry is the registry slice the detector mutates.
type StatusRegistry interface {
	Lister
	SetWaiting(id, tool string) bool
	SetWorking(id, tool string) bool
}

// KeySender sends raw key tokens into a pane.
type KeySender interface {
	SendKeys(ctx context.Context, target string, keys ...string) error
}

// PermissionDetector finds permission prompts in pane output and tracks them
// until they disappear or are answered. Only this scraper writes the pending
// map and the bypass-warning set.
type PermissionDetector struct {
	capturer Capturer
	keys     KeySender
	registry StatusRegistry
	bus      bus.EventBus
	logger   *logger.Logger

	mu            sync.Mutex
	pending       map[string]*PendingPermission
	bypassHandled map[string]bool
}

// NewPermissionDetector creates a PermissionDetector.
func NewPermissionDetector(capturer Capturer, keys KeySender, reg StatusRegistry, b bus.EventBus, log *logger.Logger) *PermissionDetector {
	return &PermissionDetector{
		capturer:      capturer,
		keys:          keys,
		registry:      reg,
		bus:           b,
		logger:        log.WithFields(zap.String("component", "permission-scraper")),
		pending:       make(map[string]*PendingPermission),
		bypassHandled: make(map[string]bool),
	}
}

// Run drives the detection loop until ctx is done.
func (p *PermissionDetector) Run(ctx context.Context) {
	Loop(ctx, "permissions", PermissionScrapePeriod, p.logger, p.tick)
}

func (p *PermissionDetector) tick(ctx context.Context) {
	for _, v := range internalTargets(p.registry) {
		p.scanOne(ctx, v.ID, v.Terminal.MuxSession)
	}
}

func (p *PermissionDetector) scanOne(ctx context.Context, sessionID, target string) {
	capture, err := p.capturer.CapturePane(ctx, target, -CaptureLines)
	if err != nil {
		return
	}
	lines := strings.Split(capture, "\n")

	p.handleBypassWarning(ctx, sessionID, target, capture)

	detected := ParsePermissionPrompt(lines)

	p.mu.Lock()
	_, wasPending := p.pending[sessionID]
	p.mu.Unlock()

	switch {
	case detected != nil && !wasPending:
		detected.SessionID = sessionID
		detected.DetectedAt = time.Now().UnixMilli()

		p.mu.Lock()
		p.pending[sessionID] = detected
		p.mu.Unlock()

		p.registry.SetWaiting(sessionID, detected.Tool)
		p.publish(ctx, "permission_prompt", detected)
		p.logger.Info("permission prompt detected",
			zap.String("session_id", sessionID), zap.String("tool", detected.Tool))

	case detected == nil && wasPending:
		p.mu.Lock()
		delete(p.pending, sessionID)
		p.mu.Unlock()

		p.publish(ctx, "permission_resolved", map[string]string{"sessionId": sessionID})
		if v, ok := p.registry.Get(sessionID); ok && v.Status == session.StatusWaiting {
			p.registry.SetWorking(sessionID, "")
		}
	}
}

// handleBypassWarning auto-acknowledges the bypass-permissions startup
// warning once per session by answering "2".
func (p *PermissionDetector) handleBypassWarning(ctx context.Context, sessionID, target, capture string) {
	if !strings.Contains(capture, "Bypass Permissions mode") &&
		!strings.Contains(strings.ToLower(capture), "bypass permissions") {
		return
	}
	if !strings.Contains(capture, "2.") {
		return
	}

	p.mu.Lock()
	handled := p.bypassHandled[sessionID]
	if !handled {
		p.bypassHandled[sessionID] = true
	}
	p.mu.Unlock()
	if handled {
		return
	}

	if err := p.keys.SendKeys(ctx, target, "2"); err != nil {
		p.logger.Warn("failed to ack bypass warning",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	p.logger.Info("acknowledged bypass permissions warning", zap.String("session_id", sessionID))
}

// Pending returns the session's unanswered permission prompt, if any.
func (p *PermissionDetector) Pending(sessionID string) (PendingPermission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pend, ok := p.pending[sessionID]
	if !ok {
		return PendingPermission{}, false
	}
	return *pend, true
}

// Clear drops the pending entry after a response was sent.
func (p *PermissionDetector) Clear(sessionID string) {
	p.mu.Lock()
	delete(p.pending, sessionID)
	p.mu.Unlock()
}

// Forget drops all tracking state for a removed session.
func (p *PermissionDetector) Forget(sessionID string) {
	p.mu.Lock()
	delete(p.pending, sessionID)
	delete(p.bypassHandled, sessionID)
	p.mu.Unlock()
}

func (p *PermissionDetector) publish(ctx context.Context, kind string, payload interface{}) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, bus.SubjectPushPrefix+kind, bus.NewEvent(kind, "permission-scraper", payload))
}

// ParsePermissionPrompt scans capture lines for a live permission prompt.
// The proceed question alone is not enough: a footer cue or a pointer marker
// must be visible below it, which filters prompts already scrolled into
// history.
func ParsePermissionPrompt(lines []string) *PendingPermission {
	proceedIdx := -1
	for i, line := range lines {
		if proceedRe.MatchString(line) {
			proceedIdx = i
		}
	}
	if proceedIdx < 0 {
		return nil
	}

	confirmed := false
	end := proceedIdx + cueWindow
	if end > len(lines) {
		end = len(lines)
	}
	for _, line := range lines[proceedIdx:end] {
		if strings.Contains(line, "Esc to cancel") ||
			strings.Contains(line, "ctrl-g to edit") ||
			strings.Contains(line, "❯") {
			confirmed = true
			break
		}
	}
	if !confirmed {
		return nil
	}

	var options []Option
	optEnd := proceedIdx + 1 + optionLookahead
	if optEnd > len(lines) {
		optEnd = len(lines)
	}
	for _, line := range lines[proceedIdx+1 : optEnd] {
		m := optionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		options = append(options, Option{Number: n, Label: m[2]})
	}
	if len(options) == 0 {
		return nil
	}

	return &PendingPermission{
		Tool:    inferTool(lines, proceedIdx),
		Context: strings.TrimSpace(lines[proceedIdx]),
		Options: options,
	}
}

// inferTool scans upward from the proceed line for a bullet-prefixed
// "Tool(" invocation, then falls back to a known tool keyword.
func inferTool(lines []string, proceedIdx int) string {
	for i := proceedIdx; i >= 0; i-- {
		if m := toolRe.FindStringSubmatch(lines[i]); m != nil {
			return m[1]
		}
	}
	for i := proceedIdx; i >= 0; i-- {
		for _, tool := range knownTools {
			if strings.Contains(lines[i], tool+"(") {
				return tool
			}
		}
	}
	return ""
}
