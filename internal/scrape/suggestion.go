package scrape

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/session"
)

// SuggestionScrapePeriod is the extractor's loop period.
const SuggestionScrapePeriod = 1500 * time.Millisecond

// suggestionTail is how many capture lines the extractor inspects.
const suggestionTail = 20

// SuggestionRegistry is the registry slice the extractor writes through.
type SuggestionRegistry interface {
	Lister
	SetSuggestion(id, suggestion string) bool
}

// SuggestionExtractor scrapes the assistant's typed-but-unsent next prompt
// from the input line of waiting or idle sessions.
type SuggestionExtractor struct {
	capturer Capturer
	registry SuggestionRegistry
	logger   *logger.Logger
}

// NewSuggestionExtractor creates a SuggestionExtractor.
func NewSuggestionExtractor(capturer Capturer, reg SuggestionRegistry, log *logger.Logger) *SuggestionExtractor {
	return &SuggestionExtractor{
		capturer: capturer,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "suggestion-scraper")),
	}
}

// Run drives the extraction loop until ctx is done.
func (s *SuggestionExtractor) Run(ctx context.Context) {
	Loop(ctx, "suggestions", SuggestionScrapePeriod, s.logger, s.tick)
}

func (s *SuggestionExtractor) tick(ctx context.Context) {
	for _, v := range internalTargets(s.registry) {
		// A working session's input line is the running turn, not a hint.
		if v.Status != session.StatusWaiting && v.Status != session.StatusIdle {
			continue
		}
		s.scanOne(ctx, v)
	}
}

func (s *SuggestionExtractor) scanOne(ctx context.Context, v session.View) {
	capture, err := s.capturer.CapturePane(ctx, v.Terminal.MuxSession, -CaptureLines)
	if err != nil {
		return
	}

	lines := strings.Split(capture, "\n")
	if len(lines) > suggestionTail {
		lines = lines[len(lines)-suggestionTail:]
	}

	suggestion := ExtractSuggestion(lines)
	if suggestion == v.Suggestion {
		return
	}
	if s.registry.SetSuggestion(v.ID, suggestion) && suggestion != "" {
		s.logger.Debug("suggestion updated",
			zap.String("session_id", v.ID), zap.String("suggestion", suggestion))
	}
}

// ExtractSuggestion returns the last prompt-line candidate in lines, or ""
// when nothing plausible is visible.
func ExtractSuggestion(lines []string) string {
	var candidate string
	for _, line := range lines {
		text, ok := promptLineText(line)
		if !ok {
			continue
		}
		text = stripUIHints(text)
		if isNonSuggestion(text) {
			continue
		}
		candidate = text
	}
	return candidate
}

// promptLineText returns the text after an input-line marker.
func promptLineText(line string) (string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	for _, marker := range []string{"❯ ", "> "} {
		if strings.HasPrefix(trimmed, marker) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, marker)), true
		}
	}
	return "", false
}

// stripUIHints drops trailing key-hint decorations the TUI renders after the
// input text.
func stripUIHints(text string) string {
	for _, hint := range []string{"⏎", "│", "┃", "ctrl+", "Ctrl+", "esc to"} {
		if idx := strings.Index(text, hint); idx >= 0 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}

// isNonSuggestion filters input-line content that is UI chrome rather than a
// usable next prompt.
func isNonSuggestion(text string) bool {
	if len(text) <= 2 {
		return true
	}
	if strings.HasPrefix(text, "[") {
		return true
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "tokens") || strings.Contains(lower, "bypass permissions")
}
