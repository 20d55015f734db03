package scrape

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/bus"
	"github.com/sploithunter/cin/internal/common/logger"
)

// TokenScrapePeriod is the token counter's loop period.
const TokenScrapePeriod = 2 * time.Second

// hashTailBytes is how much of the capture tail feeds the change hash.
const hashTailBytes = 2048

var (
	tokenRe  = regexp.MustCompile(`↓\s*([\d,]+)\s+tokens`)
	tokenKRe = regexp.MustCompile(`↓\s*(\d+(?:\.\d+)?)k\s+tokens`)
)

// TokenData tracks one session's observed token counter.
type TokenData struct {
	LastSeen   int64 `json:"lastSeen"`
	Cumulative int64 `json:"cumulative"`
	LastUpdate int64 `json:"lastUpdate"`
}

// TokensPayload is the body of a "tokens" broadcast.
type TokensPayload struct {
	SessionID  string `json:"sessionId"`
	Current    int64  `json:"current"`
	Cumulative int64  `json:"cumulative"`
}

// TokenCounter scrapes the assistant's live token readout from pane output.
// Only this scraper writes the per-session token map.
type TokenCounter struct {
	capturer Capturer
	registry Lister
	bus      bus.EventBus
	logger   *logger.Logger

	mu     sync.Mutex
	tokens map[string]*TokenData
	hashes map[string]uint64
}

// NewTokenCounter creates a TokenCounter.
func NewTokenCounter(capturer Capturer, reg Lister, b bus.EventBus, log *logger.Logger) *TokenCounter {
	return &TokenCounter{
		capturer: capturer,
		registry: reg,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "token-scraper")),
		tokens:   make(map[string]*TokenData),
		hashes:   make(map[string]uint64),
	}
}

// Run drives the scrape loop until ctx is done.
func (t *TokenCounter) Run(ctx context.Context) {
	Loop(ctx, "tokens", TokenScrapePeriod, t.logger, t.tick)
}

func (t *TokenCounter) tick(ctx context.Context) {
	for _, v := range internalTargets(t.registry) {
		t.scrapeOne(ctx, v.ID, v.Terminal.MuxSession)
	}
}

func (t *TokenCounter) scrapeOne(ctx context.Context, sessionID, target string) {
	capture, err := t.capturer.CapturePane(ctx, target, -CaptureLines)
	if err != nil {
		t.logger.Debug("capture failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	// Hash the tail to skip unchanged output.
	tail := capture
	if len(tail) > hashTailBytes {
		tail = tail[len(tail)-hashTailBytes:]
	}
	h := xxhash.Sum64String(tail)

	t.mu.Lock()
	if t.hashes[sessionID] == h {
		t.mu.Unlock()
		return
	}
	t.hashes[sessionID] = h
	t.mu.Unlock()

	current := extractTokens(capture)
	if current <= 0 {
		return
	}

	t.mu.Lock()
	data, ok := t.tokens[sessionID]
	if !ok {
		data = &TokenData{}
		t.tokens[sessionID] = data
	}
	switch {
	case current > data.LastSeen:
		data.Cumulative += current - data.LastSeen
		data.LastSeen = current
	case current < data.LastSeen:
		// The assistant's counter reset (new turn); cumulative is preserved.
		data.LastSeen = current
	}
	data.LastUpdate = time.Now().UnixMilli()
	payload := TokensPayload{SessionID: sessionID, Current: data.LastSeen, Cumulative: data.Cumulative}
	t.mu.Unlock()

	if t.bus != nil {
		_ = t.bus.Publish(ctx, bus.SubjectPushPrefix+"tokens",
			bus.NewEvent("tokens", "token-scraper", payload))
	}
}

// Tokens returns a copy of the session's token data.
func (t *TokenCounter) Tokens(sessionID string) (TokenData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.tokens[sessionID]
	if !ok {
		return TokenData{}, false
	}
	return *data, true
}

// Forget drops tracking state for a removed session.
func (t *TokenCounter) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.tokens, sessionID)
	delete(t.hashes, sessionID)
	t.mu.Unlock()
}

// extractTokens returns the largest token readout in the capture, scanning
// both the plain ("↓ 1234 tokens") and abbreviated ("↓ 1.2k tokens") forms.
func extractTokens(capture string) int64 {
	var max int64

	for _, m := range tokenRe.FindAllStringSubmatch(capture, -1) {
		n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
		if err == nil && n > max {
			max = n
		}
	}
	for _, m := range tokenKRe.FindAllStringSubmatch(capture, -1) {
		f, err := strconv.ParseFloat(m[1], 64)
		if n := int64(f * 1000); err == nil && n > max {
			max = n
		}
	}
	return max
}
