// Package scrape derives session signals (token counts, permission prompts,
// suggested next prompts) from periodic pane captures of internal sessions.
package scrape

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/session"
)

// CaptureLines is how far back each scraper reads pane scrollback.
const CaptureLines = 100

// Capturer is the slice of the terminal executor the scrapers need.
type Capturer interface {
	CapturePane(ctx context.Context, target string, startLine int) (string, error)
}

// Lister is the slice of the registry the scrapers need to enumerate targets.
type Lister interface {
	List() []session.View
	Get(id string) (session.View, bool)
}

// Loop runs fn on a jittered fixed period until ctx is done. A panicking
// iteration is logged and swallowed; the next tick retries.
func Loop(ctx context.Context, name string, period time.Duration, log *logger.Logger, fn func(context.Context)) {
	jitter := time.Duration(rand.Int63n(int64(period / 4)))
	timer := time.NewTimer(period + jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("scrape iteration panicked",
						zap.String("loop", name), zap.Any("panic", r))
				}
			}()
			fn(ctx)
		}()

		timer.Reset(period + time.Duration(rand.Int63n(int64(period/4))))
	}
}

// internalTargets returns the internal sessions that have a live capture
// target, paired with their tmux session name.
func internalTargets(reg Lister) []session.View {
	var out []session.View
	for _, v := range reg.List() {
		if v.Kind != session.KindInternal {
			continue
		}
		if v.Terminal == nil || v.Terminal.MuxSession == "" {
			continue
		}
		if v.Status == session.StatusOffline {
			continue
		}
		out = append(out, v)
	}
	return out
}
