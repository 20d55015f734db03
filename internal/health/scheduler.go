// Package health runs the liveness, staleness, and cleanup loops that keep
// the session registry matching reality.
package health

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/session"
	"github.com/sploithunter/cin/internal/tmux"
)

// Aging thresholds for the status and cleanup rules.
const (
	WorkingTimeout         = 2 * time.Minute
	ExternalIdle           = 5 * time.Minute
	TranscriptInactive     = 30 * time.Minute
	ExternalOfflineCleanup = 5 * time.Minute
	OfflineCleanup         = 1 * time.Hour
	StaleOfflineCleanup    = 7 * 24 * time.Hour
	PhantomCutoff          = 2 * time.Minute
)

// Loop periods.
const (
	livenessPeriod   = 5 * time.Second
	workingPeriod    = 10 * time.Second
	transcriptPeriod = 30 * time.Second
	stalenessPeriod  = 60 * time.Second
	cleanupPeriod    = 60 * time.Second
)

// Registry is the slice of the session registry the scheduler drives.
type Registry interface {
	List() []session.View
	SetOffline(id string) bool
	SetIdle(id string) bool
	Remove(id string) (session.Session, bool)
}

// Mux is the slice of the terminal executor the scheduler probes with.
type Mux interface {
	ListSessions(ctx context.Context) ([]tmux.Session, error)
	HasSession(ctx context.Context, name string) (bool, error)
	PaneExists(ctx context.Context, paneID, socket string) (bool, error)
}

// TranscriptProber answers whether an agent thread's transcript was touched
// recently.
type TranscriptProber interface {
	IsSessionActive(threadID string, within time.Duration) bool
}

// Forgetter lets collaborators drop per-session state when the scheduler
// deletes a session.
type Forgetter interface {
	Forget(sessionID string)
}

// Scheduler owns the five periodic loops. Each iteration is idempotent and
// swallows its own errors.
type Scheduler struct {
	registry  Registry
	mux       Mux
	probers   map[string]TranscriptProber // agent name -> prober
	observers []Forgetter
	logger    *logger.Logger
}

// NewScheduler creates a Scheduler. probers maps agent names to their
// transcript probe; observers are notified when a session is deleted.
func NewScheduler(reg Registry, mux Mux, probers map[string]TranscriptProber, observers []Forgetter, log *logger.Logger) *Scheduler {
	return &Scheduler{
		registry:  reg,
		mux:       mux,
		probers:   probers,
		observers: observers,
		logger:    log.WithFields(zap.String("component", "health")),
	}
}

// Run starts all five loops and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, "liveness", livenessPeriod, s.checkLiveness)
	go s.loop(ctx, "working-timeout", workingPeriod, s.checkWorkingTimeout)
	go s.loop(ctx, "transcript-inactivity", transcriptPeriod, s.checkTranscripts)
	go s.loop(ctx, "external-staleness", stalenessPeriod, s.checkExternalStaleness)
	s.loop(ctx, "cleanup", cleanupPeriod, s.cleanup)
}

// loop runs fn on a jittered fixed period. A panicking iteration is logged
// and the next tick retries.
func (s *Scheduler) loop(ctx context.Context, name string, period time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(period + time.Duration(rand.Int63n(int64(period/4))))
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
					s.logger.Error("health loop panicked",
						zap.String("loop", name), zap.Any("panic", r))
				}
			}()
			fn(ctx)
		}()

		timer.Reset(period + time.Duration(rand.Int63n(int64(period/4))))
	}
}

// checkLiveness reconciles internal sessions with the live tmux session list:
// a missing mux session demotes to offline, a present one promotes a
// previously offline session back to idle.
func (s *Scheduler) checkLiveness(ctx context.Context) {
	live, err := s.mux.ListSessions(ctx)
	if err != nil {
		s.logger.Debug("list-sessions failed", zap.Error(err))
		return
	}
	alive := make(map[string]bool, len(live))
	for _, t := range live {
		alive[t.Name] = true
	}

	for _, v := range s.registry.List() {
		if v.Kind != session.KindInternal || v.Terminal == nil || v.Terminal.MuxSession == "" {
			continue
		}
		switch {
		case !alive[v.Terminal.MuxSession] && v.Status != session.StatusOffline:
			s.registry.SetOffline(v.ID)
		case alive[v.Terminal.MuxSession] && v.Status == session.StatusOffline:
			s.registry.SetIdle(v.ID)
		}
	}
}

// checkWorkingTimeout idles any session stuck in working with no activity.
func (s *Scheduler) checkWorkingTimeout(_ context.Context) {
	now := session.NowMillis()
	for _, v := range s.registry.List() {
		if v.Status != session.StatusWorking {
			continue
		}
		if now-v.LastActivity > WorkingTimeout.Milliseconds() {
			s.logger.Info("working timeout", zap.String("session_id", v.ID))
			s.registry.SetIdle(v.ID)
		}
	}
}

// checkTranscripts marks transcript-backed external sessions offline once
// their transcript goes quiet.
func (s *Scheduler) checkTranscripts(_ context.Context) {
	for _, v := range s.registry.List() {
		if v.Kind != session.KindExternal || v.Status == session.StatusOffline {
			continue
		}
		prober, ok := s.probers[v.Agent]
		if !ok || v.AgentSessionID == "" {
			continue
		}
		if !prober.IsSessionActive(v.AgentSessionID, TranscriptInactive) {
			s.registry.SetOffline(v.ID)
		}
	}
}

// checkExternalStaleness demotes external sessions whose pane is gone or
// whose activity aged out.
func (s *Scheduler) checkExternalStaleness(ctx context.Context) {
	now := session.NowMillis()
	for _, v := range s.registry.List() {
		if v.Kind != session.KindExternal || v.Status == session.StatusOffline {
			continue
		}

		if v.Terminal != nil && v.Terminal.PaneID != "" {
			exists, err := s.mux.PaneExists(ctx, v.Terminal.PaneID, v.Terminal.Socket)
			if err == nil && !exists {
				s.registry.SetOffline(v.ID)
			}
			continue
		}

		bar := ExternalIdle
		if v.Status == session.StatusWorking {
			bar = WorkingTimeout
		}
		if now-v.LastActivity > bar.Milliseconds() {
			s.registry.SetOffline(v.ID)
		}
	}
}

// cleanup deletes sessions per the ordered rules: phantom externals, stale
// offline of either kind, offline externals, and internals whose mux session
// died long ago. An internal session with a live mux session is never
// deleted here.
func (s *Scheduler) cleanup(ctx context.Context) {
	now := session.NowMillis()
	for _, v := range s.registry.List() {
		age := now - v.LastActivity

		var reason string
		switch {
		case v.Kind == session.KindExternal && noTerminal(v) && age >= PhantomCutoff.Milliseconds():
			reason = "phantom"
		case v.Status == session.StatusOffline && age >= StaleOfflineCleanup.Milliseconds():
			reason = "stale offline"
		case v.Kind == session.KindExternal && v.Status == session.StatusOffline && age >= ExternalOfflineCleanup.Milliseconds():
			reason = "external offline"
		case v.Kind == session.KindInternal && v.Status == session.StatusOffline && age >= OfflineCleanup.Milliseconds():
			reason = "dead mux"
		default:
			continue
		}

		if v.Kind == session.KindInternal && v.Terminal != nil && v.Terminal.MuxSession != "" {
			live, err := s.mux.HasSession(ctx, v.Terminal.MuxSession)
			if err != nil || live {
				continue
			}
		}

		if _, ok := s.registry.Remove(v.ID); ok {
			for _, o := range s.observers {
				o.Forget(v.ID)
			}
			s.logger.Info("cleaned up session",
				zap.String("session_id", v.ID),
				zap.String("kind", string(v.Kind)),
				zap.String("reason", reason))
		}
	}
}

func noTerminal(v session.View) bool {
	return v.Terminal == nil || (v.Terminal.MuxSession == "" && v.Terminal.PaneID == "")
}
