package scrape

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/session"
)

// AutoAcceptPeriod is the agreement loop's period; AutoAcceptCooldown is the
// minimum spacing between submissions for one session.
const (
	AutoAcceptPeriod   = 2 * time.Second
	AutoAcceptCooldown = 3 * time.Second
)

// PromptSender submits a prompt to a session, Enter included.
type PromptSender interface {
	SendPrompt(ctx context.Context, sessionID, prompt string) error
}

// AutoAcceptRegistry is the registry slice the agreement loop mutates.
type AutoAcceptRegistry interface {
	Lister
	SetSuggestion(id, suggestion string) bool
	SetWorking(id, tool string) bool
}

// AutoAccepter submits the scraped suggestion as a prompt for sessions that
// opted in to auto-accept.
type AutoAccepter struct {
	sender   PromptSender
	registry AutoAcceptRegistry
	logger   *logger.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAutoAccepter creates an AutoAccepter.
func NewAutoAccepter(sender PromptSender, reg AutoAcceptRegistry, log *logger.Logger) *AutoAccepter {
	return &AutoAccepter{
		sender:   sender,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "auto-accept")),
		lastSent: make(map[string]time.Time),
	}
}

// Run drives the agreement loop until ctx is done.
func (a *AutoAccepter) Run(ctx context.Context) {
	Loop(ctx, "auto-accept", AutoAcceptPeriod, a.logger, a.tick)
}

func (a *AutoAccepter) tick(ctx context.Context) {
	for _, v := range internalTargets(a.registry) {
		if !v.AutoAccept || v.Suggestion == "" {
			continue
		}
		if v.Status != session.StatusWaiting && v.Status != session.StatusIdle {
			continue
		}
		a.acceptOne(ctx, v)
	}
}

func (a *AutoAccepter) acceptOne(ctx context.Context, v session.View) {
	a.mu.Lock()
	if time.Since(a.lastSent[v.ID]) < AutoAcceptCooldown {
		a.mu.Unlock()
		return
	}
	a.lastSent[v.ID] = time.Now()
	a.mu.Unlock()

	if err := a.sender.SendPrompt(ctx, v.ID, v.Suggestion); err != nil {
		a.logger.Warn("auto-accept send failed",
			zap.String("session_id", v.ID), zap.Error(err))
		return
	}

	a.registry.SetSuggestion(v.ID, "")
	a.registry.SetWorking(v.ID, "")
	a.logger.Info("auto-accepted suggestion",
		zap.String("session_id", v.ID), zap.String("prompt", v.Suggestion))
}

// Forget drops cooldown state for a removed session.
func (a *AutoAccepter) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.lastSent, sessionID)
	a.mu.Unlock()
}
