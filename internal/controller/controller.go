// Package controller implements the public session operations behind the
// HTTP surface: create, update, delete, restart, prompt delivery, cancel,
// permission responses, and bulk cleanup.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/scrape"
	"github.com/sploithunter/cin/internal/session"
	"github.com/sploithunter/cin/internal/tmux"
)

// PermissionStore is the pending-permission view the controller answers
// through.
type PermissionStore interface {
	Pending(sessionID string) (scrape.PendingPermission, bool)
	Clear(sessionID string)
}

// Forgetter drops per-session collaborator state on delete.
type Forgetter interface {
	Forget(sessionID string)
}

// Controller executes session commands against the registry and the
// terminal executor.
type Controller struct {
	registry    *session.Registry
	mux         *tmux.Executor
	permissions PermissionStore
	observers   []Forgetter
	muxPrefix   string
	attachName  string
	logger      *logger.Logger
}

// New creates a Controller. muxPrefix names spawned tmux sessions
// ("<prefix>-<8hex>"); attachName is the tmux session opened by the
// terminal endpoint.
func New(reg *session.Registry, mux *tmux.Executor, muxPrefix, attachName string, log *logger.Logger) *Controller {
	return &Controller{
		registry:   reg,
		mux:        mux,
		muxPrefix:  muxPrefix,
		attachName: attachName,
		logger:     log.WithFields(zap.String("component", "controller")),
	}
}

// SetPermissionStore wires the permission detector once it exists.
func (c *Controller) SetPermissionStore(p PermissionStore) { c.permissions = p }

// AddObserver registers a collaborator to notify when sessions are deleted.
func (c *Controller) AddObserver(o Forgetter) { c.observers = append(c.observers, o) }

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name         string
	CWD          string
	Agent        string
	Flags        session.LaunchFlags
	ZonePosition json.RawMessage
	OpenTerminal bool
}

// Create spawns an internal session: an empty detached tmux session first,
// then the assistant launch line typed into it. A failed launch kills the
// partial tmux session and registers nothing.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (session.View, error) {
	if err := tmux.ValidateDirectory(req.CWD); err != nil {
		return session.View{}, apperrors.Validation("cwd", err.Error())
	}

	agent := req.Agent
	if agent == "" {
		agent = "claude"
	}
	name := req.Name
	if name == "" {
		name = session.DefaultName(req.CWD)
	}

	id := uuid.NewString()
	muxName := fmt.Sprintf("%s-%s", c.muxPrefix, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	if err := c.mux.CreateDetached(ctx, muxName, req.CWD); err != nil {
		return session.View{}, apperrors.Wrap(err, "failed to create tmux session")
	}

	adapter := c.registry.Adapter(agent)
	launch := adapter.LaunchCommand(req.Flags, req.CWD)
	if err := c.mux.InjectCommand(ctx, muxName, launch); err != nil {
		if killErr := c.mux.Kill(ctx, muxName); killErr != nil {
			c.logger.Warn("failed to kill partial tmux session",
				zap.String("mux_session", muxName), zap.Error(killErr))
		}
		return session.View{}, apperrors.Wrap(err, "failed to launch assistant")
	}

	v := c.registry.CreateInternal(id, name, agent, req.CWD, muxName)
	if len(req.ZonePosition) > 0 {
		c.registry.SetZonePosition(id, req.ZonePosition)
		v, _ = c.registry.Get(id)
	}

	c.logger.Info("created internal session",
		zap.String("session_id", id),
		zap.String("agent", agent),
		zap.String("mux_session", muxName),
		zap.String("cwd", req.CWD))

	if req.OpenTerminal {
		// Best effort; the session is healthy without a visible window.
		if err := openTerminalWindow(ctx, muxName); err != nil {
			c.logger.Debug("failed to open terminal window", zap.Error(err))
		}
	}
	return v, nil
}

// UpdateRequest is a partial session update. ZonePositionSet distinguishes
// "leave unchanged" from an explicit null, which unplaces the session.
type UpdateRequest struct {
	Name            string
	ZonePosition    json.RawMessage
	ZonePositionSet bool
	AutoAccept      *bool
}

// Update applies a partial update.
func (c *Controller) Update(id string, req UpdateRequest) (session.View, error) {
	if !c.registry.Has(id) {
		return session.View{}, apperrors.NotFound("session", id)
	}

	if req.Name != "" {
		c.registry.Rename(id, req.Name)
	}
	if req.ZonePositionSet {
		zone := req.ZonePosition
		if string(zone) == "null" {
			zone = nil
		}
		c.registry.SetZonePosition(id, zone)
	}
	if req.AutoAccept != nil {
		c.registry.SetAutoAccept(id, *req.AutoAccept)
	}

	v, _ := c.registry.Get(id)
	return v, nil
}

// Delete removes a session. For internal sessions the tmux session is killed
// first; any associated UI window is closed best-effort afterwards.
func (c *Controller) Delete(ctx context.Context, id string) error {
	v, ok := c.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}

	windowID := ""
	if v.Kind == session.KindInternal && v.Terminal != nil {
		windowID = findTerminalWindow(ctx, v.Terminal.MuxSession)
		if err := c.mux.Kill(ctx, v.Terminal.MuxSession); err != nil {
			c.logger.Warn("failed to kill tmux session",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	c.registry.Remove(id)
	for _, o := range c.observers {
		o.Forget(id)
	}

	if windowID != "" {
		go func() {
			time.Sleep(500 * time.Millisecond)
			closeTerminalWindow(context.Background(), windowID)
		}()
	}
	return nil
}

// SendPrompt pastes a prompt into the session's pane followed by Enter.
// Implements the auto-accept loop's sender.
func (c *Controller) SendPrompt(ctx context.Context, id, prompt string) error {
	return c.SendPromptWithImages(ctx, id, prompt, nil)
}

// SendPromptWithImages preprocesses the prompt through the session's adapter
// (inlining image attachments) and delivers it.
func (c *Controller) SendPromptWithImages(ctx context.Context, id, prompt string, attachments []session.Attachment) error {
	v, ok := c.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}

	if pp, ok := c.registry.Adapter(v.Agent).(session.PromptPreprocessor); ok {
		processed, err := pp.PreprocessPrompt(prompt, attachments)
		if err != nil {
			return apperrors.Wrap(err, "failed to preprocess prompt")
		}
		prompt = processed
	}

	switch {
	case v.Kind == session.KindInternal && v.Terminal != nil && v.Terminal.MuxSession != "":
		if err := c.mux.Paste(ctx, v.Terminal.MuxSession, prompt, tmux.PasteOptions{SendEnter: true}); err != nil {
			return apperrors.Wrap(err, "failed to paste prompt")
		}
	case v.Kind == session.KindExternal && v.Terminal != nil && v.Terminal.PaneID != "":
		opts := tmux.PasteOptions{IsPaneID: true, Socket: v.Terminal.Socket, SendEnter: true}
		if err := c.mux.Paste(ctx, v.Terminal.PaneID, prompt, opts); err != nil {
			return apperrors.Wrap(err, "failed to paste prompt")
		}
	default:
		return apperrors.Conflict("cannot send prompt: session has no known terminal pane")
	}

	c.registry.Touch(id)
	return nil
}

// Cancel interrupts the running turn with Ctrl-C. Internal sessions only.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	v, ok := c.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}
	if v.Kind != session.KindInternal || v.Terminal == nil || v.Terminal.MuxSession == "" {
		return apperrors.Conflict("cannot cancel an external session")
	}
	if err := c.mux.SendKeys(ctx, v.Terminal.MuxSession, "C-c"); err != nil {
		return apperrors.Wrap(err, "failed to send interrupt")
	}
	return nil
}

// Restart relaunches the assistant of an internal session in a fresh tmux
// session of the same name and clears its agent binding so the next hook
// event re-links it.
func (c *Controller) Restart(ctx context.Context, id string) (session.View, error) {
	v, ok := c.registry.Get(id)
	if !ok {
		return session.View{}, apperrors.NotFound("session", id)
	}
	if v.Kind != session.KindInternal || v.Terminal == nil || v.Terminal.MuxSession == "" {
		return session.View{}, apperrors.Conflict("cannot restart an external session")
	}
	muxName := v.Terminal.MuxSession

	if live, err := c.mux.HasSession(ctx, muxName); err == nil && live {
		if err := c.mux.Kill(ctx, muxName); err != nil {
			return session.View{}, apperrors.Wrap(err, "failed to kill tmux session")
		}
	}
	if err := c.mux.CreateDetached(ctx, muxName, v.CWD); err != nil {
		return session.View{}, apperrors.Wrap(err, "failed to recreate tmux session")
	}

	restart := c.registry.Adapter(v.Agent).RestartCommand(v.CWD)
	if err := c.mux.InjectCommand(ctx, muxName, restart); err != nil {
		return session.View{}, apperrors.Wrap(err, "failed to relaunch assistant")
	}

	c.registry.ResetForRestart(id)
	if c.permissions != nil {
		c.permissions.Clear(id)
	}
	c.logger.Info("restarted session", zap.String("session_id", id))

	out, _ := c.registry.Get(id)
	return out, nil
}

// PermissionResponse answers a detected permission prompt by typing the
// chosen option number.
func (c *Controller) PermissionResponse(ctx context.Context, id, response string) error {
	v, ok := c.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}
	if c.permissions == nil {
		return apperrors.Conflict("no permission prompt pending")
	}
	pending, ok := c.permissions.Pending(id)
	if !ok {
		return apperrors.Conflict("no permission prompt pending")
	}

	n, err := strconv.Atoi(response)
	if err != nil {
		return apperrors.Validation("response", "must be an option number")
	}
	valid := false
	for _, opt := range pending.Options {
		if opt.Number == n {
			valid = true
			break
		}
	}
	if !valid {
		return apperrors.Validation("response", fmt.Sprintf("option %d is not offered", n))
	}

	if v.Terminal == nil || v.Terminal.MuxSession == "" {
		return apperrors.Conflict("session has no known terminal pane")
	}
	if err := c.mux.SendKeys(ctx, v.Terminal.MuxSession, response); err != nil {
		return apperrors.Wrap(err, "failed to send permission response")
	}

	c.permissions.Clear(id)
	c.registry.SetWorking(id, "")
	return nil
}

// OpenTerminal opens an attached shell window for an internal session.
// Platform-gated best effort.
func (c *Controller) OpenTerminal(ctx context.Context, id string) error {
	v, ok := c.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}
	if v.Kind != session.KindInternal || v.Terminal == nil || v.Terminal.MuxSession == "" {
		return apperrors.Conflict("session has no attachable tmux session")
	}
	return openTerminalWindow(ctx, v.Terminal.MuxSession)
}

// Focus raises the terminal window hosting an external session's pane.
// Platform-gated best effort.
func (c *Controller) Focus(ctx context.Context, id string) error {
	v, ok := c.registry.Get(id)
	if !ok {
		return apperrors.NotFound("session", id)
	}
	if v.Terminal == nil || (v.Terminal.TTY == "" && v.Terminal.PaneID == "") {
		return apperrors.Conflict("session has no known terminal window")
	}
	return focusTerminalWindow(ctx, v.Terminal.TTY)
}

// CleanupRequest filters the bulk purge. Zero values mean "no constraint";
// at least one constraint is required.
type CleanupRequest struct {
	MaxAge  int64 // milliseconds since last activity
	Kind    session.Kind
	Phantom bool
}

// Cleanup bulk-deletes sessions matching every provided filter and returns
// the deleted ids.
func (c *Controller) Cleanup(ctx context.Context, req CleanupRequest) ([]string, error) {
	if req.MaxAge <= 0 && req.Kind == "" && !req.Phantom {
		return nil, apperrors.BadRequest("cleanup requires maxAge, type, or phantom")
	}

	now := session.NowMillis()
	var deleted []string
	for _, v := range c.registry.List() {
		if req.Kind != "" && v.Kind != req.Kind {
			continue
		}
		if req.MaxAge > 0 && now-v.LastActivity < req.MaxAge {
			continue
		}
		if req.Phantom {
			phantom := v.Kind == session.KindExternal &&
				(v.Terminal == nil || (v.Terminal.MuxSession == "" && v.Terminal.PaneID == ""))
			if !phantom {
				continue
			}
		}
		if err := c.Delete(ctx, v.ID); err == nil {
			deleted = append(deleted, v.ID)
		}
	}
	return deleted, nil
}

// AttachSessionName returns the tmux session name the terminal endpoint
// attaches to by default.
func (c *Controller) AttachSessionName() string { return c.attachName }
