// Package tmux wraps tmux session operations via subprocess. It is the
// single chokepoint for all multiplexer interaction: every command is
// composed from validated argv tokens, never a shell string.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
)

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Session describes one live tmux session.
type Session struct {
	Name string
}

// PasteOptions controls how Paste targets and submits text.
type PasteOptions struct {
	// IsPaneID marks the target as a pane id (%N) instead of a session name.
	IsPaneID bool
	// Socket selects the tmux server socket the pane lives on; empty means
	// the default server.
	Socket string
	// SendEnter submits the pasted text with Enter.
	SendEnter bool
}

// Executor runs tmux commands with bounded timeouts.
type Executor struct {
	timeout time.Duration
	logger  *logger.Logger
}

// NewExecutor creates an Executor. Every tmux invocation is bounded by
// timeout; a timed-out call returns an operation-level error with no retry.
func NewExecutor(timeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "tmux")),
	}
}

// run executes a tmux command and returns stdout.
func (e *Executor) run(ctx context.Context, socket string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	argv := args
	if socket != "" {
		argv = append([]string{"-S", socket}, args...)
	}

	cmd := exec.CommandContext(ctx, "tmux", argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tmux %s: timed out after %s", args[0], e.timeout)
		}
		return "", e.wrapError(err, stderr.String(), args)
	}

	return strings.TrimRight(stdout.String(), "\n"), nil
}

// wrapError wraps tmux errors with context.
func (e *Executor) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "can't find pane") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// ListSessions returns all live tmux sessions on the default server.
// A missing server is reported as zero sessions, not an error.
func (e *Executor) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := e.run(ctx, "", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var sessions []Session
	for _, name := range strings.Split(out, "\n") {
		if name != "" {
			sessions = append(sessions, Session{Name: name})
		}
	}
	return sessions, nil
}

// HasSession checks if a session exists (exact match). The "=" prefix
// prevents prefix matches.
func (e *Executor) HasSession(ctx context.Context, name string) (bool, error) {
	if err := ValidateSessionName(name); err != nil {
		return false, err
	}
	_, err := e.run(ctx, "", "has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDetached creates an empty detached session rooted at cwd. Launching
// the assistant is a separate step so a failed launch does not destroy the
// container.
func (e *Executor) CreateDetached(ctx context.Context, name, cwd string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	if err := ValidateDirectory(cwd); err != nil {
		return err
	}
	_, err := e.run(ctx, "", "new-session", "-d", "-s", name, "-c", cwd)
	return err
}

// InjectCommand types a command line into the session's pane and presses
// Enter. Uses literal mode so special characters survive.
func (e *Executor) InjectCommand(ctx context.Context, name, commandLine string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	if _, err := e.run(ctx, "", "send-keys", "-t", name, "-l", commandLine); err != nil {
		return err
	}
	_, err := e.run(ctx, "", "send-keys", "-t", name, "Enter")
	return err
}

// Kill terminates a session. A session that is already gone is not an error.
func (e *Executor) Kill(ctx context.Context, name string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	_, err := e.run(ctx, "", "kill-session", "-t", name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// CapturePane returns the scrollback of the target starting at startLine
// (negative = lines back from the bottom). The target may be a session name
// or a pane id.
func (e *Executor) CapturePane(ctx context.Context, target string, startLine int) (string, error) {
	isPane := strings.HasPrefix(target, "%")
	if err := validateTarget(target, isPane); err != nil {
		return "", err
	}
	return e.run(ctx, "", "capture-pane", "-t", target, "-p", "-S", strconv.Itoa(startLine))
}

// Paste writes text into a fresh unique temp file, loads it as a tmux paste
// buffer, pastes it into the target, and optionally submits with Enter. The
// temp file is removed on every exit path; cleanup errors are swallowed and
// logged.
func (e *Executor) Paste(ctx context.Context, target, text string, opts PasteOptions) error {
	if err := validateTarget(target, opts.IsPaneID); err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "cin-paste-*.txt")
	if err != nil {
		return fmt.Errorf("creating paste buffer file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			e.logger.Warn("failed to remove paste temp file",
				zap.String("path", tmpPath), zap.Error(rmErr))
		}
	}()

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("writing paste buffer file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing paste buffer file: %w", err)
	}

	if _, err := e.run(ctx, opts.Socket, "load-buffer", tmpPath); err != nil {
		return err
	}
	if _, err := e.run(ctx, opts.Socket, "paste-buffer", "-t", target, "-d"); err != nil {
		return err
	}

	if opts.SendEnter {
		// Brief settle so Enter lands after the paste is processed.
		time.Sleep(100 * time.Millisecond)
		if _, err := e.run(ctx, opts.Socket, "send-keys", "-t", target, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// SendKeys sends raw key tokens to the target without appending Enter. Used
// for single-character responses and control sequences such as C-c.
func (e *Executor) SendKeys(ctx context.Context, target string, keys ...string) error {
	isPane := strings.HasPrefix(target, "%")
	if err := validateTarget(target, isPane); err != nil {
		return err
	}
	args := append([]string{"send-keys", "-t", target}, keys...)
	_, err := e.run(ctx, "", args...)
	return err
}

// PaneExists probes whether an external pane is still alive, optionally on a
// specific server socket.
func (e *Executor) PaneExists(ctx context.Context, paneID, socket string) (bool, error) {
	if err := ValidatePaneID(paneID); err != nil {
		return false, err
	}
	out, err := e.run(ctx, socket, "list-panes", "-a", "-F", "#{pane_id}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	for _, id := range strings.Split(out, "\n") {
		if id == paneID {
			return true, nil
		}
	}
	return false, nil
}
