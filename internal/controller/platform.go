package controller

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
)

// The window helpers shell out to osascript and are therefore macOS only.
// On other platforms the explicit operations return a Conflict error and the
// best-effort hooks are no-ops.

func openTerminalWindow(ctx context.Context, muxSession string) error {
	if runtime.GOOS != "darwin" {
		return apperrors.Conflict("terminal windows are only supported on macOS")
	}
	script := fmt.Sprintf(
		`tell application "Terminal"
			activate
			do script "tmux attach -t %s"
		end tell`, muxSession)
	return exec.CommandContext(ctx, "osascript", "-e", script).Run()
}

// findTerminalWindow returns the Terminal.app window id hosting the given
// tmux session, or "" when none is found.
func findTerminalWindow(ctx context.Context, muxSession string) string {
	if runtime.GOOS != "darwin" {
		return ""
	}
	script := fmt.Sprintf(
		`tell application "Terminal"
			repeat with w in windows
				if name of w contains "%s" then return id of w
			end repeat
		end tell`, muxSession)
	out, err := exec.CommandContext(ctx, "osascript", "-e", script).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func closeTerminalWindow(ctx context.Context, windowID string) {
	if runtime.GOOS != "darwin" || windowID == "" {
		return
	}
	script := fmt.Sprintf(`tell application "Terminal" to close (first window whose id is %s)`, windowID)
	_ = exec.CommandContext(ctx, "osascript", "-e", script).Run()
}

func focusTerminalWindow(ctx context.Context, tty string) error {
	if runtime.GOOS != "darwin" {
		return apperrors.Conflict("window focus is only supported on macOS")
	}
	script := `tell application "Terminal" to activate`
	if tty != "" {
		script = fmt.Sprintf(
			`tell application "Terminal"
				activate
				repeat with w in windows
					repeat with t in tabs of w
						if tty of t is "%s" then
							set selected of t to true
							set frontmost of w to true
						end if
					end repeat
				end repeat
			end tell`, tty)
	}
	return exec.CommandContext(ctx, "osascript", "-e", script).Run()
}
