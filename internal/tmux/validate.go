package tmux

import (
	"os"
	"regexp"
	"strings"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
)

var (
	sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	paneIDRe      = regexp.MustCompile(`^%[0-9]+$`)
)

// shellMetaChars are rejected in directory arguments. Commands are composed
// as argv so nothing is ever shell-interpreted, but a directory containing
// these characters is almost always hostile or corrupt input.
const shellMetaChars = ";&|`$(){}[]<>\\'\"!#*?"

// ValidateSessionName checks that name is a safe tmux session name.
func ValidateSessionName(name string) error {
	if name == "" || !sessionNameRe.MatchString(name) {
		return apperrors.Validation("session name", "must match [A-Za-z0-9_-]+")
	}
	return nil
}

// ValidatePaneID checks that id looks like a tmux pane id (%N).
func ValidatePaneID(id string) error {
	if !paneIDRe.MatchString(id) {
		return apperrors.Validation("pane id", "must match %[0-9]+")
	}
	return nil
}

// ValidateDirectory checks that dir exists, is a directory, and is free of
// shell metacharacters.
func ValidateDirectory(dir string) error {
	if dir == "" {
		return apperrors.Validation("directory", "must not be empty")
	}
	if strings.ContainsAny(dir, shellMetaChars) {
		return apperrors.Validation("directory", "contains shell metacharacters")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return apperrors.Validation("directory", "does not exist")
	}
	if !info.IsDir() {
		return apperrors.Validation("directory", "is not a directory")
	}
	return nil
}

// validateTarget accepts either a session name or a pane id.
func validateTarget(target string, isPaneID bool) error {
	if isPaneID {
		return ValidatePaneID(target)
	}
	return ValidateSessionName(target)
}
