package session

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeLaunchCommand(t *testing.T) {
	a := &ClaudeAdapter{}

	assert.Equal(t, "claude --dangerously-skip-permissions",
		a.LaunchCommand(LaunchFlags{}, "/tmp"))

	assert.Equal(t, "claude -c --dangerously-skip-permissions",
		a.LaunchCommand(LaunchFlags{Continue: true}, "/tmp"))

	off := false
	assert.Equal(t, "claude",
		a.LaunchCommand(LaunchFlags{SkipPermissions: &off}, "/tmp"))

	assert.Equal(t, "claude --dangerously-skip-permissions --model opus",
		a.LaunchCommand(LaunchFlags{Extra: []string{"--model", "opus"}}, "/tmp"))
}

func TestCodexLaunchCommand(t *testing.T) {
	a := &CodexAdapter{}

	assert.Equal(t, "codex --full-auto", a.LaunchCommand(LaunchFlags{}, "/tmp"))
	assert.Equal(t, "codex resume --last --full-auto",
		a.LaunchCommand(LaunchFlags{Continue: true}, "/tmp"))
}

func TestAdapterTableFallback(t *testing.T) {
	table := DefaultAdapters()
	assert.Equal(t, "claude", table.Get("claude").Name())
	assert.Equal(t, "codex", table.Get("codex").Name())
	assert.Equal(t, "claude", table.Get("unknown-agent").Name())
}

func TestDecodeAttachment(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	att, err := DecodeAttachment(base64.StdEncoding.EncodeToString(raw), "image/png", "shot.png")
	require.NoError(t, err)
	assert.Equal(t, raw, att.Data)
	assert.Equal(t, "image/png", att.MediaType)

	_, err = DecodeAttachment("not base64!!!", "image/png", "x")
	assert.Error(t, err)
}

func TestPreprocessPromptInlinesImages(t *testing.T) {
	a := &ClaudeAdapter{}

	out, err := a.PreprocessPrompt("describe this", nil)
	require.NoError(t, err)
	assert.Equal(t, "describe this", out)

	out, err = a.PreprocessPrompt("describe this", []Attachment{
		{Data: []byte{1, 2, 3}, MediaType: "image/png"},
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "[Image #1:"), "expected image reference, got %q", out)
	assert.True(t, strings.HasSuffix(out, "describe this"))
}
