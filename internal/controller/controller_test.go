package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/scrape"
	"github.com/sploithunter/cin/internal/session"
	"github.com/sploithunter/cin/internal/tmux"
)

func newTestController(t *testing.T) (*Controller, *session.Registry) {
	t.Helper()
	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	store := session.NewStore(filepath.Join(dir, "sessions.json"), log)
	metaStore := session.NewMetadataStore(filepath.Join(dir, "metadata.json"), log)
	reg := session.NewRegistry(store, metaStore, session.DefaultAdapters(), nil, log)
	executor := tmux.NewExecutor(time.Second, log)
	return New(reg, executor, "cin-test", "", log), reg
}

func TestCreateRejectsBadDirectory(t *testing.T) {
	c, reg := newTestController(t)

	_, err := c.Create(context.Background(), CreateRequest{CWD: "/no/such/dir"})
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
	assert.Empty(t, reg.List(), "a failed create must register nothing")

	_, err = c.Create(context.Background(), CreateRequest{CWD: "/tmp/bad;dir"})
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
}

func TestUpdateUnknownSession(t *testing.T) {
	c, _ := newTestController(t)

	_, err := c.Update("missing-id", UpdateRequest{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, 404, apperrors.GetHTTPStatus(err))
}

func TestUpdateFields(t *testing.T) {
	c, reg := newTestController(t)
	reg.CreateInternal("id-1", "old", "claude", "/tmp", "cin-test-abc")

	yes := true
	v, err := c.Update("id-1", UpdateRequest{
		Name:            "new name",
		ZonePosition:    []byte(`{"x":3}`),
		ZonePositionSet: true,
		AutoAccept:      &yes,
	})
	require.NoError(t, err)
	assert.Equal(t, "new name", v.Name)
	assert.JSONEq(t, `{"x":3}`, string(v.ZonePosition))
	assert.True(t, v.AutoAccept)

	// Explicit null unplaces; name absent leaves it alone.
	v, err = c.Update("id-1", UpdateRequest{ZonePosition: []byte("null"), ZonePositionSet: true})
	require.NoError(t, err)
	assert.Equal(t, "new name", v.Name)
	assert.Empty(t, v.ZonePosition)
}

func TestCancelExternalConflicts(t *testing.T) {
	c, reg := newTestController(t)
	v, _ := reg.FindOrCreate("agent-1", "claude", "/tmp", nil)

	err := c.Cancel(context.Background(), v.ID)
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
}

func TestRestartExternalConflicts(t *testing.T) {
	c, reg := newTestController(t)
	v, _ := reg.FindOrCreate("agent-1", "claude", "/tmp", nil)

	_, err := c.Restart(context.Background(), v.ID)
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
}

func TestPermissionResponseWithoutPending(t *testing.T) {
	c, reg := newTestController(t)
	reg.CreateInternal("id-1", "s", "claude", "/tmp", "cin-test-abc")
	c.SetPermissionStore(noPending{})

	err := c.PermissionResponse(context.Background(), "id-1", "1")
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
}

type noPending struct{}

func (noPending) Pending(string) (scrape.PendingPermission, bool) {
	return scrape.PendingPermission{}, false
}

func (noPending) Clear(string) {}

func TestCleanupRequiresFilter(t *testing.T) {
	c, _ := newTestController(t)

	_, err := c.Cleanup(context.Background(), CleanupRequest{})
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
}

func TestCleanupPhantomFilter(t *testing.T) {
	c, reg := newTestController(t)

	phantom, _ := reg.FindOrCreate("agent-old", "claude", "/tmp", nil)
	fresh, _ := reg.FindOrCreate("agent-new", "claude", "/tmp/other", &session.Terminal{PaneID: "%1"})

	deleted, err := c.Cleanup(context.Background(), CleanupRequest{Phantom: true})
	require.NoError(t, err)
	assert.Contains(t, deleted, phantom.ID)
	assert.NotContains(t, deleted, fresh.ID)
	assert.False(t, reg.Has(phantom.ID))
	assert.True(t, reg.Has(fresh.ID))
}
