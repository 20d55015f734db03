package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/user"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
)

// maxEventBody bounds the push-endpoint request body.
const maxEventBody = 1 << 20

func (s *Server) handleHealth(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{
		"version":      s.version,
		"clients":      s.hub.ClientCount(),
		"events":       s.ingest.Count(),
		"voiceEnabled": s.cfg.Voice.VoiceEnabled(),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	hostname, _ := os.Hostname()

	respondOK(c, http.StatusOK, gin.H{
		"username":    username,
		"hostname":    hostname,
		"tmuxSession": s.cfg.Tmux.Session,
	})
}

// handlePushEvent accepts one raw or normalized event and applies it inline.
func (s *Server) handlePushEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		respondError(c, apperrors.BadRequest("failed to read request body"))
		return
	}
	if !json.Valid(body) {
		respondError(c, apperrors.BadRequest("body must be a JSON event"))
		return
	}

	s.ingest.Ingest(string(body))
	respondOK(c, http.StatusOK, nil)
}

type agentNotifyRequest struct {
	ThreadID string `json:"threadId"`
}

// handleAgentNotify is the instant-notify path for transcript-backed agents:
// it asks the agent's watcher to re-scan now instead of waiting for fsnotify.
func (s *Server) handleAgentNotify(c *gin.Context) {
	agent := c.Param("agent")
	watcher, ok := s.watchers[agent]
	if !ok {
		respondError(c, apperrors.NotFound("agent", agent))
		return
	}

	var req agentNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}

	if req.ThreadID != "" {
		watcher.TriggerCheckForThread(req.ThreadID)
		s.logger.Debug("triggered transcript check",
			zap.String("agent", agent), zap.String("thread_id", req.ThreadID))
	}
	respondOK(c, http.StatusOK, nil)
}
