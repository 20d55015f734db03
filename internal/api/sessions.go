package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
	"github.com/sploithunter/cin/internal/controller"
	"github.com/sploithunter/cin/internal/session"
)

// maxImageBytes bounds each decoded image attachment.
const maxImageBytes = 5 << 20

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

func (s *Server) handleListSessions(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"sessions": s.registry.List()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	v, found := s.registry.Get(id)
	if !found {
		respondError(c, apperrors.NotFound("session", id))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"session": v})
}

type createSessionRequest struct {
	Name         string          `json:"name"`
	CWD          string          `json:"cwd"`
	Agent        string          `json:"agent"`
	ZonePosition json.RawMessage `json:"zonePosition"`
	Flags        struct {
		Continue        bool     `json:"continue"`
		SkipPermissions *bool    `json:"skipPermissions"`
		OpenTerminal    bool     `json:"openTerminal"`
		Extra           []string `json:"extra"`
	} `json:"flags"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}

	if req.CWD == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			respondError(c, apperrors.Validation("cwd", "is required"))
			return
		}
		req.CWD = home
	}

	v, err := s.controller.Create(c.Request.Context(), controller.CreateRequest{
		Name:  req.Name,
		CWD:   req.CWD,
		Agent: req.Agent,
		Flags: session.LaunchFlags{
			Continue:        req.Flags.Continue,
			SkipPermissions: req.Flags.SkipPermissions,
			Extra:           req.Flags.Extra,
		},
		ZonePosition: req.ZonePosition,
		OpenTerminal: req.Flags.OpenTerminal,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, gin.H{"session": v})
}

type updateSessionRequest struct {
	Name         string          `json:"name"`
	ZonePosition json.RawMessage `json:"zonePosition"`
	AutoAccept   *bool           `json:"autoAccept"`
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	// Raw decode first to tell "zonePosition absent" apart from an explicit
	// null, which unplaces the session.
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}
	var req updateSessionRequest
	body, _ := json.Marshal(raw)
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}
	_, zoneSet := raw["zonePosition"]

	v, err := s.controller.Update(id, controller.UpdateRequest{
		Name:            req.Name,
		ZonePosition:    req.ZonePosition,
		ZonePositionSet: zoneSet,
		AutoAccept:      req.AutoAccept,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"session": v})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := s.controller.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (s *Server) handleCleanup(c *gin.Context) {
	req := controller.CleanupRequest{}

	if raw := c.Query("maxAge"); raw != "" {
		maxAge, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || maxAge <= 0 {
			respondError(c, apperrors.Validation("maxAge", "must be a positive duration in milliseconds"))
			return
		}
		req.MaxAge = maxAge
	}
	if raw := c.Query("type"); raw != "" {
		kind := session.Kind(raw)
		if kind != session.KindInternal && kind != session.KindExternal {
			respondError(c, apperrors.Validation("type", "must be internal or external"))
			return
		}
		req.Kind = kind
	}
	req.Phantom = c.Query("phantom") == "true"

	deleted, err := s.controller.Cleanup(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"deleted": len(deleted), "ids": deleted})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
	Images []struct {
		Data      string `json:"data"`
		MediaType string `json:"mediaType"`
		Name      string `json:"name"`
	} `json:"images"`
}

func (s *Server) handlePrompt(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}
	if req.Prompt == "" && len(req.Images) == 0 {
		respondError(c, apperrors.Validation("prompt", "is required"))
		return
	}

	var attachments []session.Attachment
	for _, img := range req.Images {
		if !allowedImageTypes[img.MediaType] {
			respondError(c, apperrors.Validation("images", "unsupported media type "+img.MediaType))
			return
		}
		att, err := session.DecodeAttachment(img.Data, img.MediaType, img.Name)
		if err != nil {
			respondError(c, apperrors.Validation("images", err.Error()))
			return
		}
		if len(att.Data) > maxImageBytes {
			respondError(c, apperrors.Validation("images", "image exceeds the 5 MB limit"))
			return
		}
		attachments = append(attachments, att)
	}

	if err := s.controller.SendPromptWithImages(c.Request.Context(), id, req.Prompt, attachments); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := s.controller.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (s *Server) handleRestart(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	v, err := s.controller.Restart(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"session": v})
}

func (s *Server) handleOpenTerminal(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := s.controller.OpenTerminal(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (s *Server) handleFocus(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := s.controller.Focus(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}
