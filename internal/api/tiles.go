package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/sploithunter/cin/internal/common/errors"
	"github.com/sploithunter/cin/internal/feedback"
	"github.com/sploithunter/cin/internal/tiles"
)

func (s *Server) handleListTiles(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"tiles": s.tiles.List()})
}

func (s *Server) handleGetTile(c *gin.Context) {
	tile, ok := s.tiles.Get(c.Param("id"))
	if !ok {
		respondError(c, apperrors.NotFound("tile", c.Param("id")))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"tile": tile})
}

func (s *Server) handleUpsertTile(c *gin.Context) {
	var tile tiles.Tile
	if err := c.ShouldBindJSON(&tile); err != nil {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"tile": s.tiles.Upsert(tile)})
}

func (s *Server) handleDeleteTile(c *gin.Context) {
	if !s.tiles.Delete(c.Param("id")) {
		respondError(c, apperrors.NotFound("tile", c.Param("id")))
		return
	}
	respondOK(c, http.StatusOK, nil)
}

func (s *Server) handleListFeedback(c *gin.Context) {
	records, err := s.feedback.List()
	if err != nil {
		respondError(c, apperrors.Wrap(err, "failed to list feedback"))
		return
	}
	respondOK(c, http.StatusOK, gin.H{"feedback": records})
}

func (s *Server) handleGetFeedback(c *gin.Context) {
	rec, err := s.feedback.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"feedback": rec})
}

func (s *Server) handleCreateFeedback(c *gin.Context) {
	var rec feedback.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}
	created, err := s.feedback.Create(rec)
	if err != nil {
		respondError(c, apperrors.Wrap(err, "failed to store feedback"))
		return
	}
	respondOK(c, http.StatusCreated, gin.H{"feedback": created})
}

func (s *Server) handleUpdateFeedback(c *gin.Context) {
	var patch feedback.Record
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, apperrors.BadRequest("invalid JSON body"))
		return
	}
	updated, err := s.feedback.Update(c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"feedback": updated})
}

func (s *Server) handleDeleteFeedback(c *gin.Context) {
	if err := s.feedback.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}
