// Package api is the HTTP command surface: every route translates to a
// controller or store call, and the websocket endpoint hands off to the push
// gateway.
package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/config"
	apperrors "github.com/sploithunter/cin/internal/common/errors"
	"github.com/sploithunter/cin/internal/common/logger"
	"github.com/sploithunter/cin/internal/controller"
	"github.com/sploithunter/cin/internal/feedback"
	gateway "github.com/sploithunter/cin/internal/gateway/websocket"
	"github.com/sploithunter/cin/internal/ingest"
	"github.com/sploithunter/cin/internal/session"
	"github.com/sploithunter/cin/internal/tiles"
	"github.com/sploithunter/cin/internal/transcript"
)

// Server wires the HTTP surface together.
type Server struct {
	cfg        *config.Config
	registry   *session.Registry
	controller *controller.Controller
	ingest     *ingest.Worker
	tiles      *tiles.Store
	feedback   *feedback.Store
	watchers   map[string]*transcript.Watcher
	hub        *gateway.Hub
	wsHandler  *gateway.Handler
	version    string
	staticDir  string
	logger     *logger.Logger
}

// Deps collects the collaborators a Server needs.
type Deps struct {
	Config     *config.Config
	Registry   *session.Registry
	Controller *controller.Controller
	Ingest     *ingest.Worker
	Tiles      *tiles.Store
	Feedback   *feedback.Store
	Watchers   map[string]*transcript.Watcher
	Hub        *gateway.Hub
	WSHandler  *gateway.Handler
	Version    string
	StaticDir  string
}

// NewServer creates a Server.
func NewServer(deps Deps, log *logger.Logger) *Server {
	return &Server{
		cfg:        deps.Config,
		registry:   deps.Registry,
		controller: deps.Controller,
		ingest:     deps.Ingest,
		tiles:      deps.Tiles,
		feedback:   deps.Feedback,
		watchers:   deps.Watchers,
		hub:        deps.Hub,
		wsHandler:  deps.WSHandler,
		version:    deps.Version,
		staticDir:  deps.StaticDir,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/config", s.handleConfig)

	router.POST("/event", s.handlePushEvent)
	router.POST("/event/:agent", s.handleAgentNotify)

	router.GET("/sessions", s.handleListSessions)
	router.POST("/sessions", s.handleCreateSession)
	router.DELETE("/sessions/cleanup", s.handleCleanup)
	router.GET("/sessions/:id", s.handleGetSession)
	router.PATCH("/sessions/:id", s.handleUpdateSession)
	router.DELETE("/sessions/:id", s.handleDeleteSession)
	router.POST("/sessions/:id/prompt", s.handlePrompt)
	router.POST("/sessions/:id/cancel", s.handleCancel)
	router.POST("/sessions/:id/restart", s.handleRestart)
	router.POST("/sessions/:id/terminal", s.handleOpenTerminal)
	router.POST("/sessions/:id/focus", s.handleFocus)
	router.GET("/sessions/:id/files", s.handleListFiles)
	router.GET("/sessions/:id/file", s.handleReadFile)
	router.GET("/sessions/:id/files/tree", s.handleFileTree)

	router.GET("/projects", s.handleProjects)
	router.GET("/projects/default", s.handleDefaultProject)
	router.GET("/projects/autocomplete", s.handleProjectAutocomplete)

	router.GET("/tiles", s.handleListTiles)
	router.POST("/tiles", s.handleUpsertTile)
	router.GET("/tiles/:id", s.handleGetTile)
	router.DELETE("/tiles/:id", s.handleDeleteTile)

	router.GET("/feedback", s.handleListFeedback)
	router.POST("/feedback", s.handleCreateFeedback)
	router.GET("/feedback/:id", s.handleGetFeedback)
	router.PATCH("/feedback/:id", s.handleUpdateFeedback)
	router.DELETE("/feedback/:id", s.handleDeleteFeedback)

	router.GET("/ws", s.wsHandler.HandleConnection)

	router.NoRoute(s.handleStatic)
	return router
}

// corsMiddleware allows loopback origins plus the one configured extra
// origin.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	extra := s.cfg.Server.Origin
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && originAllowed(origin, extra) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin, extra string) bool {
	if extra != "" && origin == extra {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "::1" || host == "127.0.0.1" ||
		strings.HasPrefix(host, "127.")
}

// sessionID validates the :id path parameter. Session ids are uuids; a
// malformed id is rejected before any lookup.
func sessionID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(c, apperrors.Validation("id", "must be a valid session id"))
		return "", false
	}
	return id, true
}

func respondOK(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["ok"] = true
	c.JSON(status, body)
}

func respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	c.JSON(status, gin.H{"ok": false, "error": msg})
}

// handleStatic serves frontend assets for any unmatched route, falling back
// to a JSON 404 when no static directory is configured.
func (s *Server) handleStatic(c *gin.Context) {
	if s.staticDir == "" || c.Request.Method != http.MethodGet {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not found"})
		return
	}
	path := c.Request.URL.Path
	if strings.Contains(path, "..") {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not found"})
		return
	}
	c.FileFromFS(path, http.Dir(s.staticDir))
}
