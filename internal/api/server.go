// internal/api/server.go
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aventura-engine/aventura/internal/auth"
	"github.com/aventura-engine/aventura/internal/bus"
	"github.com/aventura-engine/aventura/internal/models"
	"github.com/aventura-engine/aventura/internal/services"
	"github.com/aventura-engine/aventura/internal/storage"
)

// Server is the UI rendering layer's HTTP/WebSocket surface: a gin router
// with a gorilla/websocket bridge that forwards every Event Bus event to
// whichever clients are subscribed to a story, and a small REST surface to
// submit turns and read state. It holds none of the core's semantics —
// everything here is wiring onto TurnCoordinator and storage.Persistence.
//
// Grounded on the teacher's internal/api/router.go (gin.Engine construction,
// route grouping) and internal/api/websocket.go (the upgrader/per-connection
// send-channel pattern), generalized from the teacher's scene-broadcast
// WebSocketManager singleton into a Hub parametrized over bus.Bus so it
// forwards the event contract instead of a bespoke per-feature message set.
type Server struct {
	engine      *gin.Engine
	coordinator *services.TurnCoordinator
	persistence storage.Persistence
	bus         *bus.Bus
	hub         *Hub
	tokenConfig *auth.TokenConfig
}

// NewServer builds the gin engine and route table. tokenConfig, if non-nil,
// requires a valid bearer token on every route except /healthz and /ws.
func NewServer(coordinator *services.TurnCoordinator, persistence storage.Persistence, eventBus *bus.Bus, tokenConfig *auth.TokenConfig) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:      engine,
		coordinator: coordinator,
		persistence: persistence,
		bus:         eventBus,
		hub:         newHub(eventBus),
		tokenConfig: tokenConfig,
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/ws/:storyID", s.handleWebSocket)

	api := engine.Group("/api")
	if tokenConfig != nil {
		api.Use(BearerAuthMiddleware(tokenConfig))
	}
	api.POST("/stories/:storyID/turns", s.handleSubmitTurn)
	api.POST("/stories/:storyID/cancel", s.handleCancelTurn)
	api.GET("/stories/:storyID/chapters", s.handleListChapters)
	api.GET("/stories/:storyID/snapshot", s.handleWorldSnapshot)

	return s
}

// Engine exposes the underlying gin.Engine for http.ListenAndServe.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitTurnRequest struct {
	Input string `json:"input" binding:"required"`
}

func (s *Server) handleSubmitTurn(c *gin.Context) {
	storyID := c.Param("storyID")
	var req submitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.coordinator.Submit(c.Request.Context(), storyID, req.Input, models.DefaultStoryConfig())
	if err == services.ErrTurnInProgress {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleCancelTurn(c *gin.Context) {
	s.coordinator.Cancel(c.Param("storyID"))
	c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
}

func (s *Server) handleListChapters(c *gin.Context) {
	chapters, err := s.persistence.ListChapters(c.Request.Context(), c.Param("storyID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]models.ChapterSummaryView, 0, len(chapters))
	for _, ch := range chapters {
		views = append(views, ch.ToSummaryView())
	}
	c.JSON(http.StatusOK, gin.H{"chapters": views})
}

func (s *Server) handleWorldSnapshot(c *gin.Context) {
	entries, err := s.persistence.ListEntries(c.Request.Context(), c.Param("storyID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	snapshot := models.WorldSnapshot{Entries: entries}
	for _, e := range entries {
		if e.IsCurrentLocation() {
			snapshot.CurrentLocationID = e.ID
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snapshot})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.hub.serveWS(c.Writer, c.Request, c.Param("storyID"))
}
