package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/ws"
)

// WebSocketHandler upgrades browser connections into proxy sessions.
type WebSocketHandler struct {
	engine    Engine
	wsHandler *ws.Handler
	logger    zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(engine Engine, wsHandler *ws.Handler, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		engine:    engine,
		wsHandler: wsHandler,
		logger:    logger.With().Str("component", "ws_api").Logger(),
	}
}

// Proxy handles GET /api/omen/ws?client_id=<id>. A missing client id is
// generated. The connection is closed with code 4003 when the engine is
// disabled or not connected.
func (h *WebSocketHandler) Proxy(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	if !h.engine.Enabled() || !h.engine.State().Connected {
		if err := h.wsHandler.Refuse(c.Writer, c.Request, ws.CloseEngineUnavailable, "engine not connected"); err != nil {
			h.logger.Warn().Err(err).Msg("upgrade failed")
		}
		return
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, clientID); err != nil {
		// The connection is already closed with a reason when attach fails.
		if !errors.Is(err, model.ErrSessionExists) {
			h.logger.Warn().Err(err).Str("client_id", clientID).Msg("websocket session failed")
		}
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/omen/ws", h.Proxy)
}

// Health handles GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
