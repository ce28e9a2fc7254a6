// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/travelers-ai/backend/internal/model"
	"github.com/travelers-ai/backend/internal/protocol"
)

// Engine is the part of the engine facade the HTTP API uses.
type Engine interface {
	Enabled() bool
	State() model.Snapshot
	ClearSidebar()
	ClearAmbient()
	PushContext(ctx context.Context, screen protocol.Screen, metadata map[string]any, selectedID, selectedType string) bool
	PushPOIContext(ctx context.Context, pc model.POIContext) bool
	SendChat(ctx context.Context, text, conversationID string) bool
	AwaitChatCompletion(ctx context.Context, timeout time.Duration) (string, bool)
}

// POIStore looks up POIs for context pushes.
type POIStore interface {
	GetByID(ctx context.Context, id string) (*model.POI, error)
}

// OmenHandler handles HTTP requests for the assistant engine.
type OmenHandler struct {
	engine      Engine
	pois        POIStore
	chatTimeout time.Duration
}

// NewOmenHandler creates a new OmenHandler. chatTimeout is the default wait
// for a chat reply.
func NewOmenHandler(engine Engine, pois POIStore, chatTimeout time.Duration) *OmenHandler {
	if chatTimeout <= 0 {
		chatTimeout = 30 * time.Second
	}
	return &OmenHandler{
		engine:      engine,
		pois:        pois,
		chatTimeout: chatTimeout,
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusResponse is the engine status as reported by GET /omen/status.
type StatusResponse struct {
	Enabled             bool         `json:"enabled"`
	IsConnected         bool         `json:"is_connected"`
	IsReady             bool         `json:"is_ready"`
	Unreachable         bool         `json:"unreachable"`
	SidebarInsightCount int          `json:"sidebar_insight_count"`
	HasAmbientMessage   bool         `json:"has_ambient_message"`
	IsStreaming         bool         `json:"is_streaming"`
	LastError           *ErrorDetail `json:"last_error"`
}

// InsightsResponse lists the current sidebar insights, plus the ambient
// message when one is live.
type InsightsResponse struct {
	Insights []model.Insight `json:"insights"`
	Ambient  *model.Insight  `json:"ambient,omitempty"`
}

// ContextRequest is the body of POST /omen/context.
type ContextRequest struct {
	Screen           string         `json:"screen" binding:"required"`
	Metadata         map[string]any `json:"metadata"`
	SelectedItemID   string         `json:"selected_item_id"`
	SelectedItemType string         `json:"selected_item_type"`
}

// ChatRequest is the body of POST /omen/chat.
type ChatRequest struct {
	Content        string `json:"content" binding:"required"`
	ConversationID string `json:"conversation_id"`
}

// ChatResponse is the reply to POST /omen/chat.
type ChatResponse struct {
	Response   string `json:"response"`
	IsComplete bool   `json:"is_complete"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// requireEngine writes a 503 and returns false when the engine cannot
// accept requests.
func (h *OmenHandler) requireEngine(c *gin.Context) bool {
	if !h.engine.Enabled() {
		sendError(c, http.StatusServiceUnavailable, "ENGINE_DISABLED", model.ErrEngineDisabled.Error())
		return false
	}
	if !h.engine.State().Connected {
		sendError(c, http.StatusServiceUnavailable, "NOT_CONNECTED", model.ErrNotConnected.Error())
		return false
	}
	return true
}

// Status handles GET /api/omen/status.
func (h *OmenHandler) Status(c *gin.Context) {
	s := h.engine.State()
	resp := StatusResponse{
		Enabled:             h.engine.Enabled(),
		IsConnected:         s.Connected,
		IsReady:             s.Ready,
		Unreachable:         s.Unreachable,
		SidebarInsightCount: len(s.SidebarInsights),
		HasAmbientMessage:   s.AmbientInsight != nil,
		IsStreaming:         s.Streaming,
	}
	if s.LastError != nil {
		resp.LastError = &ErrorDetail{Code: s.LastError.Code, Message: s.LastError.Message}
	}
	c.JSON(http.StatusOK, resp)
}

// Insights handles GET /api/omen/insights.
func (h *OmenHandler) Insights(c *gin.Context) {
	s := h.engine.State()
	sidebar := s.SidebarInsights
	if sidebar == nil {
		sidebar = []model.Insight{}
	}
	c.JSON(http.StatusOK, InsightsResponse{Insights: sidebar, Ambient: s.AmbientInsight})
}

// ClearInsights handles DELETE /api/omen/insights.
func (h *OmenHandler) ClearInsights(c *gin.Context) {
	h.engine.ClearSidebar()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// ClearAmbient handles DELETE /api/omen/ambient.
func (h *OmenHandler) ClearAmbient(c *gin.Context) {
	h.engine.ClearAmbient()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// PushContext handles POST /api/omen/context.
func (h *OmenHandler) PushContext(c *gin.Context) {
	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	screen, err := protocol.ParseScreen(req.Screen)
	if err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_SCREEN", err.Error())
		return
	}
	if !h.requireEngine(c) {
		return
	}

	if !h.engine.PushContext(c.Request.Context(), screen, req.Metadata, req.SelectedItemID, req.SelectedItemType) {
		sendError(c, http.StatusServiceUnavailable, "SEND_FAILED", "Failed to send context update")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// PushPOIContext handles POST /api/omen/context/poi/:id. The optional body
// carries the trip the POI is viewed in.
func (h *OmenHandler) PushPOIContext(c *gin.Context) {
	poiID := c.Param("id")
	if poiID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "POI ID is required")
		return
	}

	var trip model.TripContext
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&trip); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
	}

	if !h.requireEngine(c) {
		return
	}

	poi, err := h.pois.GetByID(c.Request.Context(), poiID)
	if err != nil {
		if errors.Is(err, model.ErrPOINotFound) {
			sendError(c, http.StatusNotFound, "POI_NOT_FOUND", "POI "+poiID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get POI: "+err.Error())
		return
	}

	if !h.engine.PushPOIContext(c.Request.Context(), model.POIContext{POI: *poi, Trip: trip}) {
		sendError(c, http.StatusServiceUnavailable, "SEND_FAILED", "Failed to send context update")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "poi_id": poiID})
}

// Chat handles POST /api/omen/chat?timeout=<seconds>. It sends the message
// and waits for the streamed reply.
func (h *OmenHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	timeout := h.chatTimeout
	if raw := c.Query("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "timeout must be a positive number of seconds")
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	if !h.requireEngine(c) {
		return
	}

	ctx := c.Request.Context()
	if !h.engine.SendChat(ctx, req.Content, req.ConversationID) {
		sendError(c, http.StatusServiceUnavailable, "SEND_FAILED", "Failed to send chat message")
		return
	}

	text, complete := h.engine.AwaitChatCompletion(ctx, timeout)
	c.JSON(http.StatusOK, ChatResponse{Response: text, IsComplete: complete})
}

// RegisterRoutes registers the engine routes on a Gin router group.
func (h *OmenHandler) RegisterRoutes(rg *gin.RouterGroup) {
	omen := rg.Group("/omen")
	omen.GET("/status", h.Status)
	omen.GET("/insights", h.Insights)
	omen.DELETE("/insights", h.ClearInsights)
	omen.DELETE("/ambient", h.ClearAmbient)
	omen.POST("/context", h.PushContext)
	omen.POST("/context/poi/:id", h.PushPOIContext)
	omen.POST("/chat", h.Chat)
}
