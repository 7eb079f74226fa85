package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/chat"
	"github.com/lalith-99/relaychat/internal/middleware"
	"go.uber.org/zap"
)

type MessageHandler struct {
	svc    *chat.Service
	logger *zap.Logger
}

func NewMessageHandler(svc *chat.Service, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, logger: logger}
}

// Content length is enforced by the service in characters, not bytes.
type messageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Send handles POST /v1/chats/:id/messages
func (h *MessageHandler) Send(c *gin.Context) {
	chatID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.Send(c.Request.Context(), chatID, middleware.GetUserID(c), req.Content)
	if err != nil {
		writeError(c, h.logger, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// History handles GET /v1/chats/:id/messages?limit=50&offset=0
//
// Newest first. limit defaults to the configured page size and is capped
// by the service.
func (h *MessageHandler) History(c *gin.Context) {
	chatID, ok := paramID(c, "id")
	if !ok {
		return
	}

	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}

	messages, err := h.svc.History(c.Request.Context(), chatID, middleware.GetUserID(c), limit, offset)
	if err != nil {
		writeError(c, h.logger, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// Edit handles PATCH /v1/messages/:id
func (h *MessageHandler) Edit(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.svc.Edit(c.Request.Context(), messageID, middleware.GetUserID(c), req.Content)
	if err != nil {
		writeError(c, h.logger, "edit message", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Delete handles DELETE /v1/messages/:id
func (h *MessageHandler) Delete(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}

	msg, err := h.svc.Delete(c.Request.Context(), messageID, middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, "delete message", err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// queryInt reads an optional integer query parameter; absent means 0.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid '" + name + "' parameter"})
		return 0, false
	}
	return n, true
}
