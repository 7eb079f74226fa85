package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/chat"
	"github.com/lalith-99/relaychat/internal/middleware"
	"go.uber.org/zap"
)

// ChatHandler serves chats and their membership.
type ChatHandler struct {
	svc    *chat.Service
	logger *zap.Logger
}

func NewChatHandler(svc *chat.Service, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{svc: svc, logger: logger}
}

type createChatRequest struct {
	Name      string      `json:"name" binding:"max=100"`
	IsGroup   bool        `json:"is_group"`
	MemberIDs []uuid.UUID `json:"member_ids" binding:"max=100"`
}

// Create handles POST /v1/chats
func (h *ChatHandler) Create(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.svc.CreateChat(c.Request.Context(), middleware.GetUserID(c), req.Name, req.IsGroup, req.MemberIDs)
	if err != nil {
		writeError(c, h.logger, "create chat", err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// List handles GET /v1/chats, the caller's active chats by recent activity.
func (h *ChatHandler) List(c *gin.Context) {
	chats, err := h.svc.ChatsForUser(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, "list chats", err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

// General handles GET /v1/chats/general
func (h *ChatHandler) General(c *gin.Context) {
	ch, err := h.svc.GeneralChat()
	if err != nil {
		writeError(c, h.logger, "get general chat", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// JoinGeneral handles POST /v1/chats/general/join
func (h *ChatHandler) JoinGeneral(c *gin.Context) {
	ch, err := h.svc.JoinGeneral(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, "join general chat", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// Get handles GET /v1/chats/:id
func (h *ChatHandler) Get(c *gin.Context) {
	chatID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.svc.GetChat(c.Request.Context(), chatID)
	if err != nil {
		writeError(c, h.logger, "get chat", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// Join handles POST /v1/chats/:id/join
func (h *ChatHandler) Join(c *gin.Context) {
	chatID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.svc.JoinChat(c.Request.Context(), chatID, middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, "join chat", err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// Leave handles POST /v1/chats/:id/leave
func (h *ChatHandler) Leave(c *gin.Context) {
	chatID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.LeaveChat(c.Request.Context(), chatID, middleware.GetUserID(c)); err != nil {
		writeError(c, h.logger, "leave chat", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Members handles GET /v1/chats/:id/members
func (h *ChatHandler) Members(c *gin.Context) {
	chatID, ok := paramID(c, "id")
	if !ok {
		return
	}
	members, err := h.svc.Members(c.Request.Context(), chatID, middleware.GetUserID(c))
	if err != nil {
		writeError(c, h.logger, "list members", err)
		return
	}
	c.JSON(http.StatusOK, members)
}
