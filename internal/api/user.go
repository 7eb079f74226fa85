package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/auth"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

// UserHandler serves user registration and lookups.
type UserHandler struct {
	repo      repository.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

func NewUserHandler(repo repository.UserRepository, jwtSecret string, tokenTTL time.Duration, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, jwtSecret: jwtSecret, tokenTTL: tokenTTL, logger: logger}
}

type createUserRequest struct {
	Username    string `json:"username" binding:"required,username"`
	DisplayName string `json:"display_name" binding:"omitempty,max=100"`
	Email       string `json:"email" binding:"omitempty,email,max=255"`
}

// createUserResponse hands back the session token together with the user,
// since registration is the only way to obtain one.
type createUserResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// Create handles POST /v1/users
func (h *UserHandler) Create(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.repo.Create(c.Request.Context(), req.Username, optional(req.DisplayName), optional(req.Email))
	if err != nil {
		writeError(c, h.logger, "create user", err)
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Username, h.jwtSecret, h.tokenTTL)
	if err != nil {
		writeError(c, h.logger, "create user", err)
		return
	}

	c.JSON(http.StatusCreated, createUserResponse{User: user, Token: token})
}

// GetMe handles GET /v1/users/me and bumps the caller's last_seen.
func (h *UserHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)

	user, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, "get user", err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if err := h.repo.TouchLastSeen(c.Request.Context(), userID); err != nil {
		h.logger.Warn("failed to update last seen", zap.Stringer("user_id", userID), zap.Error(err))
	}
	c.JSON(http.StatusOK, user)
}

// GetByID handles GET /v1/users/:id
func (h *UserHandler) GetByID(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}

	user, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, "get user", err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// GetByUsername handles GET /v1/users/by-username/:username
func (h *UserHandler) GetByUsername(c *gin.Context) {
	user, err := h.repo.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		writeError(c, h.logger, "get user", err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
