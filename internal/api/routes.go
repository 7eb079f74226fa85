package api

import (
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/middleware"
	"go.uber.org/zap"
)

type Handlers struct {
	Health   *HealthHandler
	Users    *UserHandler
	Chats    *ChatHandler
	Messages *MessageHandler
	Stream   *StreamHandler
}

// NewRouter builds the gin engine with every /v1 route.
func NewRouter(h Handlers, jwtSecret string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(logger), gin.Recovery())

	// Public: load balancers and first-time clients have no token.
	r.GET("/v1/health", h.Health.Health)
	r.POST("/v1/users", h.Users.Create)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtSecret))

	v1.GET("/users/me", h.Users.GetMe)
	v1.GET("/users/by-username/:username", h.Users.GetByUsername)
	v1.GET("/users/:id", h.Users.GetByID)

	v1.POST("/chats", h.Chats.Create)
	v1.GET("/chats", h.Chats.List)
	v1.GET("/chats/general", h.Chats.General)
	v1.POST("/chats/general/join", h.Chats.JoinGeneral)
	v1.GET("/chats/:id", h.Chats.Get)
	v1.POST("/chats/:id/join", h.Chats.Join)
	v1.POST("/chats/:id/leave", h.Chats.Leave)
	v1.GET("/chats/:id/members", h.Chats.Members)

	v1.POST("/chats/:id/messages", h.Messages.Send)
	v1.GET("/chats/:id/messages", h.Messages.History)
	v1.GET("/chats/:id/subscribe", h.Stream.Subscribe)

	v1.PATCH("/messages/:id", h.Messages.Edit)
	v1.DELETE("/messages/:id", h.Messages.Delete)

	return r
}
