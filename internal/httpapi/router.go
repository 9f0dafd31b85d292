package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kaisenye/conduit-backend/internal/common"
	"github.com/kaisenye/conduit-backend/internal/httpapi/handlers"
	"github.com/kaisenye/conduit-backend/internal/httpapi/middleware"
)

func NewRouter(frontendURL string, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(corsFor(frontendURL))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/ws", h.Socket)

	api := r.Group("/api")
	api.GET("/users", h.ListUsers)
	api.POST("/users", h.CreateUser)
	api.GET("/users/role/:role", h.UserByRole)

	api.GET("/conversations", h.ListConversations)
	api.POST("/conversations", h.CreateConversation)

	api.GET("/messages/:conversationId", h.ListMessages)
	api.POST("/messages", h.CreateMessage)

	api.GET("/routing/jobs/:id", h.GetRoutingJob)
	return r
}

func corsFor(frontendURL string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if frontendURL == "" || frontendURL == "*" {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = []string{frontendURL}
	}
	return cors.New(cfg)
}
