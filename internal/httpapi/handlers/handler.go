package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/common"
	"github.com/kaisenye/conduit-backend/internal/realtime"
	"github.com/kaisenye/conduit-backend/internal/store/redisstore"
)

type Handler struct {
	Svc     *chat.Service
	Hub     *realtime.Hub
	Limiter *redisstore.Limiter

	allowedOrigin string
	upgrader      websocket.Upgrader
}

// NewHandler wires the HTTP and socket handlers. limiter may be nil.
func NewHandler(svc *chat.Service, hub *realtime.Hub, limiter *redisstore.Limiter, allowedOrigin string) *Handler {
	h := &Handler{Svc: svc, Hub: hub, Limiter: limiter, allowedOrigin: allowedOrigin}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, h.allowedOrigin)
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// writeError maps service errors onto the response envelope.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, chat.ErrNotParticipant):
		common.Fail(c, http.StatusForbidden, 40301, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "not found")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
