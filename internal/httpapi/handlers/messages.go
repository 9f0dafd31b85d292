package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/common"
)

type createMessageReq struct {
	ConversationID uint64 `json:"conversationId"`
	SenderID       uint64 `json:"senderId"`
	Body           string `json:"body"`
}

func (h *Handler) ListMessages(c *gin.Context) {
	convID, err := strconv.ParseUint(c.Param("conversationId"), 10, 64)
	if err != nil || convID == 0 {
		common.Fail(c, http.StatusBadRequest, 10003, "invalid conversation id")
		return
	}
	msgs, err := h.Svc.ListMessages(c.Request.Context(), convID)
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, msgs)
}

// CreateMessage stores a participant's message. Only the socket send path routes.
func (h *Handler) CreateMessage(c *gin.Context) {
	var req createMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	msg, err := h.Svc.CreateMessage(c.Request.Context(), chat.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Body:           req.Body,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	common.Created(c, msg)
}
