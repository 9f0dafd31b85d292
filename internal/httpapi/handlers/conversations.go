package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/common"
)

type createConversationReq struct {
	UnitID       string   `json:"unitId"`
	Participants []uint64 `json:"participants"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.Svc.CreateConversation(c.Request.Context(), req.UnitID, req.Participants)
	if err != nil {
		writeError(c, err)
		return
	}
	common.Created(c, conv)
}

// ListConversations requires ?role= and lists the conversations a user of that role is in.
func (h *Handler) ListConversations(c *gin.Context) {
	list, err := h.Svc.ListConversations(c.Request.Context(), chat.Role(c.Query("role")))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, list)
}
