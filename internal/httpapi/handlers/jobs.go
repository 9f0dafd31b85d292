package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/kaisenye/conduit-backend/internal/common"
)

func (h *Handler) GetRoutingJob(c *gin.Context) {
	job, err := h.Svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, job)
}
