package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/common"
)

type createUserReq struct {
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	VendorRole *string `json:"vendorRole"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	u, err := h.Svc.CreateUser(c.Request.Context(), chat.CreateUserInput{
		Name:       req.Name,
		Role:       chat.Role(req.Role),
		VendorRole: req.VendorRole,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	common.Created(c, u)
}

func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.Svc.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, users)
}

// UserByRole returns the first user holding :role.
func (h *Handler) UserByRole(c *gin.Context) {
	u, err := h.Svc.FirstUserByRole(c.Request.Context(), chat.Role(c.Param("role")))
	if err != nil {
		writeError(c, err)
		return
	}
	common.OK(c, u)
}
