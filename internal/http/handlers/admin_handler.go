// Admin HTTP handlers.
//
// This file exposes the authenticated admin surface for the permission
// policy:
//   - POST   /admin/blocked/:id      (deny an identity all processing)
//   - DELETE /admin/blocked/:id      (lift the denial)
//   - POST   /admin/premium-roles    (register a role name as premium)
//   - PUT    /admin/users/:id/premium (set the cached premium flag)
//
// Mutations persist through the policy document immediately and take effect
// on the next event.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/voicepipe/go-voice-backend/internal/repo"
)

// PremiumRoleRequest is the JSON payload for registering a premium role.
type PremiumRoleRequest struct {
	Role string `json:"role" binding:"required,min=1"`
}

// PremiumStatusRequest is the JSON payload for setting a user's cached
// premium flag.
type PremiumStatusRequest struct {
	Premium bool `json:"premium"`
}

// BlockUser adds an identity to the blocked set.
func (h *Handlers) BlockUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	if userID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id required")
		return
	}

	if err := h.deps.Policy.BlockUser(userID); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}

// UnblockUser removes an identity from the blocked set.
func (h *Handlers) UnblockUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	if userID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id required")
		return
	}

	if err := h.deps.Policy.UnblockUser(userID); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}

// AddPremiumRole registers a role name as conferring premium status.
func (h *Handlers) AddPremiumRole(c *gin.Context) {
	var req PremiumRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "role required")
		return
	}

	if err := h.deps.Policy.AddPremiumRole(strings.TrimSpace(req.Role)); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}

// SetPremiumStatus updates the cached premium flag on a stored user row.
func (h *Handlers) SetPremiumStatus(c *gin.Context) {
	ctx := c.Request.Context()
	userID := strings.TrimSpace(c.Param("id"))

	var req PremiumStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "premium flag required")
		return
	}

	if err := repo.SetPremiumStatus(ctx, h.deps.DB, userID, req.Premium); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}
