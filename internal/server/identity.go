package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/openidx/identityd/internal/common/errors"
	"github.com/openidx/identityd/internal/directory"
)

// Identity authenticates and changes passwords across all directories
type Identity interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) (string, error)
}

// PasswordResets issues and redeems security codes
type PasswordResets interface {
	InitiatePasswordReset(ctx context.Context, username string) (*directory.PasswordResetRequest, error)
	ResetPassword(ctx context.Context, username, securityCode, newPassword string) error
}

type identityHandlers struct {
	identity Identity
	resets   PasswordResets
}

func registerIdentityRoutes(router *gin.Engine, identity Identity, resets PasswordResets) {
	h := &identityHandlers{identity: identity, resets: resets}
	v1 := router.Group("/api/v1/identity")
	v1.POST("/authenticate", h.authenticate)
	v1.POST("/password", h.changePassword)
	if resets != nil {
		v1.POST("/password-reset", h.initiateReset)
		v1.POST("/password-reset/confirm", h.confirmReset)
	}
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		apperrors.HandleError(c, apperrors.InvalidArgument("invalid request body").WithDetails(err.Error()))
		return false
	}
	return true
}

// authenticate verifies credentials and names the directory that accepted them.
// POST /api/v1/identity/authenticate
func (h *identityHandlers) authenticate(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password"`
	}
	if !bindJSON(c, &req) {
		return
	}

	id, err := h.identity.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"directory_id": id})
}

// POST /api/v1/identity/password
func (h *identityHandlers) changePassword(c *gin.Context) {
	var req struct {
		Username    string `json:"username" binding:"required"`
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	id, err := h.identity.ChangePassword(c.Request.Context(), req.Username, req.OldPassword, req.NewPassword)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"directory_id": id})
}

// initiateReset returns the security code to the caller, which delivers it
// to the user out of band.
// POST /api/v1/identity/password-reset
func (h *identityHandlers) initiateReset(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	reset, err := h.resets.InitiatePasswordReset(c.Request.Context(), req.Username)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reset)
}

// POST /api/v1/identity/password-reset/confirm
func (h *identityHandlers) confirmReset(c *gin.Context) {
	var req struct {
		Username     string `json:"username" binding:"required"`
		SecurityCode string `json:"security_code" binding:"required"`
		NewPassword  string `json:"new_password" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	if err := h.resets.ResetPassword(c.Request.Context(), req.Username, req.SecurityCode, req.NewPassword); err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
