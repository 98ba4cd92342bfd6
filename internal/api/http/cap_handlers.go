package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/capability"
	"github.com/GriffinCanCode/AetherOS/core/internal/kernel"
)

type capRequest struct {
	Subject  string            `json:"subject" binding:"required"`
	Resource string            `json:"resource" binding:"required"`
	Rights   capability.Rights `json:"rights"`
}

// ListCaps lists capabilities, filtered by ?subject= when given.
func (h *Handlers) ListCaps(c *gin.Context) {
	caps := h.kernel.Caps().List(c.Query("subject"))
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"capabilities": caps,
		"count":        len(caps),
	})
}

// GrantCap grants rights with the kernel as grantor.
func (h *Handlers) GrantCap(c *gin.Context) {
	var req capRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	granted, err := h.kernel.Caps().Grant(req.Subject, req.Resource, req.Rights, kernel.SubjectKernel)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("capability granted via admin API",
		zap.String("subject", req.Subject),
		zap.String("resource", req.Resource),
		zap.Stringer("rights", req.Rights))
	c.JSON(http.StatusCreated, gin.H{"success": true, "capability": granted})
}

// RevokeCap revokes a capability and everything derived from it.
func (h *Handlers) RevokeCap(c *gin.Context) {
	var req capRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	invalidated, err := h.kernel.Caps().Revoke(req.Subject, req.Resource)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("capability revoked via admin API",
		zap.String("subject", req.Subject),
		zap.String("resource", req.Resource),
		zap.Int("invalidated", invalidated))
	c.JSON(http.StatusOK, gin.H{"success": true, "invalidated": invalidated})
}

// CheckCap answers ?subject=&resource=&rights= without side effects.
func (h *Handlers) CheckCap(c *gin.Context) {
	subject, resource := c.Query("subject"), c.Query("resource")
	if subject == "" || resource == "" {
		badRequest(c, "subject and resource are required")
		return
	}
	rights, err := capability.ParseRights(c.Query("rights"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"allowed": h.kernel.Caps().Check(subject, resource, rights),
	})
}

// Audit returns recent capability decisions, newest first.
func (h *Handlers) Audit(c *gin.Context) {
	n, ok := limit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entries": h.kernel.Caps().Audit(n)})
}
