package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListEndpoints lists open endpoints with their queue depth.
func (h *Handlers) ListEndpoints(c *gin.Context) {
	endpoints := h.kernel.Transport().List()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"endpoints": endpoints,
		"count":     len(endpoints),
	})
}

// ListBuffers reports pool usage and the buffers held by ?owner=.
func (h *Handlers) ListBuffers(c *gin.Context) {
	resp := gin.H{
		"success": true,
		"stats":   h.kernel.Buffers().Stats(),
	}
	if owner := c.Query("owner"); owner != "" {
		resp["owner"] = owner
		resp["buffers"] = h.kernel.Buffers().List(owner)
		if used, quota, ok := h.kernel.Buffers().Usage(owner); ok {
			resp["quota"] = gin.H{"used": used, "limit": quota}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Scheduler reports task states and the run queue.
func (h *Handlers) Scheduler(c *gin.Context) {
	s := h.kernel.Scheduler()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"tasks":     s.Tasks(),
		"run_queue": s.RunQueue(),
		"counts":    s.Counts(),
	})
}
