package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/kernel"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// Version is reported by the root endpoint.
const Version = "0.4.0"

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handlers serves the admin API over one kernel. Capability changes made
// here act with the kernel's own authority.
type Handlers struct {
	kernel  *kernel.Kernel
	logger  *zap.Logger
	started time.Time
}

// NewHandlers creates the admin handlers.
func NewHandlers(k *kernel.Kernel, logger *zap.Logger) *Handlers {
	return &Handlers{
		kernel:  k,
		logger:  logging.OrNop(logger),
		started: time.Now(),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	vnodes := r.Group("/vnodes")
	vnodes.GET("", h.ListVNodes)
	vnodes.POST("", h.StartVNode)
	vnodes.GET("/:name", h.GetVNode)
	vnodes.POST("/:name/stop", h.StopVNode)
	vnodes.POST("/:name/restart", h.RestartVNode)
	vnodes.GET("/:name/events", h.VNodeEvents)

	r.GET("/images", h.ListImages)
	r.GET("/events", h.RecentEvents)

	caps := r.Group("/caps")
	caps.GET("", h.ListCaps)
	caps.POST("/grant", h.GrantCap)
	caps.POST("/revoke", h.RevokeCap)
	caps.GET("/check", h.CheckCap)
	caps.GET("/audit", h.Audit)

	r.GET("/endpoints", h.ListEndpoints)
	r.GET("/buffers", h.ListBuffers)
	r.GET("/sched", h.Scheduler)
}

// Root describes the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "aetherd",
		"version": Version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

// Health reports whether the kernel is serving syscalls.
func (h *Handlers) Health(c *gin.Context) {
	faulted, cause := h.kernel.Faulted()
	if faulted {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "faulted",
			"error":  cause.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"vnodes":    len(h.kernel.Supervisor().List()),
		"endpoints": len(h.kernel.Transport().List()),
		"caps":      h.kernel.Caps().Len(),
	})
}

// ============================================================================
// Response helpers
// ============================================================================

// statusFor maps kernel error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch ipcerr.KindOf(err) {
	case ipcerr.PermissionDenied:
		return http.StatusForbidden
	case ipcerr.NotFound:
		return http.StatusNotFound
	case ipcerr.InvalidArgument:
		return http.StatusBadRequest
	case ipcerr.ManifestRejected:
		return http.StatusUnprocessableEntity
	case ipcerr.AlreadyRunning:
		return http.StatusConflict
	case ipcerr.QuotaExceeded, ipcerr.OutOfMemory, ipcerr.WouldBlock:
		return http.StatusServiceUnavailable
	case ipcerr.Timeout:
		return http.StatusGatewayTimeout
	case ipcerr.PeerGone, ipcerr.Invalidated:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin operation failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)

	body := gin.H{"success": false, "error": err.Error()}
	var kerr *ipcerr.Error
	if errors.As(err, &kerr) {
		body["kind"] = kerr.Kind.String()
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// limit parses ?limit= with a default and an upper bound.
func limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxLimit), true
}
