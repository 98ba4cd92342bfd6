package http

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
)

const maxManifestBytes = 1 << 20

// transitionCounter is implemented by journals that can aggregate by state.
type transitionCounter interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// ListVNodes lists every known V-Node, plus lifecycle transition totals
// when the journal keeps them.
func (h *Handlers) ListVNodes(c *gin.Context) {
	list := h.kernel.Supervisor().List()
	resp := gin.H{
		"success": true,
		"vnodes":  list,
		"count":   len(list),
	}
	if counter, ok := h.kernel.Journal().(transitionCounter); ok {
		counts, err := counter.Counts(c.Request.Context())
		if err != nil {
			h.fail(c, err)
			return
		}
		resp["transitions"] = counts
	}
	c.JSON(http.StatusOK, resp)
}

// GetVNode returns one V-Node's status.
func (h *Handlers) GetVNode(c *gin.Context) {
	status, err := h.kernel.Supervisor().Status(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vnode": status})
}

// StartVNode admits the manifest in the request body. TOML is selected by
// ?format=toml or a toml content type; anything else is parsed as YAML,
// which covers JSON bodies too.
func (h *Handlers) StartVNode(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxManifestBytes))
	if err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	format := vnode.FormatYAML
	if strings.EqualFold(c.Query("format"), "toml") || strings.Contains(c.ContentType(), "toml") {
		format = vnode.FormatTOML
	}

	m, err := vnode.Parse(body, format)
	if err != nil {
		h.fail(c, err)
		return
	}

	status, err := h.kernel.Supervisor().Start(c.Request.Context(), m)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("vnode started via admin API",
		zap.String("vnode", status.Name),
		zap.String("run_handle", status.RunHandle))
	c.JSON(http.StatusCreated, gin.H{"success": true, "vnode": status})
}

// StopVNode stops a running V-Node.
func (h *Handlers) StopVNode(c *gin.Context) {
	status, err := h.kernel.Supervisor().Stop(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vnode": status})
}

// RestartVNode stops and starts a V-Node with its last manifest.
func (h *Handlers) RestartVNode(c *gin.Context) {
	status, err := h.kernel.Supervisor().Restart(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vnode": status})
}

// VNodeEvents returns a V-Node's journaled lifecycle, oldest first.
func (h *Handlers) VNodeEvents(c *gin.Context) {
	n, ok := limit(c)
	if !ok {
		return
	}
	name := c.Param("name")

	events, err := h.kernel.Journal().Events(c.Request.Context(), name, n)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = h.kernel.Supervisor().Events().History(name, n)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "vnode": name, "events": events})
}

// RecentEvents returns the in-memory event history of every V-Node.
func (h *Handlers) RecentEvents(c *gin.Context) {
	n, ok := limit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"events":  h.kernel.Supervisor().Events().History(c.Query("vnode"), n),
	})
}

// ListImages lists registered executable images.
func (h *Handlers) ListImages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "images": h.kernel.Images().List()})
}
