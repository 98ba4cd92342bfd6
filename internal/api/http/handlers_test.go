package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AetherOS/core/internal/abi"
	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/config"
	"github.com/GriffinCanCode/AetherOS/core/internal/kernel"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
	"github.com/GriffinCanCode/AetherOS/core/internal/store"
)

const parkManifest = `
name: echo
mode: strict
runtime:
  entrypoint: image://park
  required_mem_mb: 4
  max_cpu_share: 0.1
capabilities:
  - CAP_IPC_ACCEPT
  - CAP_LOG_WRITE
service:
  advertise: true
  capacity: 4
`

const parkManifestTOML = `
name = "echo-toml"
mode = "strict"

[runtime]
entrypoint = "image://park"
required_mem_mb = 4
max_cpu_share = 0.1
`

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, opts ...kernel.Option) (*gin.Engine, *kernel.Kernel) {
	t.Helper()

	cfg := config.Default()
	cfg.Loader.ManifestDir = ""

	images := vnode.NewImageStore()
	require.NoError(t, images.Register("park", func(ctx context.Context, _ abi.Syscalls) error {
		<-ctx.Done()
		return nil
	}))

	k, err := kernel.New(cfg, append([]kernel.Option{kernel.WithImages(images)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, k.Boot(context.Background()))
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	r := gin.New()
	NewHandlers(k, nil).Register(r)
	return r, k
}

func do(r *gin.Engine, method, path, contentType, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func postJSON(r *gin.Engine, path string, v any) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(v)
	return do(r, http.MethodPost, path, "application/json", buf.String())
}

func TestRootAndHealth(t *testing.T) {
	r, _ := setupRouter(t)

	w, resp := do(r, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "aetherd", resp["service"])
	assert.Equal(t, Version, resp["version"])

	w, resp = do(r, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
	assert.EqualValues(t, 0, resp["vnodes"])
}

func TestVNodeLifecycle(t *testing.T) {
	r, k := setupRouter(t)

	w, resp := do(r, http.MethodPost, "/vnodes", "application/yaml", parkManifest)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	status := resp["vnode"].(map[string]any)
	assert.Equal(t, "echo", status["name"])
	assert.Equal(t, "running", status["state"])
	assert.NotEmpty(t, status["run_handle"])

	w, _ = do(r, http.MethodPost, "/vnodes", "application/yaml", parkManifest)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = do(r, http.MethodGet, "/vnodes", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, resp["count"])

	w, resp = do(r, http.MethodGet, "/endpoints", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, resp["count"])

	w, resp = do(r, http.MethodPost, "/vnodes/echo/restart", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "running", resp["vnode"].(map[string]any)["state"])
	assert.EqualValues(t, 1, resp["vnode"].(map[string]any)["restarts"])

	w, resp = do(r, http.MethodPost, "/vnodes/echo/stop", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", resp["vnode"].(map[string]any)["state"])
	assert.Empty(t, k.Transport().List())

	w, resp = do(r, http.MethodGet, "/vnodes/echo/events", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := resp["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, "stopped", events[len(events)-1].(map[string]any)["to"])

	w, resp = do(r, http.MethodGet, "/events?vnode=echo&limit=2", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["events"], 2)
}

func TestListVNodesReportsJournalCounts(t *testing.T) {
	journal, err := store.NewSQLiteJournal(":memory:")
	require.NoError(t, err)
	r, _ := setupRouter(t, kernel.WithJournal(journal))

	w, resp := do(r, http.MethodGet, "/vnodes", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp["transitions"])

	w, _ = do(r, http.MethodPost, "/vnodes", "application/yaml", parkManifest)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w, _ = do(r, http.MethodPost, "/vnodes/echo/stop", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = do(r, http.MethodGet, "/vnodes", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	counts := resp["transitions"].(map[string]any)
	assert.EqualValues(t, 1, counts["loading"])
	assert.EqualValues(t, 1, counts["running"])
	assert.EqualValues(t, 1, counts["stopped"])

	w, resp = do(r, http.MethodGet, "/vnodes/echo/events", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["events"], 3)
}

func TestStartVNodeFromTOML(t *testing.T) {
	r, _ := setupRouter(t)

	w, resp := do(r, http.MethodPost, "/vnodes?format=toml", "text/plain", parkManifestTOML)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "echo-toml", resp["vnode"].(map[string]any)["name"])
}

func TestStartVNodeErrors(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name string
		body string
		code int
		kind string
	}{
		{"malformed", "name: [", http.StatusUnprocessableEntity, "manifest_rejected"},
		{"unknown image", strings.Replace(parkManifest, "image://park", "image://ghost", 1), http.StatusNotFound, "not_found"},
		{"too much memory", strings.Replace(parkManifest, "required_mem_mb: 4", "required_mem_mb: 1000000", 1), http.StatusServiceUnavailable, "quota_exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(r, http.MethodPost, "/vnodes", "application/yaml", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Equal(t, false, resp["success"])
			assert.Equal(t, tt.kind, resp["kind"])
		})
	}
}

func TestUnknownVNode(t *testing.T) {
	r, _ := setupRouter(t)

	for _, path := range []string{"/vnodes/ghost"} {
		w, resp := do(r, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", resp["kind"])
	}
	w, _ := do(r, http.MethodPost, "/vnodes/ghost/stop", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = do(r, http.MethodPost, "/vnodes/ghost/restart", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCapabilityAdministration(t *testing.T) {
	r, _ := setupRouter(t)

	grant := map[string]any{"subject": "mail-service", "resource": "svc://dns-resolver", "rights": "connect"}
	w, resp := postJSON(r, "/caps/grant", grant)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "mail-service", resp["capability"].(map[string]any)["subject"])

	w, resp = do(r, http.MethodGet, "/caps/check?subject=mail-service&resource=svc://dns-resolver&rights=connect", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["allowed"])

	w, resp = do(r, http.MethodGet, "/caps/check?subject=mail-service&resource=svc://dns-resolver&rights=connect|write", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["allowed"])

	w, resp = do(r, http.MethodGet, "/caps?subject=mail-service", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, resp["count"])

	w, _ = postJSON(r, "/caps/revoke", grant)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = do(r, http.MethodGet, "/caps/check?subject=mail-service&resource=svc://dns-resolver&rights=connect", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["allowed"])

	w, resp = do(r, http.MethodGet, "/caps/audit?limit=10", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, resp["entries"])

	w, resp = postJSON(r, "/caps/revoke", grant)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", resp["kind"])
}

func TestCapabilityRequestValidation(t *testing.T) {
	r, _ := setupRouter(t)

	w, _ := postJSON(r, "/caps/grant", map[string]any{"subject": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = postJSON(r, "/caps/grant", map[string]any{"subject": "x", "resource": "svc://y", "rights": "fly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := postJSON(r, "/caps/grant", map[string]any{"subject": "x", "resource": "dev://tty", "rights": "read"})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "permission_denied", resp["kind"])

	w, _ = do(r, http.MethodGet, "/caps/check?subject=x", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodGet, "/caps/audit?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResourceViews(t *testing.T) {
	r, _ := setupRouter(t)

	w, resp := do(r, http.MethodGet, "/buffers?owner=nobody", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, resp, "stats")
	assert.Equal(t, "nobody", resp["owner"])

	w, resp = do(r, http.MethodGet, "/sched", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, resp, "counts")

	w, resp = do(r, http.MethodGet, "/images", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, resp["images"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind ipcerr.Kind
		want int
	}{
		{ipcerr.PermissionDenied, http.StatusForbidden},
		{ipcerr.NotFound, http.StatusNotFound},
		{ipcerr.InvalidArgument, http.StatusBadRequest},
		{ipcerr.ManifestRejected, http.StatusUnprocessableEntity},
		{ipcerr.AlreadyRunning, http.StatusConflict},
		{ipcerr.QuotaExceeded, http.StatusServiceUnavailable},
		{ipcerr.WouldBlock, http.StatusServiceUnavailable},
		{ipcerr.Timeout, http.StatusGatewayTimeout},
		{ipcerr.PeerGone, http.StatusGone},
		{ipcerr.Fault, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(ipcerr.New(tt.kind, "op", "boom")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}
