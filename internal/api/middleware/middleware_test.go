package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestCORS(t *testing.T) {
	router := setupTestRouter()
	router.Use(CORS(DefaultCORSConfig()))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	tests := []struct {
		name           string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{
			name:           "simple GET from local dashboard",
			method:         "GET",
			origin:         "http://localhost:3000",
			wantStatus:     http.StatusOK,
			wantCORSHeader: true,
		},
		{
			name:           "preflight OPTIONS request",
			method:         "OPTIONS",
			origin:         "http://localhost:3000",
			wantStatus:     http.StatusNoContent,
			wantCORSHeader: true,
		},
		{
			name:           "loopback IP on another port",
			method:         "GET",
			origin:         "http://127.0.0.1:5173",
			wantStatus:     http.StatusOK,
			wantCORSHeader: true,
		},
		{
			name:           "foreign origin",
			method:         "GET",
			origin:         "https://evil.example",
			wantStatus:     http.StatusForbidden,
			wantCORSHeader: false,
		},
		{
			name:           "no origin header",
			method:         "GET",
			wantStatus:     http.StatusOK,
			wantCORSHeader: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.method == "OPTIONS" {
				req.Header.Set("Access-Control-Request-Method", "GET")
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCORSHeader {
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSExtraOrigins(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://console.aether.example"}

	router := setupTestRouter()
	router.Use(CORS(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for origin, want := range map[string]int{
		"https://console.aether.example": http.StatusOK,
		"http://localhost:8080":          http.StatusOK,
		"https://other.example":          http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, origin)
	}
}

func TestIsLoopbackOrigin(t *testing.T) {
	assert.True(t, IsLoopbackOrigin("http://localhost:3000"))
	assert.True(t, IsLoopbackOrigin("https://[::1]:8443"))
	assert.True(t, IsLoopbackOrigin("http://127.0.0.2"))
	assert.False(t, IsLoopbackOrigin("http://10.0.0.1"))
	assert.False(t, IsLoopbackOrigin("file://localhost/etc"))
	assert.False(t, IsLoopbackOrigin("://bad"))
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter()
	router.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 2, Burst: 2}))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "Request %d should succeed", i+1)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"rate limit exceeded"}`, w.Body.String())
}

func TestRateLimitDifferentClients(t *testing.T) {
	router := setupTestRouter()
	router.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func(addr string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("192.168.1.1:1234"))
	assert.Equal(t, http.StatusOK, do("192.168.1.2:1234"))
	assert.Equal(t, http.StatusTooManyRequests, do("192.168.1.1:1234"))
}

func TestGlobalRateLimit(t *testing.T) {
	router := setupTestRouter()
	router.Use(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 2, Burst: 2}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i, addr := range []string{"192.168.1.1:1", "192.168.1.2:1"} {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "Request %d should succeed", i+1)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.3:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRequestLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := setupTestRouter()
	router.Use(RequestLog(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ok", nil))
	generated := w.Header().Get(RequestIDHeader)
	assert.True(t, id.IsValid(generated))

	inbound := id.Default().Generate().String()
	req := httptest.NewRequest("GET", "/boom", nil)
	req.Header.Set(RequestIDHeader, inbound)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, inbound, w.Header().Get(RequestIDHeader))

	failed := logs.FilterMessage("admin request failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, inbound, failed[0].ContextMap()["request_id"])
	assert.Equal(t, int64(http.StatusInternalServerError), failed[0].ContextMap()["status"])
	assert.Equal(t, 1, logs.FilterMessage("admin request").Len())
}

func TestDefaultConfigs(t *testing.T) {
	cors := DefaultCORSConfig()
	assert.Empty(t, cors.AllowOrigins)
	assert.True(t, cors.AllowLoopback)
	assert.Contains(t, cors.AllowMethods, "POST")
	assert.Contains(t, cors.AllowHeaders, RequestIDHeader)
	assert.Equal(t, 12*time.Hour, cors.MaxAge)

	rl := DefaultRateLimitConfig()
	assert.Equal(t, 50, rl.RequestsPerSecond)
	assert.Equal(t, 100, rl.Burst)
}

func BenchmarkRateLimit(b *testing.B) {
	router := setupTestRouter()
	router.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1 << 20, Burst: 1 << 20}))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
