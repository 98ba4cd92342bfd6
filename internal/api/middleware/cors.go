package middleware

import (
	"net"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig defines CORS configuration options.
type CORSConfig struct {
	// AllowOrigins lists extra origins beyond loopback.
	AllowOrigins []string
	// AllowLoopback admits any http(s) origin on localhost or a loopback IP.
	AllowLoopback bool
	AllowMethods  []string
	AllowHeaders  []string
	MaxAge        time.Duration
}

// DefaultCORSConfig lets dashboards on the local machine call the admin API.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowLoopback: true,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Content-Length",
			"Accept",
			"Origin",
			"Cache-Control",
			RequestIDHeader,
		},
		MaxAge: 12 * time.Hour,
	}
}

// CORS creates a CORS middleware with the provided configuration. The admin
// API carries no cookies, so credentials are never allowed.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	c := cors.Config{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  cfg.AllowMethods,
		AllowHeaders:  cfg.AllowHeaders,
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        cfg.MaxAge,
	}
	if cfg.AllowLoopback {
		c.AllowOriginFunc = IsLoopbackOrigin
	}
	return cors.New(c)
}

// IsLoopbackOrigin reports whether origin names localhost or a loopback IP.
func IsLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
