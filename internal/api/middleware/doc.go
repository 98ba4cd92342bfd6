// Package middleware provides the gin middleware of the admin API.
//
// Middleware stack includes:
//   - RequestLog: request IDs and structured access logs
//   - CORS: cross-origin access for local dashboards
//   - RateLimit: per-IP token bucket with idle client eviction
//   - GlobalRateLimit: one bucket shared by every client
//
// Example Usage:
//
//	router.Use(middleware.RequestLog(logger))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
