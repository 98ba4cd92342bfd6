package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AetherOS/core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestLog tags every request with an ID (reusing a valid inbound one)
// and logs it once it completes.
func RequestLog(logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)

	return func(c *gin.Context) {
		reqID := c.GetHeader(RequestIDHeader)
		if !id.IsValid(reqID) {
			reqID = id.Default().Generate().String()
		}
		c.Header(RequestIDHeader, reqID)
		c.Set(RequestIDHeader, reqID)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("admin request failed", fields...)
		case status >= 400:
			logger.Info("admin request rejected", fields...)
		default:
			logger.Debug("admin request", fields...)
		}
	}
}
