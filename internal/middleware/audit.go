package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/timetable-api/pkg/middleware/requestid"
)

// Audit logs successful state-changing requests with the acting user.
func Audit(logger *zap.Logger, action string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if c.Writer.Status() >= 400 {
			return
		}

		var userID, role string
		if claims := currentClaims(c); claims != nil {
			userID, role = claims.UserID, string(claims.Role)
		}

		logger.Info("audit",
			zap.String("action", action),
			zap.String("user_id", userID),
			zap.String("role", role),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.GetHeader("User-Agent")),
			zap.String("request_id", requestid.Value(c)),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	}
}
