package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"support-bridge/internal/ratelimit"
)

func RateLimitMiddleware(rl *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
