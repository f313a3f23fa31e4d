package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EthanQC/IM/services/realtime_service/pkg/ratelimit"
)

// IPRateLimit 按客户端 IP 限流，用于保护 /ws 升级
func IPRateLimit(l *ratelimit.KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
