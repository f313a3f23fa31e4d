package zlog

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID 请求 ID 头，缺省时生成一个
const HeaderRequestID = "X-Request-Id"

// GinLogger 注入请求级 logger，并在请求结束后打访问日志
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(HeaderRequestID, reqID)

		l := zap.L().With(
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), l))
		c.Next()

		if c.IsWebsocket() {
			l.Info("ws upgrade", zap.Duration("latency", time.Since(start)))
			return
		}
		l.Info("access",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes_out", c.Writer.Size()),
		)
	}
}

// GinRecovery panic 时记录堆栈并返回 500
func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		FromContext(c.Request.Context()).Error("panic recovered",
			zap.Any("panic", recovered), zap.Stack("stack"))
		c.AbortWithStatus(500)
	})
}
