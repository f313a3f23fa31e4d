package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderInternalToken 内部接口鉴权头
const HeaderInternalToken = "X-Internal-Token"

// InternalOnly 校验内部调用方的共享密钥。secret 为空时不校验，配置校验只在 allow_anonymous 下放行空密钥
func InternalOnly(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(HeaderInternalToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "forbidden"})
			return
		}
		c.Next()
	}
}
