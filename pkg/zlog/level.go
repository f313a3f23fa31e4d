package zlog

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	dynamicLevel = zap.NewAtomicLevel() // 全局可变级别
	levelName    atomic.Value
)

func initLevel(lvl string) {
	SetLevel(lvl)
}

func parseLevel(lvl string) (zapcore.Level, bool) {
	switch strings.ToLower(lvl) {
	case "debug":
		return zap.DebugLevel, true
	case "info":
		return zap.InfoLevel, true
	case "warn":
		return zap.WarnLevel, true
	case "error":
		return zap.ErrorLevel, true
	default:
		return zap.InfoLevel, false
	}
}

// SetLevel 热更新日志级别，未知级别返回 false 且不生效
func SetLevel(lvl string) bool {
	l, ok := parseLevel(lvl)
	if !ok {
		return false
	}
	dynamicLevel.SetLevel(l)
	levelName.Store(strings.ToLower(lvl))
	return true
}

// GetLevel 返回当前级别字符串
func GetLevel() string {
	if v, ok := levelName.Load().(string); ok {
		return v
	}
	return "info"
}

// RegisterLevelRoutes 挂载 GET/PUT /log/level
func RegisterLevelRoutes(r gin.IRoutes) {
	r.GET("/log/level", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"level": GetLevel()})
	})
	r.PUT("/log/level", func(c *gin.Context) {
		lvl := c.Query("v")
		if lvl == "" {
			lvl = c.PostForm("v")
		}
		if !SetLevel(lvl) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level " + lvl})
			return
		}
		c.JSON(http.StatusOK, gin.H{"level": GetLevel()})
	})
}
