package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/adapters/in/http/middleware"
	"github.com/EthanQC/IM/services/realtime_service/internal/application"
	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/IM/services/realtime_service/pkg/ratelimit"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

// Stats /stats 返回的统计
type Stats struct {
	OnlineUsers   int    `json:"online_users"`
	Connections   int    `json:"connections"`
	ActiveCalls   int    `json:"active_calls"`
	FramesRouted  uint64 `json:"frames_routed"`
	FramesDropped uint64 `json:"frames_dropped"`
}

// Deps 路由依赖
type Deps struct {
	WS            http.Handler
	Conns         in.ConnectionUseCase
	Signaling     in.SignalingUseCase
	Notifications in.NotificationUseCase
	Presence      in.PresenceQuery
	Connections   func() int // 含未完成握手的连接数
	Frames        func() (routed, dropped uint64)
	Limiter       *ratelimit.KeyedLimiter
	Gatherer      prometheus.Gatherer
	InternalToken string
	STUNServers   []string
}

// NewRouter 组装 gin 路由
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(zlog.GinLogger(), zlog.GinRecovery())

	ws := r.Group("/")
	if d.Limiter != nil {
		ws.Use(middleware.IPRateLimit(d.Limiter))
	}
	ws.GET("/ws", gin.WrapH(d.WS))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/stats", func(c *gin.Context) {
		s := Stats{
			OnlineUsers: len(d.Conns.Snapshot()),
			ActiveCalls: d.Signaling.ActiveCalls(),
		}
		if d.Connections != nil {
			s.Connections = d.Connections()
		}
		if d.Frames != nil {
			s.FramesRouted, s.FramesDropped = d.Frames()
		}
		c.JSON(http.StatusOK, s)
	})

	r.GET("/webrtc/ice-servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"stun_servers": d.STUNServers})
	})

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	zlog.RegisterLevelRoutes(r)

	internal := r.Group("/internal", middleware.InternalOnly(d.InternalToken))
	internal.POST("/notify", notifyHandler(d.Notifications))
	internal.GET("/online", onlineHandler(d.Presence))
	internal.GET("/online/:id", locateHandler(d.Presence))

	return r
}

// notifyHandler 其它服务通过 HTTP 推送通知，载荷与 Kafka 事件一致
func notifyHandler(n in.NotificationUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev entity.NotificationEvent
		if err := json.NewDecoder(c.Request.Body).Decode(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "invalid body"})
			return
		}

		err := n.Dispatch(c.Request.Context(), &ev)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"delivered": true})
		case errors.Is(err, application.ErrRecipientOffline):
			// 接收人离线不是错误，由通知存储兜底
			c.JSON(http.StatusOK, gin.H{"delivered": false})
		case errors.Is(err, application.ErrMalformedFrame):
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
		default:
			zlog.C(c.Request.Context()).Warn("notify dispatch failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"delivered": false})
		}
	}
}

// onlineHandler GET /internal/online?ids=a,b
func onlineHandler(presence in.PresenceQuery) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		raw := c.Query("ids")
		if raw == "" {
			c.JSON(http.StatusOK, gin.H{"online": presence.OnlineAnywhere(ctx)})
			return
		}
		result := make(map[string]bool)
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				result[id] = presence.IsOnlineAnywhere(ctx, id)
			}
		}
		c.JSON(http.StatusOK, gin.H{"online": result})
	}
}

// locateHandler GET /internal/online/:id 返回用户连接所在节点
func locateHandler(presence in.PresenceQuery) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := presence.Locate(c.Request.Context(), c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "offline"})
			return
		}
		c.JSON(http.StatusOK, u)
	}
}
