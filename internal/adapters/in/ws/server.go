package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/realtime_service/internal/application"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/in"
	"github.com/EthanQC/IM/services/realtime_service/internal/ports/out"
	"github.com/EthanQC/IM/services/realtime_service/pkg/protocol"
	"github.com/EthanQC/IM/services/realtime_service/pkg/zlog"
)

// Server 接受 WebSocket 升级，完成 auth 握手后把连接交给注册表和路由器
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	auth     in.AuthUseCase
	conns    in.ConnectionUseCase
	router   in.RouterUseCase
	presence in.PresenceUseCase
	metrics  out.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewServer 创建 ws 服务
func NewServer(opts Options, auth in.AuthUseCase, conns in.ConnectionUseCase, router in.RouterUseCase,
	presence in.PresenceUseCase, metrics out.Metrics) *Server {
	if metrics == nil {
		metrics = out.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 跨域由网关负责
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		auth:     auth,
		conns:    conns,
		router:   router,
		presence: presence,
		metrics:  metrics,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// ServeHTTP 处理 /ws 升级请求
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写好了错误响应
		zlog.C(r.Context()).Debug("ws upgrade failed", zap.Error(err))
		return
	}

	c := newConn(wsConn, s.opts, r.RemoteAddr)
	ctx := zlog.WithContext(s.baseCtx, zlog.C(r.Context()))
	ctx = zlog.WithConn(ctx, c.ID(), "")

	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.serve(ctx, c, token)
	}()
}

// serve 握手 + 读循环，退出时注销连接
func (s *Server) serve(ctx context.Context, c *Conn, token string) {
	ws := c.ws
	ws.SetReadLimit(s.opts.ReadLimit)

	userID, err := s.handshake(ctx, c, token)
	if err != nil {
		reason := application.AuthFailureReason(err)
		zlog.C(ctx).Info("ws auth failed", zap.String("reason", reason), zap.Error(err))
		_ = c.writeDirect(protocol.MustEncode(protocol.TypeAuthError, protocol.AuthErrorData{Reason: reason}))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(s.opts.WriteWait))
		_ = c.Close()
		_ = ws.Close()
		return
	}

	c.userID = userID
	ctx = zlog.WithConn(ctx, c.ID(), userID)
	go c.writePump(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.Done():
		}
	}()

	if err := s.conns.Register(ctx, userID, c); err != nil {
		zlog.C(ctx).Warn("register connection failed", zap.Error(err))
		_ = c.Close()
		return
	}
	zlog.C(ctx).Info("ws connected", zap.String("remote_addr", c.remoteAddr))

	defer func() {
		s.conns.Unregister(ctx, userID, c)
		_ = c.Close()
		zlog.C(ctx).Info("ws disconnected")
	}()

	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		s.presence.Heartbeat(ctx, c)
		return nil
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zlog.C(ctx).Warn("ws read failed", zap.Error(err))
			}
			return
		}
		extend()

		if !c.limiter.Allow() {
			s.metrics.FrameDropped("rate_limited")
			zlog.C(ctx).Debug("frame rate limited")
			continue
		}
		if err := s.router.Route(ctx, c, msg); err != nil {
			zlog.C(ctx).Warn("closing connection on bad frame", zap.Error(err))
			return
		}
	}
}

// handshake 第一帧必须是 auth，且需在 AuthTimeout 内到达
func (s *Server) handshake(ctx context.Context, c *Conn, token string) (string, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return "", errors.Join(application.ErrUnauthenticated, err)
	}

	f, err := protocol.DecodeFrame(msg)
	if err != nil || f.Type != protocol.TypeAuth {
		return "", application.ErrUnauthenticated
	}
	var d protocol.AuthData
	if err := f.Decode(&d); err != nil {
		return "", application.ErrUnauthenticated
	}
	if token == "" {
		token = d.Token
	}

	actx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	defer cancel()
	if err := s.auth.Authenticate(actx, token, d.UserID); err != nil {
		return "", err
	}
	return d.UserID, nil
}

// Connections 当前连接数（含未完成握手的）
func (s *Server) Connections() int {
	return int(s.active.Load())
}

// Shutdown 取消所有连接上下文并等待读循环退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bearerToken 优先取 Authorization 头，其次 ?token=
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return r.URL.Query().Get("token")
}
